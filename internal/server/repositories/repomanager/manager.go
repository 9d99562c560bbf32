package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/workspacesync/internal/dbx"
	"github.com/dmitrijs2005/workspacesync/internal/server/repositories/bindings"
	"github.com/dmitrijs2005/workspacesync/internal/server/repositories/credentials"
	"github.com/dmitrijs2005/workspacesync/internal/server/repositories/records"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Credentials(db dbx.DBTX) credentials.Repository
	Bindings(db dbx.DBTX) bindings.Repository
	Records(db dbx.DBTX) records.Repository
}
