package records

import (
	"fmt"
	"strings"

	"github.com/dmitrijs2005/workspacesync/internal/server/mapping"
	"github.com/dmitrijs2005/workspacesync/internal/server/models"
	"github.com/jackc/pgx/v5"
)

// statements holds the SQL of one entity table. Table and column names come
// from the mapping registry only and are quoted with pgx.Identifier.
type statements struct {
	mapping    mapping.Mapping
	count      string
	listLinked string
	get        string
	insert     string
	adopt      string
	pending    string
	synced     string
	failed     string
}

var overlayColumns = []string{"external_record_id", "sync_status", "last_synced_at", "sync_attempted_at", "sync_error", "updated_at"}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func buildStatements(m mapping.Mapping) statements {
	table := quote(m.Table)

	content := make([]string, 0, len(m.Fields))
	for _, c := range m.Columns() {
		content = append(content, quote(c))
	}

	selectCols := append([]string{"id", "owner_id"}, content...)
	selectCols = append(selectCols, overlayColumns...)
	sel := "SELECT " + strings.Join(selectCols, ", ") + " FROM " + table

	insertCols := append([]string{"id", "owner_id"}, content...)
	insertCols = append(insertCols, "external_record_id", "sync_status", "last_synced_at", "updated_at")
	placeholders := make([]string, len(insertCols))
	for i := range insertCols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	sets := make([]string, 0, len(content))
	for i, c := range content {
		sets = append(sets, fmt.Sprintf("%s = $%d", c, i+4))
	}
	atArg := len(content) + 4

	return statements{
		mapping: m,
		count: "SELECT COUNT(*), COUNT(*) FILTER (WHERE sync_status = 'failed' OR " +
			"(sync_status = 'pending' AND (sync_attempted_at IS NULL OR sync_attempted_at < $2))) " +
			"FROM " + table + " WHERE owner_id = $1",
		listLinked: sel + " WHERE owner_id = $1 AND external_record_id IS NOT NULL",
		get:        sel + " WHERE id = $1 AND owner_id = $2",
		insert: "INSERT INTO " + table + " (" + strings.Join(insertCols, ", ") + ") VALUES (" +
			strings.Join(placeholders, ", ") + ") ON CONFLICT (owner_id, external_record_id) DO NOTHING",
		adopt: "UPDATE " + table + " SET " + strings.Join(sets, ", ") +
			fmt.Sprintf(", sync_status = 'synced', sync_error = '', last_synced_at = $%d, updated_at = $%d", atArg, atArg) +
			" WHERE id = $1 AND owner_id = $2 AND external_record_id = $3",
		pending: "UPDATE " + table + " SET sync_status = 'pending', sync_attempted_at = $3, sync_error = '' " +
			"WHERE id = $1 AND owner_id = $2",
		synced: "UPDATE " + table + " SET sync_status = 'synced', external_record_id = $3, last_synced_at = $4, sync_error = '' " +
			"WHERE id = $1 AND owner_id = $2 AND sync_status = 'pending' " +
			"AND (external_record_id IS NULL OR external_record_id = $3)",
		failed: "UPDATE " + table + " SET sync_status = 'failed', sync_error = $3, sync_attempted_at = $4 " +
			"WHERE id = $1 AND owner_id = $2 AND sync_status = 'pending'",
	}
}

var byEntity = func() map[models.EntityType]statements {
	out := make(map[models.EntityType]statements, len(models.AllEntityTypes))
	for _, et := range models.AllEntityTypes {
		m, err := mapping.For(et)
		if err != nil {
			panic(err)
		}
		out[et] = buildStatements(m)
	}
	return out
}()
