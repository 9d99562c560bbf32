// Package bridge provisions the foreign data wrapper server that exposes the
// external workspace to SQL. It runs on a separate, elevated connection and
// never touches the sync tables.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/workspacesync/internal/common"
	"github.com/dmitrijs2005/workspacesync/internal/logging"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotProvisioned is returned when the foreign server does not exist yet.
var ErrNotProvisioned = errors.New("foreign data bridge not provisioned")

// Pool is the subset of *pgxpool.Pool used by the bridge.
type Pool interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Pool = (*pgxpool.Pool)(nil)

// Options names the objects the bridge manages.
type Options struct {
	Wrapper      string
	Server       string
	Schema       string
	RemoteSchema string
}

// Status describes the provisioned foreign server.
type Status struct {
	Exists        bool   `json:"exists"`
	Server        string `json:"server"`
	Wrapper       string `json:"wrapper,omitempty"`
	Schema        string `json:"schema"`
	SecretRef     string `json:"secret_ref,omitempty"`
	ForeignTables int    `json:"foreign_tables"`
}

type Bridge struct {
	pool Pool
	opts Options
	log  logging.Logger
}

func New(pool Pool, opts Options, log logging.Logger) (*Bridge, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if opts.Wrapper == "" || opts.Server == "" || opts.Schema == "" {
		return nil, errors.New("wrapper, server and schema names are required")
	}
	if opts.RemoteSchema == "" {
		opts.RemoteSchema = opts.Schema
	}
	return &Bridge{pool: pool, opts: opts, log: log.With("module", "bridge")}, nil
}

// Connect opens the admin pool and verifies it is reachable.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// secretRef validates ref as a secrets-store id. Only the canonical UUID
// form is ever interpolated into DDL.
func secretRef(ref string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("%w: secret reference must be a uuid", common.ErrInvalidExternalRef)
	}
	return id.String(), nil
}

// Provision (re)creates the foreign server pointing at the secret ref and
// imports the remote schema, all in one transaction.
func (b *Bridge) Provision(ctx context.Context, ref string) (*Status, error) {
	secret, err := secretRef(ref)
	if err != nil {
		return nil, err
	}

	server := ident(b.opts.Server)
	statements := []string{
		"DROP SERVER IF EXISTS " + server + " CASCADE",
		"CREATE SERVER " + server + " FOREIGN DATA WRAPPER " + ident(b.opts.Wrapper) +
			" OPTIONS (api_key_id '" + secret + "')",
		"CREATE SCHEMA IF NOT EXISTS " + ident(b.opts.Schema),
		"IMPORT FOREIGN SCHEMA " + ident(b.opts.RemoteSchema) + " FROM SERVER " + server +
			" INTO " + ident(b.opts.Schema),
	}

	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("bridge provisioning failed: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	b.log.Info(ctx, "bridge provisioned", "server", b.opts.Server, "schema", b.opts.Schema, "secret_ref", secret)
	return b.Status(ctx)
}

// RefreshBinding points the existing server at a new secret ref, e.g. after
// the workspace key was rotated.
func (b *Bridge) RefreshBinding(ctx context.Context, ref string) (*Status, error) {
	secret, err := secretRef(ref)
	if err != nil {
		return nil, err
	}

	st, err := b.Status(ctx)
	if err != nil {
		return nil, err
	}
	if !st.Exists {
		return nil, ErrNotProvisioned
	}

	action := "SET"
	if st.SecretRef == "" {
		action = "ADD"
	}
	stmt := "ALTER SERVER " + ident(b.opts.Server) + " OPTIONS (" + action + " api_key_id '" + secret + "')"
	if _, err := b.pool.Exec(ctx, stmt); err != nil {
		return nil, fmt.Errorf("bridge refresh failed: %w", err)
	}

	b.log.Info(ctx, "bridge secret rotated", "server", b.opts.Server, "secret_ref", secret)
	st.SecretRef = secret
	return st, nil
}

const (
	serverQuery = `SELECT w.fdwname, COALESCE(array_to_string(s.srvoptions, ','), '')
		FROM pg_foreign_server s JOIN pg_foreign_data_wrapper w ON w.oid = s.srvfdw
		WHERE s.srvname = $1`
	tablesQuery = `SELECT COUNT(*) FROM information_schema.foreign_tables
		WHERE foreign_table_schema = $1 AND foreign_server_name = $2`
)

// Status reports whether the server exists and which secret ref it uses.
func (b *Bridge) Status(ctx context.Context) (*Status, error) {
	st := &Status{Server: b.opts.Server, Schema: b.opts.Schema}

	var options string
	err := b.pool.QueryRow(ctx, serverQuery, b.opts.Server).Scan(&st.Wrapper, &options)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return st, nil
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	st.Exists = true
	st.SecretRef = optionValue(options, "api_key_id")

	if err := b.pool.QueryRow(ctx, tablesQuery, b.opts.Schema, b.opts.Server).Scan(&st.ForeignTables); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return st, nil
}

func optionValue(options, key string) string {
	for _, kv := range strings.Split(options, ",") {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}
