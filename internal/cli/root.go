// Package cli implements wsyncctl, the administrative command line for the
// workspace sync engine. Commands run in-process against the same database
// and services as the HTTP server.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dmitrijs2005/workspacesync/internal/logging"
	"github.com/dmitrijs2005/workspacesync/internal/server"
	"github.com/dmitrijs2005/workspacesync/internal/server/config"
	"github.com/dmitrijs2005/workspacesync/internal/server/httpapi"
	"github.com/dmitrijs2005/workspacesync/internal/server/repositories/repomanager"
	"github.com/spf13/cobra"
)

var errNoBridge = errors.New("foreign data bridge not configured (set the admin database DSN)")

// Backend is what the commands operate on. Bridge is nil when no admin DSN
// is configured.
type Backend struct {
	Sync   httpapi.SyncAPI
	Bridge httpapi.BridgeAPI
	Close  func()
}

// Opener builds a Backend for cfg. Logs go to w.
type Opener func(ctx context.Context, cfg *config.Config, w io.Writer) (*Backend, error)

// OpenBackend is the production Opener: it connects to the primary store,
// runs migrations and wires the services, plus the bridge when configured.
func OpenBackend(ctx context.Context, cfg *config.Config, w io.Writer) (*Backend, error) {
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logging.ParseLevel(cfg.LogLevel),
	})))

	m := repomanager.NewPostgresRepositoryManager()
	db, err := server.OpenDB(ctx, cfg, m)
	if err != nil {
		return nil, err
	}

	svc, err := server.NewSyncService(ctx, cfg, db, m, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	br, pool, err := server.NewBridge(ctx, cfg, log)
	if err != nil {
		svc.Close()
		_ = db.Close()
		return nil, err
	}

	b := &Backend{Sync: svc, Close: func() {
		svc.Close()
		if pool != nil {
			pool.Close()
		}
		_ = db.Close()
	}}
	if br != nil {
		b.Bridge = br
	}
	return b, nil
}

type app struct {
	open       Opener
	loadConfig func(path string) (*config.Config, error)

	configPath string
	userID     string
}

// NewRootCommand assembles the wsyncctl command tree.
func NewRootCommand(open Opener) *cobra.Command {
	return newRootCommand(open, config.LoadWithoutFlags)
}

func newRootCommand(open Opener, load func(path string) (*config.Config, error)) *cobra.Command {
	a := &app{open: open, loadConfig: load}

	root := &cobra.Command{
		Use:           "wsyncctl",
		Short:         "Administer workspace sync and recovery",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to JSON config file")
	root.PersistentFlags().StringVarP(&a.userID, "user", "u", "", "user id to act as")

	root.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
		&cobra.Group{ID: "admin", Title: "Admin commands:"},
	)

	root.AddCommand(
		a.credentialCmd(),
		a.bindingsCmd(),
		a.recoveryCmd(),
		a.reconcileCmd(),
		a.mirrorCmd(),
		a.bridgeCmd(),
		a.tokenCmd(),
	)
	return root
}

func (a *app) loadCfg() (*config.Config, error) {
	return a.loadConfig(a.configPath)
}

// withBackend loads the config, opens a backend, runs fn and closes it.
func (a *app) withBackend(cmd *cobra.Command, fn func(ctx context.Context, b *Backend) error) error {
	cfg, err := a.loadCfg()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := a.open(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b)
}

func (a *app) requireUser() error {
	if a.userID == "" {
		return errors.New("--user is required")
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("error encoding output: %w", err)
	}
	return nil
}
