package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/workspacesync/internal/common"
	"github.com/dmitrijs2005/workspacesync/internal/server/auth"
	"github.com/dmitrijs2005/workspacesync/internal/server/models"
	"github.com/spf13/cobra"
)

func (a *app) credentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credential",
		GroupID: "sync",
		Short:   "Manage the workspace API key",
	}

	var keyName string
	store := &cobra.Command{
		Use:   "store",
		Short: "Validate and store a workspace API key",
		Long: `Prompt for a workspace API key, validate it against the workspace and
store it encrypted. The new key becomes the only active key of the user.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireUser(); err != nil {
				return err
			}
			key, err := readAPIKey(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer clear(key)
			if len(key) == 0 {
				return errors.New("api key must not be empty")
			}

			return a.withBackend(cmd, func(ctx context.Context, b *Backend) error {
				cred, err := b.Sync.StoreCredential(ctx, a.userID, string(key), keyName)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored credential %s (%s)\n", cred.ID, cred.KeyHint)
				return nil
			})
		},
	}
	store.Flags().StringVarP(&keyName, "name", "n", "", "label for the key")

	test := &cobra.Command{
		Use:   "test <credential-id>",
		Short: "Check a stored key against the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireUser(); err != nil {
				return err
			}
			return a.withBackend(cmd, func(ctx context.Context, b *Backend) error {
				check, err := b.Sync.TestCredential(ctx, a.userID, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), check)
			})
		},
	}

	cmd.AddCommand(store, test)
	return cmd
}

func (a *app) bindingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "bindings",
		GroupID: "sync",
		Short:   "Discover and list database bindings",
	}

	discover := &cobra.Command{
		Use:   "discover <root-page-id>",
		Short: "Rebuild bindings from the databases under a root page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireUser(); err != nil {
				return err
			}
			return a.withBackend(cmd, func(ctx context.Context, b *Backend) error {
				bindings, err := b.Sync.DiscoverBindings(ctx, a.userID, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), bindings)
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the current bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireUser(); err != nil {
				return err
			}
			return a.withBackend(cmd, func(ctx context.Context, b *Backend) error {
				bindings, err := b.Sync.ListBindings(ctx, a.userID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), bindings)
			})
		},
	}

	cmd.AddCommand(discover, list)
	return cmd
}

func (a *app) recoveryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "recovery",
		GroupID: "sync",
		Short:   "Inspect local data loss",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Report whether bound entity types need recovery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireUser(); err != nil {
				return err
			}
			return a.withBackend(cmd, func(ctx context.Context, b *Backend) error {
				scenario, err := b.Sync.CheckRecovery(ctx, a.userID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), scenario)
			})
		},
	})
	return cmd
}

func (a *app) reconcileCmd() *cobra.Command {
	var entityType string
	cmd := &cobra.Command{
		Use:     "reconcile",
		GroupID: "sync",
		Short:   "Pull external records into local tables",
		Long: `Reconcile every bound entity type, or only the one given with --type.
The summary is printed even when the run is aborted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireUser(); err != nil {
				return err
			}
			et := models.EntityType(entityType)
			if et != "" && !et.Valid() {
				return fmt.Errorf("%w: %s", common.ErrUnknownEntityType, entityType)
			}
			return a.withBackend(cmd, func(ctx context.Context, b *Backend) error {
				summary, err := b.Sync.Reconcile(ctx, a.userID, et)
				if summary != nil {
					if perr := printJSON(cmd.OutOrStdout(), summary); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&entityType, "type", "t", "", "entity type to reconcile")
	return cmd
}

func (a *app) mirrorCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "mirror <entity-type> <record-id>",
		GroupID: "sync",
		Short:   "Write one local record to its bound database",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireUser(); err != nil {
				return err
			}
			return a.withBackend(cmd, func(ctx context.Context, b *Backend) error {
				rec, err := b.Sync.Mirror(ctx, a.userID, models.EntityType(args[0]), args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s (%s)\n", rec.EntityType, rec.ID, rec.ExternalRecordID, rec.SyncStatus)
				return nil
			})
		},
	}
}

func (a *app) bridgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "bridge",
		GroupID: "admin",
		Short:   "Manage the foreign data bridge",
	}

	withBridge := func(fn func(ctx context.Context, cmd *cobra.Command, b *Backend) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd, func(ctx context.Context, b *Backend) error {
				if b.Bridge == nil {
					return errNoBridge
				}
				return fn(ctx, cmd, b)
			})
		}
	}

	var secretRef string
	provision := &cobra.Command{
		Use:   "provision",
		Short: "Create the foreign server and import the remote schema",
		Args:  cobra.NoArgs,
		RunE: withBridge(func(ctx context.Context, cmd *cobra.Command, b *Backend) error {
			st, err := b.Bridge.Provision(ctx, secretRef)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		}),
	}
	provision.Flags().StringVar(&secretRef, "secret-id", "", "secrets-store id of the workspace key")
	_ = provision.MarkFlagRequired("secret-id")

	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Point the foreign server at a rotated secret",
		Args:  cobra.NoArgs,
		RunE: withBridge(func(ctx context.Context, cmd *cobra.Command, b *Backend) error {
			st, err := b.Bridge.RefreshBinding(ctx, secretRef)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		}),
	}
	refresh.Flags().StringVar(&secretRef, "secret-id", "", "secrets-store id of the workspace key")
	_ = refresh.MarkFlagRequired("secret-id")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the foreign server state",
		Args:  cobra.NoArgs,
		RunE: withBridge(func(ctx context.Context, cmd *cobra.Command, b *Backend) error {
			st, err := b.Bridge.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		}),
	}

	cmd.AddCommand(provision, refresh, status)
	return cmd
}

func (a *app) tokenCmd() *cobra.Command {
	var (
		admin bool
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:     "token",
		GroupID: "admin",
		Short:   "Issue an API token for --user",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireUser(); err != nil {
				return err
			}
			cfg, err := a.loadCfg()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.TokenValidityDuration
			}
			tok, err := auth.GenerateToken(a.userID, admin, []byte(cfg.SecretKey), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "grant admin privileges")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to the configured validity)")
	return cmd
}
