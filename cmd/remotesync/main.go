package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vonshlovens/remotesync/internal/account"
	"github.com/vonshlovens/remotesync/internal/config"
	"github.com/vonshlovens/remotesync/internal/provider/agent"
	"github.com/vonshlovens/remotesync/internal/store"
	"github.com/vonshlovens/remotesync/internal/sync"
	"github.com/vonshlovens/remotesync/internal/watcher"
	"github.com/vonshlovens/remotesync/internal/webhook"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "remotesync",
		Short:   "Remote storage to blog folder sync daemon",
		Long:    `Keeps local blog folders in step with Dropbox, Google Drive and push-agent accounts.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		daemonCmd(),
		syncCmd(),
		resyncCmd(),
		resetCursorCmd(),
		statusCmd(),
		migrateCmd(),
		initCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync daemon",
		Long:  `Starts the webhook server, the resource poller, the agent feed and local watchers, and syncs every account on an interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, appOptions{withPoller: true})
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			g, ctx := errgroup.WithContext(ctx)

			if a.poller != nil {
				a.poller.Start(ctx)
			}

			for _, acct := range a.accounts.All() {
				w, err := watcher.New(watcher.Options{
					Root:           a.downloader.AccountDir(acct),
					Debounce:       time.Duration(a.cfg.Sync.DebounceMs) * time.Millisecond,
					IgnorePatterns: a.cfg.IgnorePatterns,
				})
				if err != nil {
					return err
				}
				g.Go(func() error {
					return ignoreCanceled(w.Run(ctx, func(ctx context.Context, ev watcher.Event) error {
						_, err := a.engine.HandleLocalChange(ctx, sync.LocalChange{
							AccountID: acct.ID,
							Path:      ev.Path,
							Removed:   ev.Op == watcher.OpRemove,
						})
						return err
					}))
				})
			}

			if a.agent != nil {
				feed, err := agent.NewFeed()
				if err != nil {
					return err
				}
				g.Go(func() error {
					return ignoreCanceled(a.agent.Listen(ctx, feed, a.handleAgentMessage, slog.Default()))
				})
			}

			if a.cfg.Webhook.Listen != "" {
				router := webhook.NewRouter(webhook.Options{
					Syncer:           a.engine,
					Accounts:         a.accounts,
					DropboxAppSecret: a.cfg.Webhook.DropboxAppSecret,
					Token:            a.cfg.Webhook.Token,
					Store:            a.store,
					Poller:           a.poller,
					Limiter:          a.limiter,
				})
				g.Go(func() error {
					slog.Info("webhook server listening", "addr", a.cfg.Webhook.Listen)
					return ignoreCanceled(webhook.Serve(ctx, a.cfg.Webhook.Listen, router))
				})
			}

			g.Go(func() error {
				notifyAll(a)
				if a.cfg.Sync.IntervalSec <= 0 {
					<-ctx.Done()
					return nil
				}
				ticker := time.NewTicker(time.Duration(a.cfg.Sync.IntervalSec) * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						notifyAll(a)
					}
				}
			})

			slog.Info("daemon started", "accounts", len(a.accounts.All()), "data_dir", a.cfg.DataDir)
			err = g.Wait()
			slog.Info("shutting down...")
			return err
		},
	}
}

// notifyAll schedules a pass for every account that pulls changes
func notifyAll(a *app) {
	for _, acct := range a.accounts.All() {
		if acct.Model() == account.ModelPush {
			continue
		}
		a.engine.NotifyChange(acct.ID)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [account...]",
		Short: "Run one sync pass, then exit",
		Long:  `Runs one pass for the given accounts, or for every account, and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			a, err := loadApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			accts, err := a.selectAccounts(ctx, args)
			if err != nil {
				return err
			}

			failed := 0
			for _, acct := range accts {
				res, err := a.engine.Sync(ctx, acct.ID)
				if err != nil {
					failed++
					fmt.Printf("%s: failed: %v\n", acct.ID, err)
					continue
				}
				printResult(res)
				if !res.OK() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d accounts did not sync cleanly", failed, len(accts))
			}
			fmt.Println("Sync completed successfully.")
			return nil
		},
	}
}

func resyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync <account>",
		Short: "Discard the cursor and resync an account from scratch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			a, err := loadApp(ctx, appOptions{progress: &barProgress{}})
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.engine.ForceResync(ctx, args[0])
			if err != nil {
				return fmt.Errorf("resync failed: %w", err)
			}
			printResult(res)
			return nil
		},
	}
}

func resetCursorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-cursor <account>",
		Short: "Discard the stored delta cursor of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			a, err := loadApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.engine.ResetCursor(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Cursor reset for %s; the next pass lists everything.\n", args[0])
			return nil
		},
	}
}

func printResult(res *sync.PassResult) {
	fmt.Printf("%s: %d changes, %d updated, %d failed", res.AccountID, res.Changes, len(res.Paths), res.Failed)
	if res.Deferred {
		fmt.Print(", deferred by rate limit")
	}
	if res.Reset {
		fmt.Print(", cursor was reset")
	}
	fmt.Printf(" (%s)\n", res.Duration.Round(time.Millisecond))
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [account...]",
		Short: "Show stored sync state per account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			registry, err := account.LoadRegistry(cfg.AccountsFile)
			if err != nil {
				return err
			}

			st, err := store.Open(ctx, cfg.State.DSN, cfg.State.Schema)
			if err != nil {
				fmt.Printf("State Store: Unavailable\n")
				fmt.Printf("Error: %v\n", err)
				return nil
			}
			defer st.Close()

			accts := registry.All()
			if len(args) > 0 {
				accts = accts[:0]
				for _, id := range args {
					acct, err := registry.Lookup(ctx, id)
					if err != nil {
						return err
					}
					accts = append(accts, acct)
				}
			}

			fmt.Println("=== Remotesync Status ===")
			fmt.Printf("Data Dir: %s\n", cfg.DataDir)
			fmt.Println()
			for _, acct := range accts {
				status, err := st.Status(ctx, acct.ID)
				if err != nil {
					return fmt.Errorf("failed to get status: %w", err)
				}
				fmt.Printf("%s (%s, %s)\n", acct.ID, acct.Provider, acct.Model())
				fmt.Printf("  Files: %d\n", status.Files)
				fmt.Printf("  Mappings: %d\n", status.Mappings)
				if status.Cursor != "" {
					fmt.Printf("  Cursor: stored\n")
				}
				if status.LastSync != nil {
					fmt.Printf("  Last Sync: %s\n", status.LastSync.Format(time.RFC3339))
				}
				if status.LockHeld {
					fmt.Printf("  Locked until: %s\n", status.LockExpiry.Format(time.RFC3339))
				}
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run state store migrations",
		Long:  `Runs all pending migrations of the configured state store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			st, err := store.Open(ctx, cfg.State.DSN, cfg.State.Schema)
			if err != nil {
				return fmt.Errorf("failed to open state store: %w", err)
			}
			defer st.Close()

			if err := st.Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Println("Migrations completed successfully.")
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to create config and accounts files",
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(os.Stdin)
			ask := func(prompt, def string) string {
				if def != "" {
					fmt.Printf("%s [%s]: ", prompt, def)
				} else {
					fmt.Printf("%s: ", prompt)
				}
				v, _ := reader.ReadString('\n')
				v = strings.TrimSpace(v)
				if v == "" {
					return def
				}
				return v
			}

			fmt.Println("=== Remotesync Setup ===")
			fmt.Println()

			configDir, err := config.GetStateDir()
			if err != nil {
				return err
			}

			dataDir := ask("Blog data directory", "")
			if dataDir == "" {
				return errors.New("data directory is required")
			}
			dsn := ask("State store (postgres://..., sqlite://path, file://path)",
				"sqlite://"+filepath.Join(configDir, "state.db"))

			fmt.Println("\nFirst account:")
			acct := account.Account{
				ID:       ask("  Account id", ""),
				Provider: account.Provider(ask("  Provider (dropbox, gdrive, agent)", string(account.ProviderDropbox))),
			}
			switch acct.Provider {
			case account.ProviderDropbox:
				acct.RootID = ask("  Dropbox folder path", "")
				acct.RemoteAccount = ask("  Dropbox account id (dbid:...)", "")
			case account.ProviderGDrive:
				acct.RootID = ask("  Drive folder id", "")
				acct.ServiceAccount = ask("  Service account", "")
			case account.ProviderAgent:
				acct.RemoteAccount = ask("  Agent blog id", acct.ID)
			}
			acct.CredentialsRef = ask("  Token environment variable", "")

			accountsPath := filepath.Join(configDir, "accounts.yaml")
			registry := account.NewRegistry(acct)
			if err := registry.Save(accountsPath); err != nil {
				return err
			}

			configContent := fmt.Sprintf(`data_dir: "%s"
accounts_file: "%s"

state:
  dsn: "%s"
  schema: "remotesync"

sync:
  parallelism: 4
  debounce_ms: 2000
  interval_sec: 300

webhook:
  listen: ":8080"
  dropbox_app_secret: "${DROPBOX_APP_SECRET}"
  token: "${REMOTESYNC_WEBHOOK_TOKEN}"

providers:
  dropbox:
    token: "${DROPBOX_TOKEN}"
  gdrive:
    token: "${GDRIVE_TOKEN}"

ignore_patterns:
  - "**/.DS_Store"
  - "**/.git/**"
`, dataDir, accountsPath, dsn)

			configPath := filepath.Join(configDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Printf("\nConfig file written to: %s\n", configPath)
			fmt.Printf("Accounts file written to: %s\n", accountsPath)
			fmt.Println("\nTo prepare the state store, run: remotesync migrate")
			fmt.Println("To start syncing, run: remotesync daemon")
			return nil
		},
	}
}
