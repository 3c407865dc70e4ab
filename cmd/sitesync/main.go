package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sitesync/internal/app"
	"sitesync/internal/config"
	"sitesync/internal/db"
	"sitesync/internal/logging"
	"sitesync/internal/migrate"
	"sitesync/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sitesync",
	Short: "Sitesync offline action sync server",
	Long: `Sitesync receives actions queued by field devices while offline
(check-in/out, location tracks, material requests, daily progress reports,
manual attendance) and applies each one exactly once.

- Workspace: a directory holding .sitesync/sitesync.db and an optional sitesync.yml.
- Channels: the generic, labour and engineer upload endpoints; labour and
  engineer channels only accept their own action types and pin the role.
- Ledger: one entry per processed action id; resubmissions are skipped.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SITESYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/sitesync.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier for admin commands")
	flags.String("project", "", "project id (defaults to the only project)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "console log format: text or json")
	flags.String("log-file", "", "also write JSON logs to this rotated file")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "project", "log-level", "log-format", "log-file"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(attendanceCmd())
	rootCmd.AddCommand(materialsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

func appOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigFile: viper.GetString("config"),
		Log: logging.Options{
			Level:  viper.GetString("log-level"),
			Format: viper.GetString("log-format"),
			File:   viper.GetString("log-file"),
		},
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, appOptions())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func resolveProject(ctx context.Context, a *app.App) (string, error) {
	return app.ResolveProject(ctx, a.Engine.Repo, viper.GetString("project"))
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: viper.GetBool("allow-actor-header"),
					DevLogin:               viper.GetBool("dev-login"),
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
					return fmt.Errorf("SITESYNC_JWT_SECRET is required for bearer auth")
				}
				limiter, closeRedis, err := rateLimiter(ctx)
				if err != nil {
					return err
				}
				defer closeRedis()
				handler, err := server.New(server.Config{
					Engine:      a.Engine,
					BasePath:    basePath,
					Auth:        authCfg,
					RateLimiter: limiter,
					Logger:      a.Logger,
				})
				if err != nil {
					return err
				}
				hooks := server.NewWebhookDispatcher(a.Engine.Repo, a.Config.Webhooks, a.Logger)
				hooks.Prime(ctx)
				go hooks.Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving sitesync API", "addr", addr, "base_path", basePath, "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().Bool("allow-actor-header", false, "trust X-Actor-Id without credentials (local testing only)")
	cmd.Flags().Bool("dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().String("redis-addr", "", "Redis address for upload rate limiting (disabled when empty)")
	cmd.Flags().Int("rate-limit", 60, "uploads per actor per window")
	cmd.Flags().Duration("rate-window", time.Minute, "rate limit window")
	for _, name := range []string{"jwt-secret", "allow-actor-header", "dev-login", "redis-addr", "rate-limit", "rate-window"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func rateLimiter(ctx context.Context) (*server.RateLimiter, func(), error) {
	addr := viper.GetString("redis-addr")
	if addr == "" {
		return nil, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	limiter := &server.RateLimiter{
		Client: client,
		Limit:  viper.GetInt("rate-limit"),
		Window: viper.GetDuration("rate-window"),
	}
	return limiter, func() { client.Close() }, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("schema version %d\n", version)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage sitesync.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if file := viper.GetString("config"); file != "" {
				_, err = config.FromFile(file)
			} else {
				_, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
	cfg.AddCommand(initCmd, validateCmd)
	return cfg
}

// render prints v as JSON when --json is set, otherwise as a table built from
// header and rows.
func render(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	t.AppendRows(rows)
	t.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
