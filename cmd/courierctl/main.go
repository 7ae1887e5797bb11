package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"courier/internal/bootstrap"
	jwttoken "courier/internal/jwt_token"
	"courier/internal/platform/config"
	"courier/internal/platform/logger"
	id "courier/pkg/domain"
)

var rootCmd = &cobra.Command{
	Use:   "courierctl",
	Short: "Operate the courier outbox and idempotency store",
	Long: `courierctl runs one-off maintenance against the courier database:
applying migrations, inspecting and requeueing outbox events, draining the
outbox by hand, running a scanner tick, and sweeping expired records.

Connection settings come from the same environment variables as the server
(DATABASE_DRIVER, DATABASE_URL, REDIS_URL, KAFKA_BROKERS, ...). The
--database-driver and --database-url flags override them.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("COURIERCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("database-driver", "", "pgx or sqlite (overrides DATABASE_DRIVER)")
	rootCmd.PersistentFlags().String("database-url", "", "database URL or SQLite path (overrides DATABASE_URL)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level")
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("database-driver", rootCmd.PersistentFlags().Lookup("database-driver"))
	_ = viper.BindPFlag("database-url", rootCmd.PersistentFlags().Lookup("database-url"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(tokenCmd())
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Parse()
	if err != nil {
		return config.Config{}, err
	}
	if v := viper.GetString("database-driver"); v != "" {
		cfg.Database.Driver = v
	}
	if v := viper.GetString("database-url"); v != "" {
		cfg.Database.URL = v
	}
	cfg.LogLevel = viper.GetString("log-level")
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func withInfra(ctx context.Context, fn func(context.Context, *bootstrap.Infra) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	infra, err := bootstrap.Open(ctx, cfg, logger.NewWithWriter(os.Stderr, cfg.LogLevel))
	if err != nil {
		return err
	}
	defer infra.Close() //nolint:errcheck // process exits right after
	return fn(ctx, infra)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInfra(cmd.Context(), func(ctx context.Context, infra *bootstrap.Infra) error {
				n, err := infra.Pool.Migrate(ctx)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), map[string]int{"applied": n}, func(w io.Writer) {
					fmt.Fprintf(w, "applied %d migration(s)\n", n)
				})
			})
		},
	}
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one scanner tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInfra(cmd.Context(), func(ctx context.Context, infra *bootstrap.Infra) error {
				s, err := infra.Scanner()
				if err != nil {
					return err
				}
				report, err := s.RunOnce(ctx)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), report, func(w io.Writer) {
					if report.Skipped {
						fmt.Fprintln(w, "skipped: another process holds the scanner lock")
						return
					}
					for rule, n := range report.Findings {
						fmt.Fprintf(w, "%s: %d finding(s)\n", rule, n)
					}
				})
			})
		},
	}
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired idempotency records and old delivered events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInfra(cmd.Context(), func(ctx context.Context, infra *bootstrap.Infra) error {
				svc, err := infra.Cleanup()
				if err != nil {
					return err
				}
				res, err := svc.RunOnce(ctx)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "idempotency records: %d\noutbox events: %d\n",
						res.ExpiredIdempotencyRecords, res.DeliveredEvents)
				})
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var actor, tenant string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Parse()
			if err != nil {
				return err
			}
			actorID, err := id.ParseActorID(actor)
			if err != nil {
				return err
			}
			tenantID, err := id.ParseTenantID(tenant)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Server.JWTTokenTTL
			}
			token, err := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer, ttl).
				IssueToken(actorID, tenantID)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), map[string]string{"token": token, "expires_in": ttl.String()}, func(w io.Writer) {
				fmt.Fprintln(w, token)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (UUID)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (UUID)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to JWT_TOKEN_TTL)")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// output prints v as JSON under --json, otherwise calls text.
func output(w io.Writer, v any, text func(io.Writer)) error {
	if viper.GetBool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
