package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"hotspotd/pkg/config"
	"hotspotd/pkg/db"
	"hotspotd/pkg/telemetry"
	"hotspotd/services/api"
	"hotspotd/services/enforcement"
	"hotspotd/services/engine"
	"hotspotd/services/portald"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the state shared by every subcommand.
type cli struct {
	logLevel string
	out      io.Writer
}

func newRootCommand() *cobra.Command {
	c := &cli{out: os.Stdout}
	cmd := &cobra.Command{
		Use:           "hotspotctl",
		Short:         "Administer a hotspotd deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "Log level for diagnostics on stderr")

	cmd.AddCommand(c.newVersionCommand())
	cmd.AddCommand(c.newMigrateCommand())
	cmd.AddCommand(c.newStatusCommand())
	cmd.AddCommand(c.newCommandCommand())
	cmd.AddCommand(c.newSweepCommand())
	cmd.AddCommand(c.newArchiveCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (c *cli) logger() (zerolog.Logger, error) {
	return telemetry.NewLogger("hotspotctl", c.logLevel, os.Stderr)
}

// withApp loads configuration, assembles the engine and hands it to fn.
func (c *cli) withApp(ctx context.Context, fn func(*portald.App) error) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Store == config.StoreMemory {
		return errors.New("hotspotctl needs a persistent store, set HOTSPOT_STORE=postgres")
	}
	logger, err := c.logger()
	if err != nil {
		return err
	}
	app, err := portald.Build(ctx, cfg, logger, portald.Options{})
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version and the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			fmt.Fprintf(c.out, "hotspotctl %s\n", version)

			cfg, err := config.Load(ctx)
			if err != nil || cfg.Store != config.StorePostgres {
				return nil
			}
			pool, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			v, err := db.Version(ctx, pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "schema %d\n", v)
			return nil
		},
	}
}

func (c *cli) newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pool, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.Migrate(ctx, pool); err != nil {
				return err
			}
			v, err := db.Version(ctx, pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "schema at version %d\n", v)
			return nil
		},
	}
}

func (c *cli) newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status MAC",
		Short: "Show the session, pending coins and enforcement for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return c.withApp(ctx, func(app *portald.App) error {
				status, err := app.Engine.GetSessionStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return c.print(api.SessionStatusOf(status))
			})
		},
	}
}

func (c *cli) newCommandCommand() *cobra.Command {
	var (
		reason    string
		duration  time.Duration
		permanent bool
		notes     string
		ruleType  string
	)

	cmd := &cobra.Command{
		Use:   "command KIND MAC",
		Short: "Run an administrative command against a device",
		Long: "KIND is one of disconnect, pause, resume_forced, kick, block, unblock or remove_rule.\n" +
			"Block honours --reason, --duration, --permanent and --notes; remove_rule needs --rule.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			command := engine.Command{
				Kind:      engine.CommandKind(args[0]),
				MAC:       args[1],
				Reason:    enforcement.BlockReason(reason),
				Duration:  duration,
				Permanent: permanent,
				Notes:     notes,
				RuleType:  enforcement.RuleType(ruleType),
			}
			return c.withApp(ctx, func(app *portald.App) error {
				result, err := app.Engine.Apply(ctx, command)
				if err != nil {
					return err
				}
				if err := c.print(api.CommandOf(result, time.Now())); err != nil {
					return err
				}
				if !result.OK() {
					return fmt.Errorf("%s: %s", result.Status, result.Message)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Block reason (ttl_sharing, abuse, manual, security, suspicious)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Block duration; zero uses the configured default")
	cmd.Flags().BoolVar(&permanent, "permanent", false, "Block without expiry")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-form notes stored with the block")
	cmd.Flags().StringVar(&ruleType, "rule", "", "Rule type for remove_rule (mangle_ttl, drop_sharing, limit_bandwidth)")
	return cmd
}

func (c *cli) newSweepCommand() *cobra.Command {
	var archive bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return c.withApp(ctx, func(app *portald.App) error {
				report, err := app.Engine.Sweep(ctx)
				if err != nil {
					return err
				}
				if err := c.print(api.SweepOf(report)); err != nil {
					return err
				}
				if !archive {
					return nil
				}
				if app.Archiver == nil {
					return errors.New("archiving is disabled, set ARCHIVE_ENABLED=true")
				}
				archived, err := app.Archiver.Run(ctx)
				if err != nil {
					return err
				}
				return c.print(archived)
			})
		},
	}

	cmd.Flags().BoolVar(&archive, "archive", false, "Also archive expired traffic observations")
	return cmd
}

func (c *cli) newArchiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect archived traffic observations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(c.newArchiveListCommand())
	cmd.AddCommand(c.newArchiveURLCommand())
	return cmd
}

func (c *cli) newArchiveListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List archive objects under the configured prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			client, err := portald.NewS3Client(ctx, cfg.Archive.S3)
			if err != nil {
				return err
			}
			keys, err := client.ListKeys(ctx, cfg.Archive.Bucket, cfg.Archive.Prefix)
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Fprintln(c.out, key)
			}
			return nil
		},
	}
}

func (c *cli) newArchiveURLCommand() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "url KEY",
		Short: "Print a presigned download URL for an archive object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			client, err := portald.NewS3Client(ctx, cfg.Archive.S3)
			if err != nil {
				return err
			}
			url, err := client.PresignGet(ctx, cfg.Archive.Bucket, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, url)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "How long the URL stays valid")
	return cmd
}
