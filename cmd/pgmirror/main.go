package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/josephjohncox/pgmirror/internal/app"
	"github.com/josephjohncox/pgmirror/internal/cli"
	"github.com/josephjohncox/pgmirror/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newPGMirrorCommand().ExecuteContext(ctx)
}

func newPGMirrorCommand() *cobra.Command {
	command := &cobra.Command{
		Use:          "pgmirror",
		Short:        "Mirror PostgreSQL tables into local storage over logical replication",
		SilenceUsage: true,
	}
	flags := command.PersistentFlags()
	flags.String("config", "", "path to config file")
	flags.String("env-file", "", "path to a .env file loaded before reading PGMIRROR_* variables")
	flags.String("database", "", "source database name; names the publication and slot")
	flags.String("postgres-dsn", "", "source postgres connection string")
	flags.StringSlice("tables", nil, "tables to mirror (schema.table); empty means the publication's tables")
	flags.StringSlice("schemas", nil, "schemas searched when no table list or publication exists")
	flags.String("storage", "", "local storage backend: clickhouse, duckdb or sqlite")
	flags.String("storage-dsn", "", "local storage connection string or path")
	flags.String("storage-database", "", "local database name (clickhouse)")
	flags.String("metadata-path", "", "path of the replication marker file")
	flags.Int("block-size", 0, "rows per insert block")
	flags.Bool("use-nulls", true, "keep source nullability in local tables")
	flags.Duration("retry-interval", 0, "delay between startup attempts while postgres is unreachable")
	flags.Int("snapshot-workers", 0, "tables loaded in parallel during bootstrap")
	command.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return cli.InitViperFromCommand(cmd, cli.ViperConfig{
			EnvPrefix:    "PGMIRROR",
			ConfigEnvVar: "PGMIRROR_CONFIG",
			ConfigName:   "pgmirror",
		})
	}

	command.AddCommand(newRunCommand(), newTeardownCommand(), newStatusCommand())
	command.InitDefaultCompletionCmd()
	return command
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Bootstrap or resume the mirror and apply changes until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := app.Run(cmd.Context(), cfg); err != nil {
				return fmt.Errorf("pgmirror stopped: %w", err)
			}
			return nil
		},
	}
}

func newTeardownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "teardown",
		Short: "Drop the publication, the replication slot, the marker and the local tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return app.Teardown(cmd.Context(), cfg)
		},
	}
}

func newStatusCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "status",
		Short: "Show the publication, the replication slot and the marker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			status, err := app.Status(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			jsonOutput, err := cmd.Flags().GetBool("json")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			fmt.Fprintf(out, "publication %s: exists=%t tables=%s\n", status.Publication, status.PublicationExists, strings.Join(status.PublishedTables, ","))
			fmt.Fprintf(out, "slot %s: exists=%t", status.Slot, status.SlotExists)
			if status.SlotExists {
				fmt.Fprintf(out, " active=%t restart_lsn=%s", status.SlotInfo.Active, status.SlotInfo.RestartLSN)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "marker %s: exists=%t", cfg.Replication.MetadataPath, status.MarkerExists)
			if status.MarkerExists {
				fmt.Fprintf(out, " lsn=%s", status.Marker.LSN)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	command.Flags().Bool("json", false, "output JSON")
	return command
}

// loadConfig reads PGMIRROR_* variables and lets flags and the config file
// override them. Environment variables still win over the config file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cli.ResolveStringFlag(cmd, "env-file"))
	if err != nil {
		return nil, err
	}
	applyOverrides(cmd, cfg)
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cli.Changed(cmd, "database") {
		cfg.Database = cli.ResolveStringFlag(cmd, "database")
	}
	if cli.Changed(cmd, "postgres-dsn") {
		cfg.Postgres.DSN = cli.ResolveStringFlag(cmd, "postgres-dsn")
	}
	if cli.Changed(cmd, "tables") {
		cfg.Postgres.Tables = splitAll(cli.ResolveStringSliceFlag(cmd, "tables"))
	}
	if cli.Changed(cmd, "schemas") {
		cfg.Postgres.Schemas = splitAll(cli.ResolveStringSliceFlag(cmd, "schemas"))
	}
	if cli.Changed(cmd, "storage") {
		cfg.Storage.Backend = strings.ToLower(cli.ResolveStringFlag(cmd, "storage"))
	}
	if cli.Changed(cmd, "storage-dsn") {
		cfg.Storage.DSN = cli.ResolveStringFlag(cmd, "storage-dsn")
	}
	if cli.Changed(cmd, "storage-database") {
		cfg.Storage.Database = cli.ResolveStringFlag(cmd, "storage-database")
	}
	if cli.Changed(cmd, "metadata-path") {
		cfg.Replication.MetadataPath = cli.ResolveStringFlag(cmd, "metadata-path")
	}
	if cli.Changed(cmd, "block-size") {
		cfg.Replication.BlockSize = cli.ResolveIntFlag(cmd, "block-size")
	}
	if cli.Changed(cmd, "use-nulls") {
		if value, err := cli.ResolveBoolFlagValue(cmd, "use-nulls"); err == nil {
			cfg.Replication.UseNulls = *value
		}
	}
	if cli.Changed(cmd, "retry-interval") {
		cfg.Replication.RetryInterval = cli.ResolveDurationFlag(cmd, "retry-interval")
	}
	if cli.Changed(cmd, "snapshot-workers") {
		cfg.Replication.SnapshotWorkers = cli.ResolveIntFlag(cmd, "snapshot-workers")
	}
}

// splitAll flattens comma separated entries, as env values arrive unsplit.
func splitAll(values []string) []string {
	return config.SplitCSV(strings.Join(values, ","))
}
