package main

import (
	"reflect"
	"testing"
	"time"

	"github.com/josephjohncox/pgmirror/internal/cli"
	"github.com/josephjohncox/pgmirror/internal/config"
)

func TestApplyOverridesFromFlags(t *testing.T) {
	root := newPGMirrorCommand()
	runCmd, _, err := root.Find([]string{"run"})
	if err != nil {
		t.Fatalf("find run: %v", err)
	}
	args := []string{
		"--database=shop",
		"--tables=public.orders,public.items",
		"--storage=DuckDB",
		"--block-size=500",
		"--use-nulls=false",
		"--retry-interval=3s",
	}
	if err := runCmd.ParseFlags(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if err := cli.InitViperFromCommand(runCmd, cli.ViperConfig{EnvPrefix: "PGMIRROR_MAIN_TEST"}); err != nil {
		t.Fatalf("init viper: %v", err)
	}

	cfg := &config.Config{Database: "other", Replication: config.ReplicationConfig{UseNulls: true, BlockSize: 1}}
	applyOverrides(runCmd, cfg)

	if cfg.Database != "shop" {
		t.Fatalf("unexpected database %s", cfg.Database)
	}
	if !reflect.DeepEqual(cfg.Postgres.Tables, []string{"public.orders", "public.items"}) {
		t.Fatalf("unexpected tables %v", cfg.Postgres.Tables)
	}
	if cfg.Storage.Backend != config.StorageDuckDB {
		t.Fatalf("unexpected backend %s", cfg.Storage.Backend)
	}
	if cfg.Replication.BlockSize != 500 || cfg.Replication.UseNulls {
		t.Fatalf("unexpected replication config %+v", cfg.Replication)
	}
	if cfg.Replication.RetryInterval != 3*time.Second {
		t.Fatalf("unexpected retry interval %s", cfg.Replication.RetryInterval)
	}
}

func TestUnsetFlagsKeepEnvironmentConfig(t *testing.T) {
	root := newPGMirrorCommand()
	runCmd, _, err := root.Find([]string{"status"})
	if err != nil {
		t.Fatalf("find status: %v", err)
	}
	if err := runCmd.ParseFlags(nil); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if err := cli.InitViperFromCommand(runCmd, cli.ViperConfig{EnvPrefix: "PGMIRROR_MAIN_TEST"}); err != nil {
		t.Fatalf("init viper: %v", err)
	}

	cfg := &config.Config{Database: "shop", Postgres: config.PostgresConfig{Tables: []string{"public.orders"}}}
	applyOverrides(runCmd, cfg)
	if cfg.Database != "shop" || len(cfg.Postgres.Tables) != 1 {
		t.Fatalf("expected config to be untouched, got %+v", cfg)
	}
}

func TestSplitAll(t *testing.T) {
	got := splitAll([]string{"public.a,public.b", " public.c "})
	if !reflect.DeepEqual(got, []string{"public.a", "public.b", "public.c"}) {
		t.Fatalf("unexpected split %v", got)
	}
}
