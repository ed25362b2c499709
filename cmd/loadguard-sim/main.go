// Command loadguard-sim runs concurrent readers and writers through
// loadguard delegates over a SQLite store and reports any cache entry that
// disagrees with the committed row.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/loadguard"
	"github.com/unkn0wn-root/loadguard/internal/sim"
	"github.com/unkn0wn-root/loadguard/internal/simstore"
	lgzap "github.com/unkn0wn-root/loadguard/log/zap"
)

// Build information set via ldflags
var (
	version = "dev"
	commit  = "none"
)

var errStale = errors.New("stale entries found")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(viper.New()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "loadguard-sim",
		Short:         "Exercise put-from-load validation against a SQLite store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, v)
		},
	}

	f := root.Flags()
	f.String("db", filepath.Join(os.TempDir(), "loadguard-sim.db"), "SQLite database path")
	f.String("mode", "invalidation", "cache mode: local, replicated or invalidation")
	f.Bool("tx", false, "use the transactional delegate")
	f.Bool("minimal", false, "cache through PutFromLoadMinimal")
	f.String("region", "ttlcache", "region backend: ttlcache, ristretto, bigcache or redis")
	f.String("bus", "local", "invalidation bus: local or redis")
	f.String("redis-addr", "", "redis address for the redis region or bus")
	f.Int("keys", 16, "number of rows")
	f.Int("nodes", 2, "simulated nodes (1 in local mode)")
	f.Int("readers", 8, "concurrent readers")
	f.Int("writers", 2, "concurrent writers")
	f.Float64("write-rate", 200, "writes per second across writers; 0 = unpaced")
	f.Duration("duration", 0, "run time (default 2s)")
	f.Duration("load-delay", 0, "pause between the store read and the put")
	f.String("log-level", "info", "debug, info, warn or error")

	// LOADGUARD_REDIS_ADDR, LOADGUARD_WRITE_RATE, ...
	v.SetEnvPrefix("LOADGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(f); err != nil {
		panic(fmt.Errorf("bind flags: %w", err))
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("loadguard-sim %s (%s)\n", version, commit)
		},
	})
	return root
}

func configFrom(v *viper.Viper) (sim.Config, error) {
	mode, err := loadguard.ParseMode(v.GetString("mode"))
	if err != nil {
		return sim.Config{}, err
	}
	return sim.Config{
		Keys:          v.GetInt("keys"),
		Nodes:         v.GetInt("nodes"),
		Readers:       v.GetInt("readers"),
		Writers:       v.GetInt("writers"),
		WriteRate:     v.GetFloat64("write-rate"),
		Duration:      v.GetDuration("duration"),
		LoadDelay:     v.GetDuration("load-delay"),
		Mode:          mode,
		Transactional: v.GetBool("tx"),
		Minimal:       v.GetBool("minimal"),
		Region:        v.GetString("region"),
		Bus:           v.GetString("bus"),
		RedisAddr:     v.GetString("redis-addr"),
	}, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	zc.Encoding = "console"
	return zc.Build()
}

func run(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := configFrom(v)
	if err != nil {
		return err
	}
	zl, err := newLogger(v.GetString("log-level"))
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	ctx := cmd.Context()
	store, err := simstore.Open(ctx, v.GetString("db"))
	if err != nil {
		return err
	}
	defer store.Close()

	rep, err := sim.Run(ctx, cfg, store, lgzap.New(zl))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "reads=%d loads=%d writes=%d write_errors=%d put_errors=%d\n",
		rep.Reads, rep.Loads, rep.Writes, rep.WriteErrors, rep.PutErrors)
	fmt.Fprintf(out, "rejected=%d rolled_back=%d remote=%d checked=%d stale=%d\n",
		rep.Rejected, rep.RolledBack, rep.Remote, rep.Checked, rep.Stale)
	for _, k := range rep.StaleKeys {
		fmt.Fprintf(out, "stale: %s\n", k)
	}
	if rep.Stale > 0 {
		return errStale
	}
	return nil
}
