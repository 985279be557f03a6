package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/star/ephemgo/internal/cache"
	"github.com/star/ephemgo/internal/client"
	"github.com/star/ephemgo/internal/config"
	"github.com/star/ephemgo/internal/ephem"
	"github.com/star/ephemgo/internal/horizons"
	"github.com/star/ephemgo/internal/miriade"
	"github.com/star/ephemgo/internal/resolver"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// skipConfig marks commands that run without loading the configuration.
const skipConfig = "skip-config"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app carries state shared by every subcommand.
type app struct {
	v       *viper.Viper
	cfgFile string
	noCache bool
	cfg     *config.Config
	logger  *slog.Logger
	stdout  io.Writer
	stderr  io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:          "ephemgo",
		Short:        "Query Solar System ephemeris services",
		Long:         "ephemgo resolves Solar System object names, retrieves ephemerides from\nMiriade or JPL Horizons, caches them locally and plots or serves them.",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipConfig] != "" {
				return nil
			}
			return a.load()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default $HOME/.ephemgo/config.yaml)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("provider", "miriade", "default ephemeris service: miriade or horizons")
	pf.String("timeout", "60s", "request timeout for remote services")
	pf.String("cache-dir", "", "cache directory")
	pf.BoolVar(&a.noCache, "no-cache", false, "disable the local cache")

	for key, flag := range map[string]string{
		"log.level":    "log-level",
		"log.format":   "log-format",
		"provider":     "provider",
		"http.timeout": "timeout",
		"cache.dir":    "cache-dir",
	} {
		a.v.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddCommand(
		newQueryCmd(a),
		newPlotCmd(a),
		newResolveCmd(a),
		newServeCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)

	return root
}

// load resolves the configuration. Flags only override when set.
func (a *app) load() error {
	if a.noCache {
		a.v.Set("cache.enabled", false)
	}

	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = config.NewLogger(cfg.Log, a.stderr)
	a.logger.Debug("configuration loaded", "file", a.v.ConfigFileUsed(), "provider", cfg.Provider, "cache", cfg.Cache.Enabled)
	return nil
}

// newClient wires the providers, resolver and cache described by the
// configuration. The caller closes the returned store when it is not nil.
func (a *app) newClient() (*client.Client, cache.Store, error) {
	cfg := a.cfg
	timeout := cfg.HTTP.TimeoutDuration()

	providers := []ephem.Provider{
		miriade.New(miriade.Config{
			URL:          cfg.Miriade.URL,
			Timeout:      timeout,
			MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
			Theory:       cfg.Miriade.Theory,
		}, a.logger),
		horizons.New(horizons.Config{
			URL:          cfg.Horizons.URL,
			Timeout:      timeout,
			MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		}, a.logger),
	}

	var res ephem.Resolver
	if cfg.Resolver.Enabled {
		res = resolver.New(resolver.Config{
			URL:          cfg.Resolver.URL,
			Timeout:      timeout,
			MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		}, a.logger)
	}

	var store cache.Store
	if cfg.Cache.Enabled {
		s, err := cache.Open(cfg.Cache.Backend, cfg.Cache.Dir, a.logger)
		if err != nil {
			return nil, nil, err
		}
		store = s
	}

	c, err := client.New(res, providers, store, client.Config{
		DefaultProvider: cfg.Provider,
		Location:        cfg.Observer.Location(),
	}, a.logger)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, nil, err
	}
	return c, store, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "ephemgo", version)
		},
	}
}
