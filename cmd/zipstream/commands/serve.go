package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	nethttp "net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/meigma/zipstream"
	"github.com/meigma/zipstream/cache"
	"github.com/meigma/zipstream/cache/disk"
	"github.com/meigma/zipstream/cache/registry"
	"github.com/meigma/zipstream/fetch"
	zhttp "github.com/meigma/zipstream/http"
	"github.com/meigma/zipstream/internal/config"
	"github.com/meigma/zipstream/internal/sizing"
)

const (
	// staleAfter is the age after which leftover temp files are swept.
	staleAfter      = time.Hour
	shutdownTimeout = 30 * time.Second

	envRegistryUsername = "ZIPSTREAM_REGISTRY_USERNAME"
	envRegistryPassword = "ZIPSTREAM_REGISTRY_PASSWORD"
)

type serveFlags struct {
	configPath      string
	addr            string
	cacheDir        string
	workDir         string
	concurrency     int
	sample          string
	maxRequestBytes int64
	userAgent       string
	verifyCached    bool
	registry        string
	plainHTTP       bool
	dockerConfig    bool
	logLevel        string
	logFormat       string
}

func (c *CLI) newServeCmd() *cobra.Command {
	var f serveFlags
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve archives over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			f.apply(cmd.Flags(), &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return c.serve(cmd.Context(), cfg, logger)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	fl.StringVar(&f.addr, "addr", defaults.Addr, "Listen address")
	fl.StringVar(&f.cacheDir, "cache-dir", defaults.CacheDir, "Directory for finished archives")
	fl.StringVar(&f.workDir, "work-dir", defaults.WorkDir, "Directory for in-progress builds")
	fl.IntVar(&f.concurrency, "concurrency", defaults.Concurrency, "Maximum sources fetched at once")
	fl.StringVar(&f.sample, "sample", defaults.Sample, "Payload file served at /sample.zip (default built-in)")
	fl.Int64Var(&f.maxRequestBytes, "max-request-bytes", defaults.MaxRequestBytes, "Maximum POST /zip payload size")
	fl.StringVar(&f.userAgent, "user-agent", defaults.UserAgent, "User-Agent sent to sources")
	fl.BoolVar(&f.verifyCached, "verify-cached", defaults.VerifyCached, "Check cached archives before serving them")
	fl.StringVar(&f.registry, "registry", defaults.Registry.Repository, "OCI repository used as a shared cache tier")
	fl.BoolVar(&f.plainHTTP, "plain-http", defaults.Registry.PlainHTTP, "Use plain HTTP for the registry")
	fl.BoolVar(&f.dockerConfig, "docker-config", defaults.Registry.DockerConfig, "Use Docker credentials for the registry")
	fl.StringVar(&f.logLevel, "log-level", defaults.Log.Level, "Log level (debug, info, warn, error)")
	fl.StringVar(&f.logFormat, "log-format", defaults.Log.Format, "Log format (text, json)")

	return cmd
}

// apply copies explicitly set flags over cfg.
func (f *serveFlags) apply(fl *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, fn func()) {
		if fl.Changed(name) {
			fn()
		}
	}
	set("addr", func() { cfg.Addr = f.addr })
	set("cache-dir", func() { cfg.CacheDir = f.cacheDir })
	set("work-dir", func() { cfg.WorkDir = f.workDir })
	set("concurrency", func() { cfg.Concurrency = f.concurrency })
	set("sample", func() { cfg.Sample = f.sample })
	set("max-request-bytes", func() { cfg.MaxRequestBytes = f.maxRequestBytes })
	set("user-agent", func() { cfg.UserAgent = f.userAgent })
	set("verify-cached", func() { cfg.VerifyCached = f.verifyCached })
	set("registry", func() { cfg.Registry.Repository = f.registry })
	set("plain-http", func() { cfg.Registry.PlainHTTP = f.plainHTTP })
	set("docker-config", func() { cfg.Registry.DockerConfig = f.dockerConfig })
	set("log-level", func() { cfg.Log.Level = f.logLevel })
	set("log-format", func() { cfg.Log.Format = f.logFormat })
}

func (c *CLI) serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	handler, err := c.setup(cfg, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &nethttp.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, nethttp.ErrServerClosed) {
		return err
	}
	return nil
}

// setup prepares the cache and the service and returns the HTTP handler.
func (c *CLI) setup(cfg config.Config, logger *slog.Logger) (nethttp.Handler, error) {
	local, err := disk.New(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if n, err := local.SweepTemp(staleAfter); err != nil {
		logger.Warn("sweep cache temp files failed", "error", err)
	} else if n > 0 {
		logger.Info("swept cache temp files", "removed", n)
	}
	if st, err := local.Stats(); err == nil {
		logger.Info("cache ready", "dir", local.Dir(), "entries", st.Entries, "bytes", st.Bytes)
	}

	var store cache.Store = local
	if cfg.Registry.Repository != "" {
		remote, err := newRegistryCache(cfg, logger)
		if err != nil {
			return nil, err
		}
		store = cache.NewTiered(local, remote,
			cache.WithTieredLogger(logger),
			cache.WithSpoolDir(cfg.WorkDir),
		)
		logger.Info("registry cache tier enabled", "repository", cfg.Registry.Repository)
	}

	opts := []zipstream.Option{
		zipstream.WithLogger(logger),
		zipstream.WithWorkDir(cfg.WorkDir),
		zipstream.WithConcurrency(cfg.Concurrency),
		zipstream.WithVerifyCached(cfg.VerifyCached),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, zipstream.WithFetchOptions(fetch.WithUserAgent(cfg.UserAgent)))
	}
	svc, err := zipstream.New(store, opts...)
	if err != nil {
		return nil, err
	}
	if n, err := svc.SweepWorkDir(staleAfter); err != nil {
		logger.Warn("sweep work dir failed", "error", err)
	} else if n > 0 {
		logger.Info("swept work dir", "removed", n)
	}

	sample, err := c.loadSample(cfg.Sample, cfg.MaxRequestBytes)
	if err != nil {
		return nil, err
	}
	if _, err := zipstream.DecodeEntries(sample); err != nil {
		return nil, fmt.Errorf("sample payload: %w", err)
	}

	return zhttp.NewHandler(svc,
		zhttp.WithSample(sample),
		zhttp.WithMaxRequestBytes(cfg.MaxRequestBytes),
		zhttp.WithLogger(logger),
	), nil
}

// errSampleTooLarge is returned when the sample payload exceeds the request limit.
var errSampleTooLarge = errors.New("sample payload exceeds max request bytes")

func (c *CLI) loadSample(path string, limit int64) ([]byte, error) {
	if path == "" {
		return c.build.Sample, nil
	}
	f, err := os.Open(path) //nolint:gosec // path is supplied by the operator
	if err != nil {
		return nil, fmt.Errorf("open sample: %w", err)
	}
	defer f.Close()
	return sizing.ReadAllWithLimit(f, uint64(limit), errSampleTooLarge) //nolint:gosec // limit is validated positive
}

func newRegistryCache(cfg config.Config, logger *slog.Logger) (*registry.Cache, error) {
	opts := []registry.Option{
		registry.WithPlainHTTP(cfg.Registry.PlainHTTP),
		registry.WithLogger(logger),
	}
	if cfg.Registry.DockerConfig {
		opts = append(opts, registry.WithDockerConfig())
	}
	if user := os.Getenv(envRegistryUsername); user != "" {
		opts = append(opts, registry.WithStaticCredentials(user, os.Getenv(envRegistryPassword)))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, registry.WithUserAgent(cfg.UserAgent))
	}
	remote, err := registry.New(cfg.Registry.Repository, opts...)
	if err != nil {
		return nil, fmt.Errorf("open registry cache: %w", err)
	}
	return remote, nil
}
