package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"cashctl.dev/ingest/pipeline"
	"cashctl.dev/ingest/rest"
	"cashctl.dev/ingest/store"
)

// daemonConfig is the operational surface: where to listen and which backend
// to commit through. Pipeline policy knobs come from the environment via
// pipeline.ConfigFromEnv.
type daemonConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listen_addr"`
	Backend     string `yaml:"backend" json:"backend"`
	DataDir     string `yaml:"data_dir" json:"data_dir"`
	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn"`
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		ListenAddr: "127.0.0.1:8090",
		Backend:    "memory",
		DataDir:    ".cashctl",
	}
}

func loadConfigFile(path string, cfg *daemonConfig) error {
	raw, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator's -config flag.
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func validateDaemonConfig(cfg daemonConfig) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return errors.New("listen_addr is required")
	}
	switch cfg.Backend {
	case "memory":
	case "bolt":
		if strings.TrimSpace(cfg.DataDir) == "" {
			return errors.New("data_dir is required for the bolt backend")
		}
	case "postgres":
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return errors.New("postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return nil
}

func openPort(ctx context.Context, cfg daemonConfig) (store.Port, func(), error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemory(), func() {}, nil
	case "bolt":
		s, err := store.OpenBolt(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := store.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func main() {
	cfg := defaultDaemonConfig()

	configPath := flag.String("config", "", "optional YAML config file")
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "listen address host:port")
	flag.StringVar(&cfg.Backend, "backend", cfg.Backend, "storage backend: memory|bolt|postgres")
	flag.StringVar(&cfg.DataDir, "datadir", cfg.DataDir, "data directory for the bolt backend")
	flag.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "DSN for the postgres backend")
	dryRun := flag.Bool("dry-run", false, "print effective config and exit")
	flag.Parse()

	if *configPath != "" {
		fileCfg := defaultDaemonConfig()
		if err := loadConfigFile(*configPath, &fileCfg); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
			os.Exit(2)
		}
		// Flags win over the file: re-apply any explicitly set flag values.
		merged := fileCfg
		flag.Visit(func(fl *flag.Flag) {
			switch fl.Name {
			case "listen":
				merged.ListenAddr = cfg.ListenAddr
			case "backend":
				merged.Backend = cfg.Backend
			case "datadir":
				merged.DataDir = cfg.DataDir
			case "postgres-dsn":
				merged.PostgresDSN = cfg.PostgresDSN
			}
		})
		cfg = merged
	}

	if err := validateDaemonConfig(cfg); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}

	if err := printConfig(cfg); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config encode failed: %v\n", err)
		os.Exit(1)
	}
	if *dryRun {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	port, closePort, err := openPort(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "storage open failed: %v\n", err)
		os.Exit(2)
	}
	defer closePort()

	orch := pipeline.NewOrchestrator(pipeline.ConfigFromEnv(), port)
	handler := rest.NewHandler(orch)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	_, _ = fmt.Fprintf(os.Stdout, "ingestd listening on %s backend=%s\n", cfg.ListenAddr, cfg.Backend)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_, _ = fmt.Fprintln(os.Stdout, "ingestd stopped")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(os.Stderr, "serve failed: %v\n", err)
			os.Exit(1)
		}
	}
}

func printConfig(cfg daemonConfig) error {
	// The DSN may embed credentials; never echo it.
	redacted := cfg
	if redacted.PostgresDSN != "" {
		redacted.PostgresDSN = "<redacted>"
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(redacted)
}
