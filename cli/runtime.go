package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/centralseq/config"
	"github.com/petal-labs/centralseq/coordinator"
	"github.com/petal-labs/centralseq/engine"
	"github.com/petal-labs/centralseq/index"
	"github.com/petal-labs/centralseq/store"
)

// serviceRuntime is the component graph shared by serve and the one-shot
// commands.
type serviceRuntime struct {
	store       store.Store
	coordinator *coordinator.Coordinator
}

func (rt *serviceRuntime) Close() error {
	return rt.store.Close()
}

// addConfigFlags registers the flags every command uses to locate state.
func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to centralseq.yaml (default: ./centralseq.yaml, then ~/.centralseq/config.yaml)")
	cmd.Flags().String("store-backend", "", "Store backend: sqlite | badger")
	cmd.Flags().String("store-path", "", "SQLite database file or Badger directory")
	cmd.Flags().String("index-endpoint", "", "Secondary index base URL (empty disables index sync)")
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.File, string, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, path, err := config.Load(explicit)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return config.File{}, "", exitError(exitFileNotFound, "%v", err)
		}
		return config.File{}, "", exitError(exitValidation, "loading config: %v", err)
	}

	if cmd.Flags().Changed("store-backend") {
		cfg.Store.Backend, _ = cmd.Flags().GetString("store-backend")
	}
	if cmd.Flags().Changed("store-path") {
		cfg.Store.Path, _ = cmd.Flags().GetString("store-path")
	}
	if cmd.Flags().Changed("index-endpoint") {
		cfg.Index.Endpoint, _ = cmd.Flags().GetString("index-endpoint")
	}
	if err := cfg.Validate(); err != nil {
		return config.File{}, "", exitError(exitValidation, "invalid config: %v", err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from the root persistent flags.
func newLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")

	level := slog.LevelInfo
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// openRuntime loads the configuration and assembles store, engine, index
// synchronizer and coordinator. observer may be nil.
func openRuntime(cmd *cobra.Command, observer coordinator.Observer) (*serviceRuntime, error) {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd)
	return buildRuntime(cfg, path, observer, logger)
}

func buildRuntime(cfg config.File, path string, observer coordinator.Observer, logger *slog.Logger) (*serviceRuntime, error) {
	policy, err := engine.ParsePolicy(cfg.Engine.Policy)
	if err != nil {
		return nil, exitError(exitValidation, "invalid config: %v", err)
	}

	st, err := store.Open(store.Config{
		Backend: cfg.Store.Backend,
		Path:    cfg.Store.Path,
		Logger:  logger,
	})
	if err != nil {
		return nil, exitError(exitStoreUnavailable, "opening %s store: %v", storeBackendName(cfg), err)
	}

	eng := engine.New(st,
		engine.WithMaxAttempts(cfg.Engine.MaxAttempts),
		engine.WithBackoff(cfg.Engine.InitialBackoff, cfg.Engine.MaxBackoff),
		engine.WithPolicy(policy),
		engine.WithLogger(logger),
	)

	var indexClient index.Client
	if strings.TrimSpace(cfg.Index.Endpoint) != "" {
		client, err := index.NewHTTPClient(index.HTTPClientConfig{
			Endpoint:   cfg.Index.Endpoint,
			Collection: cfg.Index.Collection,
			APIKey:     cfg.Index.APIKey,
			Timeout:    indexHTTPTimeout(cfg.Index.AttemptTimeout),
		})
		if err != nil {
			_ = st.Close()
			return nil, exitError(exitValidation, "invalid index config: %v", err)
		}
		indexClient = client
	}
	syncer := index.NewSynchronizer(index.SynchronizerConfig{
		Client:         indexClient,
		AttemptTimeout: cfg.Index.AttemptTimeout,
		Logger:         logger,
	})

	coord, err := coordinator.New(coordinator.Config{
		Engine:       eng,
		Synchronizer: syncer,
		Observer:     observer,
		Logger:       logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, exitError(exitRuntime, "creating coordinator: %v", err)
	}

	logger.Debug("runtime ready",
		"config", path,
		"store_backend", storeBackendName(cfg),
		"policy", string(eng.Policy()),
		"index_enabled", syncer.Enabled(),
	)
	return &serviceRuntime{store: st, coordinator: coord}, nil
}

// indexHTTPTimeout leaves headroom above the per-attempt deadline so the
// attempt context, not the client, ends slow requests.
func indexHTTPTimeout(attempt time.Duration) time.Duration {
	if attempt <= 0 {
		attempt = index.DefaultAttemptTimeout
	}
	return 2 * attempt
}

func storeBackendName(cfg config.File) string {
	if b := strings.TrimSpace(cfg.Store.Backend); b != "" {
		return strings.ToLower(b)
	}
	return store.BackendSQLite
}

// writeJSONOutput prints v as indented JSON.
func writeJSONOutput(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return exitError(exitRuntime, "marshaling output: %v", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
