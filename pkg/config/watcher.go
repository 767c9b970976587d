package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftwood-io/driftwood/pkg/engine"
)

// DefaultWatchDebounce is how long the watcher waits for a burst of file
// events to settle before reloading.
const DefaultWatchDebounce = 500 * time.Millisecond

// SubmitFunc hands a desired-state batch to the dispatcher.
type SubmitFunc func(ctx context.Context, batch *engine.Batch) error

// WatcherConfig configures a ManifestWatcher.
type WatcherConfig struct {
	// Path is a manifest file, or a directory holding a CUE package.
	Path string

	// Agent selects the workloads submitted. Empty submits all of them.
	Agent string

	Loader   *ManifestLoader
	Submit   SubmitFunc
	Debounce time.Duration
	Logger   zerolog.Logger
}

// ManifestWatcher is a desired-state source backed by a local manifest.
// Every successful load is submitted as a Replace batch.
type ManifestWatcher struct {
	path     string
	isDir    bool
	agent    string
	loader   *ManifestLoader
	submit   SubmitFunc
	debounce time.Duration
	logger   zerolog.Logger
}

// NewManifestWatcher creates a watcher. The manifest is not read until
// Reload or Run is called.
func NewManifestWatcher(cfg WatcherConfig) (*ManifestWatcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("manifest path is required")
	}
	if cfg.Submit == nil {
		return nil, fmt.Errorf("submit function is required")
	}
	if cfg.Loader == nil {
		cfg.Loader = NewManifestLoader(0, map[string]interface{}{"agent": cfg.Agent})
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultWatchDebounce
	}

	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", cfg.Path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest: %w", err)
	}

	return &ManifestWatcher{
		path:     path,
		isDir:    info.IsDir(),
		agent:    cfg.Agent,
		loader:   cfg.Loader,
		submit:   cfg.Submit,
		debounce: cfg.Debounce,
		logger:   cfg.Logger.With().Str("component", "manifest-watcher").Str("manifest", path).Logger(),
	}, nil
}

// Reload loads the manifest and submits this agent's workloads.
func (w *ManifestWatcher) Reload(ctx context.Context) error {
	manifest, err := w.loader.Load(ctx, w.path)
	if err != nil {
		return err
	}

	batch := manifest.Batch(w.agent, "manifest-"+uuid.New().String())
	w.logger.Info().
		Str("request_id", batch.RequestID).
		Int("workloads", len(batch.Workloads)).
		Msg("Submitting manifest")

	return w.submit(ctx, batch)
}

// Run submits the manifest, then resubmits it whenever it changes, until
// ctx is canceled. Load and submit failures are logged and the previous
// desired state stays in effect.
func (w *ManifestWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// editors replace files by renaming, so the parent directory is watched
	dir := filepath.Dir(w.path)
	if w.isDir {
		dir = w.path
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	if err := w.Reload(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Failed to load manifest")
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Manifest changed")

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := w.Reload(ctx); err != nil {
				w.logger.Error().Err(err).Msg("Failed to reload manifest, keeping previous desired state")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *ManifestWatcher) relevant(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
		return false
	}
	if w.isDir {
		return strings.HasSuffix(event.Name, ".cue")
	}
	return filepath.Clean(event.Name) == w.path
}
