package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Watcher reloads the runtime-adjustable settings when the data directory's
// .env changes. Only the log level can change without a restart.
type Watcher struct {
	config   *Config
	envPath  string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	debounce time.Duration

	mu       sync.Mutex
	onChange func(*Config)
}

// NewWatcher creates a Watcher for cfg's .env file.
func NewWatcher(cfg *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		config:   cfg,
		envPath:  cfg.EnvFile(),
		watcher:  fsw,
		stopChan: make(chan struct{}),
		debounce: 100 * time.Millisecond,
	}, nil
}

// OnChange sets the callback invoked after a reload applied a change.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// Start watches the directory holding the .env file.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.envPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory")
		return err
	}
	go w.handleEvents(w.watcher.Events, w.watcher.Errors)
	log.Info().Str("env_path", w.envPath).Msg("Started watching .env for changes")
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	select {
	case <-w.stopChan:
		return
	default:
		close(w.stopChan)
	}
	_ = w.watcher.Close()
}

func (w *Watcher) handleEvents(events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ".env" && event.Name != w.envPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			time.Sleep(w.debounce)
			log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			w.reload()

		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

// reload re-reads the .env file. The process environment still wins, so a
// level pinned by the environment is never overridden from the file.
func (w *Watcher) reload() {
	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("Failed to read .env file")
		}
		return
	}

	w.mu.Lock()
	callback := w.onChange
	changed := false
	if !w.config.EnvOverrides["LOG_LEVEL"] {
		if level := strings.Trim(envMap[envPrefix+"LOG_LEVEL"], "'\" "); level != "" && level != w.config.LogLevel {
			log.Info().Str("from", w.config.LogLevel).Str("to", level).Msg("Log level changed in .env")
			w.config.LogLevel = level
			changed = true
		}
	}
	snapshot := *w.config
	w.mu.Unlock()

	if changed && callback != nil {
		callback(&snapshot)
	}
}
