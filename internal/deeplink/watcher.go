// Package deeplink delivers OAuth callback URLs from the desktop shell to the
// running process. The shell drops each URL into an inbox directory as a
// "*.url" file; the Watcher hands it to a handler and removes it.
package deeplink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	fileSuffix      = ".url"
	defaultDebounce = 50 * time.Millisecond
	pollInterval    = 2 * time.Second
	maxURLBytes     = 16 << 10
)

// Handler receives one callback URL.
type Handler func(ctx context.Context, rawURL string) error

// Watcher monitors an inbox directory for callback URLs.
type Watcher struct {
	dir      string
	handler  Handler
	debounce time.Duration

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	done     chan struct{}

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

// NewWatcher creates a Watcher for dir. Nothing is read until Start.
func NewWatcher(dir string, handler Handler) (*Watcher, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("deep-link inbox directory is required")
	}
	if handler == nil {
		return nil, errors.New("deep-link handler is required")
	}
	return &Watcher{
		dir:      dir,
		handler:  handler,
		debounce: defaultDebounce,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		inFlight: make(map[string]struct{}),
	}, nil
}

// Dir returns the inbox directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Start drains URLs already in the inbox and then watches for new ones until
// ctx ends or Stop is called. If the directory cannot be watched it polls.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("create deep-link inbox: %w", err)
	}

	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("deep-link watcher already started")
	}
	w.started = true
	w.mu.Unlock()

	w.drain(ctx)

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := fsw.Add(w.dir); addErr != nil {
			_ = fsw.Close()
			err = addErr
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("path", w.dir).Msg("Failed to watch deep-link inbox; falling back to polling")
		go w.poll(ctx)
		return nil
	}

	w.watcher = fsw
	go w.watch(ctx)
	log.Info().Str("path", w.dir).Msg("Watching deep-link inbox")
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	select {
	case <-w.stopChan:
		return
	default:
		close(w.stopChan)
	}
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return
	}
	<-w.done
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, fileSuffix) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			time.Sleep(w.debounce)
			w.process(ctx, event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Deep-link watcher error")

		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.drain(ctx)
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		}
	}
}

// drain processes every pending URL file in name order.
func (w *Watcher) drain(ctx context.Context) {
	matches, err := filepath.Glob(filepath.Join(w.dir, "*"+fileSuffix))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list deep-link inbox")
		return
	}
	sort.Strings(matches)
	for _, path := range matches {
		w.process(ctx, path)
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	w.mu.Lock()
	if _, busy := w.inFlight[path]; busy {
		w.mu.Unlock()
		return
	}
	w.inFlight[path] = struct{}{}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inFlight, path)
		w.mu.Unlock()
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("Failed to read deep-link file")
		}
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("Failed to remove deep-link file")
	}

	if len(data) > maxURLBytes {
		log.Warn().Str("path", path).Int("bytes", len(data)).Msg("Ignoring oversized deep-link file")
		return
	}
	rawURL := strings.TrimSpace(string(data))
	if rawURL == "" {
		return
	}

	if err := w.handler(ctx, rawURL); err != nil {
		log.Warn().Err(err).Msg("Deep-link handler failed")
	}
}

// Drop writes rawURL into the inbox at dir. The file appears atomically so a
// watcher never reads a partial URL.
func Drop(dir, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", errors.New("empty deep-link URL")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create deep-link inbox: %w", err)
	}

	name := fmt.Sprintf("%d-%s%s", time.Now().UnixNano(), uuid.NewString(), fileSuffix)
	final := filepath.Join(dir, name)
	tmp := filepath.Join(dir, "."+name+".tmp")

	if err := os.WriteFile(tmp, []byte(rawURL), 0o600); err != nil {
		return "", fmt.Errorf("write deep-link file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("publish deep-link file: %w", err)
	}
	return final, nil
}

// FromArgs returns the arguments that look like URLs for one of schemes. The
// desktop shell launches a second instance with the callback URL as an
// argument.
func FromArgs(args []string, schemes ...string) []string {
	var urls []string
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		for _, scheme := range schemes {
			if scheme == "" {
				continue
			}
			if strings.HasPrefix(strings.ToLower(arg), strings.ToLower(scheme)+"://") {
				urls = append(urls, arg)
				break
			}
		}
	}
	return urls
}
