package config

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher keeps a merged config hot-reloaded from disk. Consumers either
// call Get for the current snapshot or Subscribe for change notifications.
type Watcher struct {
	globalPath  string
	projectPath string

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards the subscriber list so a publish never races a
	// channel being closed in Unsubscribe.
	subsMu sync.Mutex
	subs   []chan *Config

	// lastHash tracks the last committed config content. Editors often
	// fire several write events per save without content changes.
	lastHash uint64

	log zerolog.Logger
}

// NewWatcher loads the initial config from the given paths.
func NewWatcher(globalPath, projectPath string, log zerolog.Logger) (*Watcher, error) {
	cfg, err := Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}

	return &Watcher{
		globalPath:  globalPath,
		projectPath: projectPath,
		cfg:         cfg,
		lastHash:    hashConfig(cfg),
		log:         log.With().Str("component", "config").Logger(),
	}, nil
}

// Get returns the current config snapshot. The returned value must be
// treated as read-only.
func (w *Watcher) Get() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Subscribe returns a channel that receives each newly committed config.
func (w *Watcher) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	w.subsMu.Lock()
	w.subs = append(w.subs, ch)
	w.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (w *Watcher) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for i, sub := range w.subs {
		if sub == ch {
			w.subs = append(w.subs[:i], w.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Watch blocks, re-loading and publishing the merged config whenever either
// config file changes, until the context is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the parent directories: editors replace files on save, and a
	// watch on the file itself dies with the old inode.
	for _, path := range []string{w.globalPath, w.projectPath} {
		if path == "" {
			continue
		}
		dir := filepath.Dir(path)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("config watch error")
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == filepath.Clean(w.globalPath) || name == filepath.Clean(w.projectPath)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.globalPath, w.projectPath)
	if err != nil {
		// Keep serving the last good config.
		w.log.Warn().Err(err).Msg("config reload failed, keeping previous config")
		return
	}

	hash := hashConfig(cfg)

	w.mu.Lock()
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	w.cfg = cfg
	w.lastHash = hash
	w.mu.Unlock()

	w.log.Info().Msg("config reloaded")
	w.publish(cfg)
}

func (w *Watcher) publish(cfg *Config) {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- cfg:
		default:
			// Subscriber not keeping up; it can always call Get.
		}
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}
