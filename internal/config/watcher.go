package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/harun/agentrelay/internal/observability"
	"github.com/harun/agentrelay/pkg/command"
	"github.com/harun/agentrelay/pkg/provider"
)

// TableSetter installs a reloaded command table
type TableSetter interface {
	SetTable(t *command.Table) error
}

// Watcher reloads command table files when they change
type Watcher struct {
	watcher  *fsnotify.Watcher
	target   TableSetter
	files    map[string]provider.Provider
	botNames map[provider.Provider][]string
	debounce time.Duration
	logger   zerolog.Logger

	done           chan struct{}
	debounceTimers map[string]*time.Timer
	debounceMu     sync.Mutex
	stopOnce       sync.Once
	wg             sync.WaitGroup
}

// NewWatcher watches the commands_file of every enabled provider that has one
func NewWatcher(cfg *Config, target TableSetter, logger zerolog.Logger) (*Watcher, error) {
	if target == nil {
		return nil, fmt.Errorf("table setter is required")
	}

	w := &Watcher{
		target:         target,
		files:          make(map[string]provider.Provider),
		botNames:       make(map[provider.Provider][]string),
		debounce:       200 * time.Millisecond,
		logger:         logger,
		done:           make(chan struct{}),
		debounceTimers: make(map[string]*time.Timer),
	}
	for _, p := range cfg.EnabledProviders() {
		pc := cfg.Providers.Get(p)
		if pc.CommandsFile == "" {
			continue
		}
		abs, err := filepath.Abs(pc.CommandsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", pc.CommandsFile, err)
		}
		w.files[filepath.Clean(abs)] = p
		w.botNames[p] = pc.BotNames
	}
	return w, nil
}

// Files returns the number of watched command table files
func (w *Watcher) Files() int {
	return len(w.files)
}

// Start begins watching. It is a no-op when no file is configured.
func (w *Watcher) Start() error {
	if len(w.files) == 0 {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = fsw

	// Editors replace files on save, so watch the directories.
	dirs := make(map[string]bool)
	for path := range w.files {
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	w.wg.Add(1)
	go w.eventLoop()

	w.logger.Info().
		Int("files", len(w.files)).
		Msg("Command table watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)

		w.debounceMu.Lock()
		for _, timer := range w.debounceTimers {
			timer.Stop()
		}
		clear(w.debounceTimers)
		w.debounceMu.Unlock()

		if w.watcher != nil {
			if cerr := w.watcher.Close(); cerr != nil {
				err = fmt.Errorf("failed to close watcher: %w", cerr)
			}
		}
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			path := filepath.Clean(event.Name)
			if _, watched := w.files[path]; watched {
				w.schedule(path)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Command table watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[path]; exists {
		timer.Stop()
	}
	w.debounceTimers[path] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}
		w.reload(path)
	})
}

// reload installs the file's table. An invalid file keeps the old table.
func (w *Watcher) reload(path string) {
	p := w.files[path]
	logger := w.logger.With().Str("provider", string(p)).Str("path", path).Logger()

	table, err := LoadCommandTable(path, p)
	if err == nil {
		table.BotNames = append(table.BotNames, w.botNames[p]...)
		err = w.target.SetTable(table)
	}
	if err != nil {
		logger.Error().Err(err).Msg("Command table reload failed, keeping previous table")
		return
	}

	observability.RecordConfigAudit(context.Background(), "command_table_reloaded", "watcher", map[string]interface{}{
		"provider": string(p),
		"commands": len(table.Commands),
	})
	logger.Info().Int("commands", len(table.Commands)).Msg("Command table reloaded")
}
