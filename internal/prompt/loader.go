// Package prompt resolves the system instruction sent with every generation
// and reloads it when its file changes.
package prompt

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSystemPrompt tells the model to fetch tools instead of refusing.
const DefaultSystemPrompt = "you are helpful assistant! your job is to help user with everything using the tools you have provided. " +
	"if the tools you provided doesnt allow you to accomplish the task or you need to search for more tools " +
	"immediately call retrieve_tools function with tags it will give you the right tools to accomplish the task!"

const defaultDebounce = 250 * time.Millisecond

// Loader serves the current system prompt. Precedence: file contents, then
// the inline prompt, then DefaultSystemPrompt.
type Loader struct {
	inline   string
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	current string

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewLoader reads the prompt once. A missing file is not an error; the
// inline or default prompt is used until it appears.
func NewLoader(inline, path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		inline:   strings.TrimSpace(inline),
		path:     strings.TrimSpace(path),
		debounce: defaultDebounce,
		logger:   logger.With("component", "prompt"),
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Prompt returns the current system prompt.
func (l *Loader) Prompt() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Reload re-reads the prompt file.
func (l *Loader) Reload() error {
	content, err := readPromptFile(l.path)
	if err != nil {
		return err
	}
	next := content
	if next == "" {
		next = l.inline
	}
	if next == "" {
		next = DefaultSystemPrompt
	}

	l.mu.Lock()
	changed := l.current != "" && l.current != next
	l.current = next
	l.mu.Unlock()

	if changed {
		l.logger.Info("system prompt reloaded", "path", l.path, "length", len(next))
	}
	return nil
}

func readPromptFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Watch reloads the prompt whenever its file changes. It is a no-op without
// a prompt file. The parent directory is watched so editors that replace the
// file by rename are seen.
func (l *Loader) Watch(ctx context.Context) error {
	if l.path == "" {
		return nil
	}

	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	l.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(1)
	go l.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops watching.
func (l *Loader) Close() error {
	l.watchMu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	watcher := l.watcher
	l.watcher = nil
	l.watchMu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	l.wg.Wait()
	return err
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer l.wg.Done()

	target := filepath.Clean(l.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.debounce, func() {
				if err := l.Reload(); err != nil {
					l.logger.Warn("system prompt reload failed", "path", l.path, "error", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("system prompt watch error", "error", err)
		}
	}
}
