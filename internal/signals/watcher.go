// Package signals cancels running operations from outside the process.
//
// Creating the file <dir>/cancel/<operation id> cancels that operation;
// <dir>/cancel/all cancels every active one. Handled files are removed.
package signals

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// AllOperations is the signal file name that cancels everything.
const AllOperations = "all"

// Canceler cancels operations by id.
type Canceler interface {
	Cancel(opID string) bool
	CancelAll() int
}

// Watcher turns signal files into cancellations.
type Watcher struct {
	dir      string
	canceler Canceler
	watcher  *fsnotify.Watcher
	retain   time.Duration
	logger   zerolog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the watcher's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithRetain keeps signal files for operations that are not active yet,
// for up to d, so a cancellation may precede the dispatch it targets.
func WithRetain(d time.Duration) Option {
	return func(w *Watcher) { w.retain = d }
}

// NewWatcher creates the cancel directory under dir and starts watching it.
func NewWatcher(dir string, c Canceler, opts ...Option) (*Watcher, error) {
	cancelDir := filepath.Join(dir, "cancel")
	if err := os.MkdirAll(cancelDir, 0o755); err != nil {
		return nil, fmt.Errorf("create signals directory: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(cancelDir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", cancelDir, err)
	}
	w := &Watcher{dir: cancelDir, canceler: c, watcher: fw, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Dir returns the watched cancel directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Run handles signal files until ctx is done. Files present at start are
// handled first. Retained files are retried on every tick of a one second
// poll.
func (w *Watcher) Run(ctx context.Context) error {
	w.sweep()
	poll := time.NewTicker(time.Second)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.handle(ev.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("signal watcher error")
		case <-poll.C:
			if w.retain > 0 {
				w.sweep()
			}
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Cancel writes the signal file for opID.
func Cancel(dir, opID string) error {
	if err := validName(opID); err != nil {
		return err
	}
	cancelDir := filepath.Join(dir, "cancel")
	if err := os.MkdirAll(cancelDir, 0o755); err != nil {
		return fmt.Errorf("create signals directory: %w", err)
	}
	return os.WriteFile(filepath.Join(cancelDir, opID), []byte(time.Now().Format(time.RFC3339)), 0o644)
}

func validName(opID string) error {
	if opID == "" || opID != filepath.Base(opID) || strings.HasPrefix(opID, ".") {
		return errors.New("signals: invalid operation id " + opID)
	}
	return nil
}

func (w *Watcher) sweep() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn().Err(err).Msg("read signals directory")
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.handle(filepath.Join(w.dir, e.Name()))
		}
	}
}

func (w *Watcher) handle(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return
	}
	log := w.logger.With().Str("op", name).Logger()
	if name == AllOperations {
		n := w.canceler.CancelAll()
		log.Info().Int("cancelled", n).Msg("cancel signal received")
		w.remove(path)
		return
	}
	if w.canceler.Cancel(name) {
		log.Info().Msg("cancel signal received")
		w.remove(path)
		return
	}
	if w.retain > 0 {
		info, err := os.Stat(path)
		if err == nil && time.Since(info.ModTime()) < w.retain {
			return
		}
	}
	log.Debug().Msg("cancel signal for inactive operation dropped")
	w.remove(path)
}

func (w *Watcher) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Debug().Err(err).Str("path", path).Msg("remove signal file")
	}
}
