// Package watcher reports changes to mounted source files, debounced and
// filtered by the project's exclude globs.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/conneroisu/snowdrift/internal/errors"
	"github.com/conneroisu/snowdrift/internal/logging"
)

// FileWatcher watches directory trees and hands debounced batches of
// changes to its handlers.
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	filters   []FileFilter
	handlers  []ChangeHandler
	logger    logging.Logger
	mutex     sync.RWMutex
	stopOnce  sync.Once
}

// ChangeEvent represents a file change event
type ChangeEvent struct {
	Type    EventType
	Path    string
	ModTime time.Time
	Size    int64
}

// EventType represents the type of file change
type EventType int

const (
	EventAdd EventType = iota
	EventChange
	EventUnlink
)

// String returns the string representation of the EventType
func (e EventType) String() string {
	switch e {
	case EventAdd:
		return "add"
	case EventChange:
		return "change"
	case EventUnlink:
		return "unlink"
	default:
		return "unknown"
	}
}

// FileFilter reports whether a path should be watched.
type FileFilter func(path string) bool

// ChangeHandler handles one debounced batch of changes.
type ChangeHandler func(ctx context.Context, events []ChangeEvent) error

// Options configures a FileWatcher.
type Options struct {
	// Delay is the quiet period that closes a batch.
	Delay time.Duration
	// Exclude holds doublestar patterns matched against the path relative
	// to Root and against the absolute path.
	Exclude []string
	Root    string
	Logger  logging.Logger
}

// Debouncer groups rapid file changes together
type Debouncer struct {
	delay   time.Duration
	events  chan ChangeEvent
	output  chan []ChangeEvent
	timer   *time.Timer
	pending []ChangeEvent
	mutex   sync.Mutex
}

// NewDebouncer creates a Debouncer that closes a batch after delay.
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:  delay,
		events: make(chan ChangeEvent, 100),
		output: make(chan []ChangeEvent, 10),
	}
}

// NewFileWatcher creates a new file watcher
func NewFileWatcher(opts Options) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.NewIOError(errors.ErrCodeReadFailed, "cannot create file watcher", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	fw := &FileWatcher{
		watcher:   watcher,
		debouncer: NewDebouncer(opts.Delay),
		logger:    logger.WithComponent("watcher"),
	}
	if len(opts.Exclude) > 0 {
		fw.filters = append(fw.filters, ExcludeFilter(opts.Root, opts.Exclude))
	}
	return fw, nil
}

// AddFilter adds a file filter
func (fw *FileWatcher) AddFilter(filter FileFilter) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.filters = append(fw.filters, filter)
}

// AddHandler adds a change handler
func (fw *FileWatcher) AddHandler(handler ChangeHandler) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.handlers = append(fw.handlers, handler)
}

func (fw *FileWatcher) accepts(path string) bool {
	fw.mutex.RLock()
	defer fw.mutex.RUnlock()
	for _, filter := range fw.filters {
		if !filter(path) {
			return false
		}
	}
	return true
}

// AddRecursive watches root and every directory below it that the filters
// accept.
func (fw *FileWatcher) AddRecursive(root string) error {
	cleanRoot, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return errors.NewIOError(errors.ErrCodeReadFailed, "invalid watch root "+root, err)
	}

	return filepath.WalkDir(cleanRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != cleanRoot && !fw.accepts(path) {
			return filepath.SkipDir
		}
		if err := fw.watcher.Add(path); err != nil {
			return errors.NewIOError(errors.ErrCodeReadFailed, "cannot watch "+path, err)
		}
		return nil
	})
}

// Start starts the file watcher
func (fw *FileWatcher) Start(ctx context.Context) error {
	go fw.debouncer.start(ctx)
	go fw.processEvents(ctx)
	go fw.watchLoop(ctx)
	return nil
}

// Stop stops the file watcher and cleans up resources
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.debouncer.stop()
		err = fw.watcher.Close()
	})
	return err
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleFsnotifyEvent(ctx, event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error(ctx, err, "file watcher error")
		}
	}
}

func (fw *FileWatcher) handleFsnotifyEvent(ctx context.Context, event fsnotify.Event) {
	if !fw.accepts(event.Name) {
		return
	}

	info, statErr := os.Stat(event.Name)
	var changeEvent ChangeEvent
	switch {
	case event.Has(fsnotify.Create):
		if statErr == nil && info.IsDir() {
			if err := fw.AddRecursive(event.Name); err != nil {
				fw.logger.Warn(ctx, err, "cannot watch new directory", "path", event.Name)
			}
			return
		}
		changeEvent.Type = EventAdd
	case event.Has(fsnotify.Write):
		changeEvent.Type = EventChange
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		changeEvent.Type = EventUnlink
	default:
		return
	}
	if statErr == nil {
		if info.IsDir() {
			return
		}
		changeEvent.ModTime = info.ModTime()
		changeEvent.Size = info.Size()
	}
	changeEvent.Path = event.Name

	select {
	case fw.debouncer.events <- changeEvent:
	default:
		fw.logger.Warn(ctx, nil, "dropping file event, queue full", "path", event.Name)
	}
}

func (fw *FileWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case events := <-fw.debouncer.output:
			fw.mutex.RLock()
			handlers := fw.handlers
			fw.mutex.RUnlock()

			for _, handler := range handlers {
				if err := handler(ctx, events); err != nil {
					fw.logger.Error(ctx, err, "file watcher handler failed")
				}
			}
		}
	}
}

func (d *Debouncer) start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.events:
			d.addEvent(event)
		}
	}
}

func (d *Debouncer) addEvent(event ChangeEvent) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.pending = append(d.pending, event)
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.flush)
}

func (d *Debouncer) stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

func (d *Debouncer) flush() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	events := Coalesce(d.pending)
	d.pending = d.pending[:0]
	if len(events) == 0 {
		return
	}

	select {
	case d.output <- events:
	default:
	}
}

// Coalesce keeps one event per path, sorted by path. A file added and
// changed within a batch is still an add; added then removed is dropped.
func Coalesce(pending []ChangeEvent) []ChangeEvent {
	byPath := make(map[string]ChangeEvent, len(pending))
	dropped := map[string]bool{}
	for _, event := range pending {
		prev, seen := byPath[event.Path]
		switch {
		case seen && prev.Type == EventAdd && event.Type == EventChange:
			event.Type = EventAdd
		case seen && prev.Type == EventUnlink && event.Type == EventAdd:
			event.Type = EventChange
		case seen && prev.Type == EventAdd && event.Type == EventUnlink:
			delete(byPath, event.Path)
			dropped[event.Path] = true
			continue
		case dropped[event.Path] && event.Type == EventChange:
			event.Type = EventAdd
		}
		delete(dropped, event.Path)
		byPath[event.Path] = event
	}

	events := make([]ChangeEvent, 0, len(byPath))
	for _, event := range byPath {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	return events
}

// ExcludeFilter rejects paths matching any doublestar pattern. Patterns are
// tested against the path relative to root and against the absolute slash
// path; a pattern ending in "/**" also rejects the directory it names.
func ExcludeFilter(root string, patterns []string) FileFilter {
	return func(path string) bool {
		candidates := []string{filepath.ToSlash(path)}
		if root != "" {
			if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
				candidates = append(candidates, filepath.ToSlash(rel))
			}
		}
		for _, pattern := range patterns {
			dirPattern := strings.TrimSuffix(pattern, "/**")
			for _, candidate := range candidates {
				if ok, _ := doublestar.Match(pattern, candidate); ok {
					return false
				}
				if dirPattern != pattern {
					if ok, _ := doublestar.Match(dirPattern, candidate); ok {
						return false
					}
				}
			}
		}
		return true
	}
}
