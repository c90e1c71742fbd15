package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/scrypster/locai/pkg/types"
)

const eventDir = "events"

// EventFileHook writes each event as a file under {dir}/events/ so another
// process (see EventWatcher) can pick it up. The memory body is left out;
// readers fetch it by id.
type EventFileHook struct {
	Base
	dir string
}

// NewEventFileHook returns a hook writing to {dataDir}/events/.
func NewEventFileHook(dataDir string) *EventFileHook {
	return &EventFileHook{
		Base: Base{HookName: "event-file"},
		dir:  filepath.Join(dataDir, eventDir),
	}
}

func (h *EventFileHook) OnMemoryCreated(ctx context.Context, m *types.Memory) Result {
	_ = h.Write(EventCreated, m.ID)
	return Continue()
}

func (h *EventFileHook) OnMemoryUpdated(ctx context.Context, _, current *types.Memory) Result {
	_ = h.Write(EventUpdated, current.ID)
	return Continue()
}

func (h *EventFileHook) BeforeMemoryDeleted(ctx context.Context, m *types.Memory) Result {
	_ = h.Write(EventDeleting, m.ID)
	return Continue()
}

// Write emits one event file. Safe to call concurrently.
func (h *EventFileHook) Write(typ EventType, memoryID string) error {
	if err := os.MkdirAll(h.dir, 0o700); err != nil {
		return types.Wrap(types.KindOperation, err, "event file: mkdir %s", h.dir)
	}
	evt := newEvent(typ, nil, nil)
	evt.MemoryID = memoryID
	data, err := json.Marshal(evt)
	if err != nil {
		return types.Wrap(types.KindSerialization, err, "event file: encode")
	}
	name := fmt.Sprintf("%d-%s.event", evt.Time, sanitizeID(memoryID))
	// Write then rename so watchers never see a partial file.
	tmp := filepath.Join(h.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return types.Wrap(types.KindOperation, err, "event file: write")
	}
	if err := os.Rename(tmp, filepath.Join(h.dir, name)); err != nil {
		return types.Wrap(types.KindOperation, err, "event file: rename")
	}
	return nil
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.':
			return '_'
		}
		return r
	}, id)
}

// EventWatcher delivers event files written by an EventFileHook, possibly
// in another process, to a callback. Each file is consumed once.
type EventWatcher struct {
	dir      string
	callback func(Event)
	logger   *log.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewEventWatcher creates a watcher for {dataDir}/events/.
func NewEventWatcher(dataDir string, callback func(Event), logger *log.Logger) *EventWatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &EventWatcher{
		dir:      filepath.Join(dataDir, eventDir),
		callback: callback,
		logger:   logger.With("component", "event-watcher"),
		done:     make(chan struct{}),
	}
}

// Start drains files already present, then watches for new ones. Call
// Stop to clean up.
func (ew *EventWatcher) Start() error {
	if err := os.MkdirAll(ew.dir, 0o700); err != nil {
		return types.Wrap(types.KindOperation, err, "event watcher: mkdir %s", ew.dir)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return types.Wrap(types.KindOperation, err, "event watcher")
	}
	if err := w.Add(ew.dir); err != nil {
		_ = w.Close()
		return types.Wrap(types.KindOperation, err, "event watcher: watch %s", ew.dir)
	}
	ew.watcher = w

	ew.drainExisting()
	go ew.loop()
	ew.logger.Debug("watching for events", "dir", ew.dir)
	return nil
}

// Stop shuts down the watcher.
func (ew *EventWatcher) Stop() {
	if ew.watcher == nil {
		return
	}
	_ = ew.watcher.Close()
	<-ew.done
}

func (ew *EventWatcher) loop() {
	defer close(ew.done)
	for {
		select {
		case evt, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && isEventFile(evt.Name) {
				ew.processFile(evt.Name)
			}
		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			ew.logger.Warn("watcher error", "err", err)
		}
	}
}

func isEventFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".event") && !strings.HasPrefix(base, ".")
}

func (ew *EventWatcher) drainExisting() {
	entries, err := os.ReadDir(ew.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && isEventFile(entry.Name()) {
			ew.processFile(filepath.Join(ew.dir, entry.Name()))
		}
	}
}

func (ew *EventWatcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // already consumed
	}
	if err := os.Remove(path); err != nil {
		return // another watcher won the race
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		ew.logger.Warn("invalid event file", "file", filepath.Base(path), "err", err)
		return
	}
	if event.MemoryID != "" && ew.callback != nil {
		ew.callback(event)
	}
}
