// Package changefeed notifies interested parties after committed writes.
package changefeed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Op is the kind of write that happened.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// All subscribes to every collection.
const All = "*"

// Change describes one committed write.
type Change struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Op         Op        `json:"op"`
	At         time.Time `json:"at"`
}

// Handler receives changes. It must not block for long.
type Handler func(Change)

// Feed publishes and fans out changes.
type Feed interface {
	Publish(ctx context.Context, changes ...Change) error
	// Subscribe registers fn for a collection (or All) and returns a func
	// that removes it.
	Subscribe(collection string, fn Handler) (unsubscribe func())
	Close() error
}

// MemoryFeed dispatches changes synchronously to in-process subscribers.
type MemoryFeed struct {
	logger *zap.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

// NewMemoryFeed creates an in-process feed.
func NewMemoryFeed(logger *zap.Logger) *MemoryFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryFeed{
		logger: logger,
		subs:   make(map[string]map[int]Handler),
	}
}

func (f *MemoryFeed) Publish(ctx context.Context, changes ...Change) error {
	for _, c := range changes {
		if c.At.IsZero() {
			c.At = time.Now()
		}
		f.dispatch(c)
	}
	return nil
}

func (f *MemoryFeed) dispatch(c Change) {
	f.mu.RLock()
	handlers := make([]Handler, 0, len(f.subs[c.Collection])+len(f.subs[All]))
	for _, h := range f.subs[c.Collection] {
		handlers = append(handlers, h)
	}
	for _, h := range f.subs[All] {
		handlers = append(handlers, h)
	}
	f.mu.RUnlock()

	for _, h := range handlers {
		f.safeCall(h, c)
	}
}

func (f *MemoryFeed) safeCall(h Handler, c Change) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("changefeed: subscriber panicked",
				zap.String("collection", c.Collection),
				zap.String("id", c.ID),
				zap.Any("panic", r),
			)
		}
	}()
	h(c)
}

func (f *MemoryFeed) Subscribe(collection string, fn Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.subs[collection] == nil {
		f.subs[collection] = make(map[int]Handler)
	}
	f.subs[collection][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs[collection], id)
		})
	}
}

func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = make(map[string]map[int]Handler)
	return nil
}

// Nop discards every change.
type Nop struct{}

func (Nop) Publish(context.Context, ...Change) error { return nil }
func (Nop) Subscribe(string, Handler) func()         { return func() {} }
func (Nop) Close() error                             { return nil }
