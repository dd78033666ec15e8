package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/storelens/audit-orchestrator/internal/rtproto"
)

// MirrorOptions configures a Mirror.
type MirrorOptions[T any] struct {
	// Filter is re-evaluated client-side for every feed event, since the feed
	// is unfiltered by identity. Nil admits every record.
	Filter func(T) bool
	// ListFilter and Sort apply to the bulk fetch only.
	ListFilter string
	Sort       string
	// OnChange fires after every applied change, without locks held.
	OnChange func()
}

// Mirror keeps an in-memory mapping of record id to record for one remote
// collection: one bulk fetch, then a push subscription. On a feed failure the
// mapping is deliberately kept as last-known data instead of being cleared;
// Connected reports the degradation.
type Mirror[T any] struct {
	source     Source
	collection string
	opts       MirrorOptions[T]

	mu        sync.RWMutex
	records   map[string]T
	connected bool
	err       error

	release  func()
	stopOnce sync.Once
}

// NewMirror creates a mirror for the given collection. Call Start to activate.
func NewMirror[T any](source Source, collection string, opts MirrorOptions[T]) *Mirror[T] {
	return &Mirror[T]{
		source:     source,
		collection: collection,
		opts:       opts,
		records:    make(map[string]T),
	}
}

// Start performs the bulk fetch and opens the subscription. The returned error
// reflects the initial fetch only; the mirror still follows the feed and will
// refetch once the connection reports healthy.
func (m *Mirror[T]) Start(ctx context.Context) error {
	fetchErr := m.refetch(ctx)

	ch, release := m.source.Subscribe(m.collection)
	m.mu.Lock()
	m.release = release
	m.mu.Unlock()

	go m.applyLoop(ctx, ch)

	return fetchErr
}

// Stop releases the subscription exactly once. A stopped mirror is not
// restartable; build a fresh one rather than reusing a stale mapping.
func (m *Mirror[T]) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		release := m.release
		m.mu.Unlock()
		if release != nil {
			release()
		}
	})
}

// Snapshot returns a copy of the current mapping
func (m *Mirror[T]) Snapshot() map[string]T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]T, len(m.records))
	for id, rec := range m.records {
		out[id] = rec
	}
	return out
}

// Get returns one record by id
func (m *Mirror[T]) Get(id string) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return rec, ok
}

// Len returns the number of mirrored records
func (m *Mirror[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Connected reports whether the mirror believes the feed is live
func (m *Mirror[T]) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Err returns the last fetch or decode error, if any
func (m *Mirror[T]) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

func (m *Mirror[T]) refetch(ctx context.Context) error {
	items, err := m.source.ListRecords(ctx, m.collection, m.opts.ListFilter, m.opts.Sort)
	if err != nil {
		m.mu.Lock()
		m.err = err
		m.connected = false
		m.mu.Unlock()
		return err
	}

	fresh := make(map[string]T, len(items))
	for _, item := range items {
		rec, id, err := decodeRecord[T](item)
		if err != nil {
			log.Printf("realtime: skipping undecodable %s record: %v", m.collection, err)
			continue
		}
		if m.opts.Filter != nil && !m.opts.Filter(rec) {
			continue
		}
		fresh[id] = rec
	}

	m.mu.Lock()
	m.records = fresh
	m.connected = true
	m.err = nil
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *Mirror[T]) applyLoop(ctx context.Context, ch <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.apply(ctx, ev)
		}
	}
}

func (m *Mirror[T]) apply(ctx context.Context, ev Event) {
	switch ev.Action {
	case ActionConnected:
		// The feed may have gapped while down; rebuild from a fresh fetch
		if err := m.refetch(ctx); err != nil {
			log.Printf("realtime: refetch %s after reconnect: %v", m.collection, err)
		}
		return

	case ActionDisconnected:
		m.mu.Lock()
		m.connected = false
		m.mu.Unlock()
		m.notify()
		return
	}

	rec, id, err := decodeRecord[T](ev.Record)
	if err != nil {
		log.Printf("realtime: invalid %s event record: %v", m.collection, err)
		return
	}
	if id == "" {
		return
	}

	m.mu.Lock()
	switch {
	case ev.Action == rtproto.ActionDelete:
		delete(m.records, id)
	case m.opts.Filter != nil && !m.opts.Filter(rec):
		// Record no longer matches the predicate; drop any stale copy
		delete(m.records, id)
	default:
		m.records[id] = rec
	}
	m.mu.Unlock()

	m.notify()
}

func (m *Mirror[T]) notify() {
	if m.opts.OnChange != nil {
		m.opts.OnChange()
	}
}

func decodeRecord[T any](raw json.RawMessage) (T, string, error) {
	var rec T
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, "", err
	}
	var meta struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return rec, "", err
	}
	return rec, meta.ID, nil
}
