package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// groupKey identifies a set of Subscribe calls that can share one
// underlying Storage.Subscribe feed: same prefix filter, same poll
// interval. Consolidating these means N callers watching the same slice of
// the queue cost one poll cycle (or one native feed) rather than N.
type groupKey struct {
	prefixSig    string
	pollInterval time.Duration
}

func sigFor(opts SubscribeOptions) groupKey {
	var sig string
	if opts.PrefixIsSet {
		keys := make([]string, 0, len(opts.Prefix))
		for k := range opts.Prefix {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", k, opts.Prefix[k]))
		}
		sig = strings.Join(parts, "&")
	} else {
		sig = "*"
	}
	return groupKey{prefixSig: sig, pollInterval: opts.PollInterval}
}

// group fans out one underlying feed to every subscriber that shares a
// signature. It also keeps a snapshot of the last-known state of every job
// it has seen, keyed by job ID, so that a subscriber joining after the
// group is already active can be replayed the group's current state as a
// sequence of INSERTs instead of only seeing events from that point on.
type group struct {
	mu          sync.Mutex
	subscribers map[uint64]Callback
	snapshot    map[string]*Job
	unsubscribe Unsubscribe
}

func (g *group) fanout(ev ChangeEvent) {
	g.mu.Lock()
	switch ev.Type {
	case ChangeDelete:
		if ev.Old != nil {
			delete(g.snapshot, ev.Old.ID)
		}
	default:
		if ev.New != nil {
			if g.snapshot == nil {
				g.snapshot = make(map[string]*Job)
			}
			g.snapshot[ev.New.ID] = ev.New
		}
	}
	cbs := make([]Callback, 0, len(g.subscribers))
	for _, cb := range g.subscribers {
		cbs = append(cbs, cb)
	}
	g.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// join replays the group's current snapshot to cb as a sequence of INSERTs,
// then registers cb for future fanout — atomically, so no event can be
// missed between the replay and the registration, and no event already
// included in the replay can be delivered a second time. Reports whether cb
// is the first subscriber in the group (the caller must then open the
// underlying feed).
func (g *group) join(id uint64, cb Callback) (first bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	first = len(g.subscribers) == 0
	for _, job := range g.snapshot {
		cb(ChangeEvent{Type: ChangeInsert, New: job})
	}
	g.subscribers[id] = cb
	return first
}

// Manager consolidates Subscribe calls that share a prefix filter and poll
// interval onto a single underlying Storage.Subscribe feed, so a server
// with many connected clients watching the same prefix pays for one poll
// loop (or one native change feed tap) rather than one per client. Because
// the underlying Storage is the shared system of record, every Manager
// instance across every process sees the same change feed — subscription
// delivery is inherently cross-process, not an in-memory broadcast limited
// to the process that enqueued the change.
type Manager struct {
	storage Storage

	mu     sync.Mutex
	groups map[groupKey]*group
	nextID uint64
}

// NewManager wraps storage with subscription consolidation.
func NewManager(storage Storage) *Manager {
	return &Manager{storage: storage, groups: make(map[groupKey]*group)}
}

// Subscribe registers cb for change events matching opts, joining an
// existing group if one with the same prefix filter and poll interval is
// already active, or starting a new underlying Storage.Subscribe call
// otherwise (a "dedicated loop" per distinct prefix).
func (m *Manager) Subscribe(ctx context.Context, opts SubscribeOptions, cb Callback) (Unsubscribe, error) {
	key := sigFor(opts)

	m.mu.Lock()
	g, ok := m.groups[key]
	if !ok {
		g = &group{subscribers: make(map[uint64]Callback)}
		m.groups[key] = g
	}
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	first := g.join(id, cb)

	if first {
		unsub, err := m.storage.Subscribe(ctx, opts, g.fanout)
		if err != nil {
			g.mu.Lock()
			delete(g.subscribers, id)
			empty := len(g.subscribers) == 0
			g.mu.Unlock()
			if empty {
				m.mu.Lock()
				if m.groups[key] == g {
					delete(m.groups, key)
				}
				m.mu.Unlock()
			}
			return nil, err
		}
		g.mu.Lock()
		g.unsubscribe = unsub
		g.mu.Unlock()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.subscribers, id)
			empty := len(g.subscribers) == 0
			unsub := g.unsubscribe
			g.mu.Unlock()

			if empty {
				m.mu.Lock()
				if m.groups[key] == g {
					delete(m.groups, key)
				}
				m.mu.Unlock()
				if unsub != nil {
					unsub()
				}
			}
		})
	}, nil
}
