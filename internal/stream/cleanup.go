package stream

import (
	"sort"
	"sync"
	"time"
)

// Priority orders cleanup work. Immediate entries are reclaimed on the
// next sweep, deferred entries only under memory pressure.
type Priority int

const (
	PriorityImmediate Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityDeferred
)

func (p Priority) String() string {
	switch p {
	case PriorityImmediate:
		return "immediate"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "deferred"
	}
}

// Sweep ages per priority. An entry is released once it has been
// registered longer than its priority's age.
var sweepAges = map[Priority]time.Duration{
	PriorityImmediate: 0,
	PriorityHigh:      30 * time.Second,
	PriorityNormal:    5 * time.Minute,
	PriorityLow:       30 * time.Minute,
}

type cleanupEntry struct {
	id           uint64
	name         string
	priority     Priority
	registeredAt time.Time
	release      func()
}

// Registry tracks resources pending cleanup: buffers, snapshots, parse
// caches. Owners register a release func and either release explicitly
// or let the sweeper age the entry out. Under critical pressure the
// emergency path drains everything expendable at once.
type Registry struct {
	mu      sync.Mutex
	entries map[uint64]*cleanupEntry
	nextID  uint64
	now     func() time.Time
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[uint64]*cleanupEntry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Register adds a resource and returns its handle. The release func runs
// at most once, outside the registry lock.
func (g *Registry) Register(name string, priority Priority, release func()) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	id := g.nextID
	g.entries[id] = &cleanupEntry{
		id:           id,
		name:         name,
		priority:     priority,
		registeredAt: g.now(),
		release:      release,
	}
	return id
}

// Release runs and removes the entry for id. Unknown ids are ignored, so
// owners may release unconditionally in defers.
func (g *Registry) Release(id uint64) {
	g.mu.Lock()
	e, ok := g.entries[id]
	if ok {
		delete(g.entries, id)
	}
	g.mu.Unlock()
	if ok && e.release != nil {
		e.release()
	}
}

// Len reports the number of pending entries.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Sweep releases entries older than their priority's age. Deferred
// entries are never swept here; they wait for the emergency path.
// It returns the number of entries released.
func (g *Registry) Sweep() int {
	now := g.now()
	g.mu.Lock()
	var due []*cleanupEntry
	for id, e := range g.entries {
		age, ok := sweepAges[e.priority]
		if !ok {
			continue
		}
		if now.Sub(e.registeredAt) >= age {
			due = append(due, e)
			delete(g.entries, id)
		}
	}
	g.mu.Unlock()
	for _, e := range due {
		if e.release != nil {
			e.release()
		}
	}
	return len(due)
}

// EmergencyCleanup sheds load under critical pressure: every deferred and
// low entry goes, plus the older half of the normal ones. It returns the
// number of entries released.
func (g *Registry) EmergencyCleanup() int {
	g.mu.Lock()
	var expendable, normal []*cleanupEntry
	for _, e := range g.entries {
		switch e.priority {
		case PriorityDeferred, PriorityLow:
			expendable = append(expendable, e)
		case PriorityNormal:
			normal = append(normal, e)
		}
	}
	sort.Slice(normal, func(i, j int) bool {
		return normal[i].registeredAt.Before(normal[j].registeredAt)
	})
	expendable = append(expendable, normal[:len(normal)/2]...)
	for _, e := range expendable {
		delete(g.entries, e.id)
	}
	g.mu.Unlock()
	for _, e := range expendable {
		if e.release != nil {
			e.release()
		}
	}
	return len(expendable)
}

// StartSweeper runs Sweep on the given interval until Stop.
func (g *Registry) StartSweeper(interval time.Duration) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.done:
				return
			case <-ticker.C:
				g.Sweep()
			}
		}
	}()
}

// Stop halts the sweeper goroutine. Pending entries stay registered.
func (g *Registry) Stop() {
	select {
	case <-g.done:
	default:
		close(g.done)
	}
	g.wg.Wait()
}
