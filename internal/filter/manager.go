package filter

import (
	"sync"

	"github.com/firestige/otuscore/internal/dissect"
)

// entry pairs a running pool with the expression string that produced
// it, so Set can recognize a no-op resubmission.
type entry struct {
	pool *Pool
	expr string
}

// Manager owns all named filter pools for a session and implements the
// replace/remove/no-op semantics from spec.md §4.6 and §9: creating a
// filter of the same name destroys the previous pool, except that
// resubmitting the identical expression for a name is a guaranteed
// no-op rather than a teardown-and-recreate.
type Manager struct {
	mu      sync.Mutex
	pools   map[string]entry
	store   StoreReader
	wm      *Watermark
	prelude string
	threads int
	logFn   func(dissect.Log)
}

func NewManager(store StoreReader, wm *Watermark, prelude string, threads int, logFn func(dissect.Log)) *Manager {
	return &Manager{
		pools:   make(map[string]entry),
		store:   store,
		wm:      wm,
		prelude: prelude,
		threads: threads,
		logFn:   logFn,
	}
}

// Set installs expression as the predicate for name. An empty
// expression removes the filter. An unchanged expression for an
// already-running filter is a no-op.
func (m *Manager) Set(name, expression string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.pools[name]; ok {
		if expression != "" && cur.expr == expression {
			return nil
		}
		cur.pool.Cancel()
		delete(m.pools, name)
	}

	if expression == "" {
		return nil
	}

	program, err := Compile(m.prelude, expression)
	if err != nil {
		return err
	}

	pool := NewPool(name, m.store, m.wm, program, m.logFn)
	pool.Start(m.threads)
	m.pools[name] = entry{pool: pool, expr: expression}
	return nil
}

// Get returns the named filter's view, or nil if no such filter is installed.
func (m *Manager) Get(name string) *View {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pools[name]
	if !ok {
		return nil
	}
	return e.pool.View()
}

// Sizes returns the current match-count of every installed filter, for
// the host bridge's status snapshot.
func (m *Manager) Sizes() map[string]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint32, len(m.pools))
	for name, e := range m.pools {
		out[name] = uint32(e.pool.View().Len())
	}
	return out
}

// CloseAll cancels every running pool and waits for its workers to
// exit, used during session teardown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, e := range m.pools {
		pools = append(pools, e.pool)
	}
	m.pools = make(map[string]entry)
	m.mu.Unlock()

	for _, p := range pools {
		p.Cancel()
	}
	for _, p := range pools {
		p.Wait()
	}
}
