package attachment

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Subscription is a disposable registration returned by Subscribe and
// SubscribeAll. Unsubscribe is idempotent and safe to call from inside the
// callback itself.
type Subscription struct {
	reg  *registry
	key  string
	id   uint64
	once sync.Once
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}

	s.once.Do(func() { s.reg.remove(s.key, s.id) })
}

// globalKey holds observers of every task; target ids are never empty.
const globalKey = ""

type subscriber struct {
	id       uint64
	onRender func(RenderState)
	onChange func(Snapshot)
}

// registry is the per-target subscriber list. It has its own lock so that
// callbacks may subscribe or unsubscribe while a broadcast is running.
type registry struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string][]subscriber
}

func newRegistry() *registry {
	return &registry{subs: make(map[string][]subscriber)}
}

func (r *registry) add(key string, s subscriber) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	s.id = r.nextID
	r.subs[key] = append(r.subs[key], s)

	return &Subscription{reg: r, key: key, id: s.id}
}

func (r *registry) remove(key string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[key]
	for i, s := range list {
		if s.id == id {
			list = append(list[:i:i], list[i+1:]...)

			break
		}
	}

	if len(list) == 0 {
		delete(r.subs, key)

		return
	}

	r.subs[key] = list
}

func (r *registry) list(key string) []subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]subscriber(nil), r.subs[key]...)
}

func (r *registry) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.subs[key])
}

type notification struct {
	snapshot Snapshot
	render   RenderState
	// only restricts delivery to a single subscription id; zero means every
	// observer of the target plus the global observers.
	only uint64
}

// dispatcher delivers notifications in the order they were pushed, outside
// the queue lock. Whoever finds the dispatcher idle drains it; concurrent and
// re-entrant callers just append and leave.
type dispatcher struct {
	reg    *registry
	logger *slog.Logger

	mu       sync.Mutex
	pending  []notification
	draining bool
}

func (d *dispatcher) push(n notification) {
	d.mu.Lock()
	d.pending = append(d.pending, n)
	d.mu.Unlock()
}

func (d *dispatcher) drain() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()

		return
	}

	d.draining = true

	for len(d.pending) > 0 {
		n := d.pending[0]
		d.pending[0] = notification{}
		d.pending = d.pending[1:]
		d.mu.Unlock()

		d.deliver(n)

		d.mu.Lock()
	}

	d.pending = nil
	d.draining = false
	d.mu.Unlock()
}

func (d *dispatcher) deliver(n notification) {
	for _, s := range d.reg.list(n.render.TargetID) {
		if n.only != 0 && s.id != n.only {
			continue
		}

		d.call(s, n)
	}

	if n.only != 0 {
		return
	}

	for _, s := range d.reg.list(globalKey) {
		d.call(s, n)
	}
}

func (d *dispatcher) call(s subscriber, n notification) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("attachment subscriber panic",
				"target_id", n.render.TargetID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	if s.onRender != nil {
		s.onRender(n.render)
	}

	if s.onChange != nil {
		s.onChange(n.snapshot)
	}
}
