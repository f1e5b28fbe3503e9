package watcher

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Op is the coalesced kind of a local event
type Op int

const (
	OpWrite Op = iota
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "WRITE"
	case OpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// Event is a debounced change to one path, relative to the watched root
type Event struct {
	Path string
	Op   Op
	At   time.Time
}

// Debouncer collapses bursts of events per path. Downloads land through a
// temp file and a rename, so the last operation seen for a path wins.
type Debouncer struct {
	delay time.Duration
	clock clockwork.Clock

	mu      sync.Mutex
	pending map[string]*pendingEvent
	output  chan Event
	stopCh  chan struct{}
	stopped bool
}

type pendingEvent struct {
	event Event
	timer clockwork.Timer
}

// NewDebouncer creates a debouncer that emits a path once it has been quiet
// for delay
func NewDebouncer(delay time.Duration, clock clockwork.Clock) *Debouncer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Debouncer{
		delay:   delay,
		clock:   clock,
		pending: make(map[string]*pendingEvent),
		output:  make(chan Event, 100),
		stopCh:  make(chan struct{}),
	}
}

// Events returns the channel of debounced events
func (d *Debouncer) Events() <-chan Event {
	return d.output
}

// Add records an event for path and restarts its quiet period
func (d *Debouncer) Add(path string, op Op) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	now := d.clock.Now()
	if p, ok := d.pending[path]; ok {
		p.timer.Stop()
		p.event.Op = op
		p.event.At = now
		p.timer = d.clock.AfterFunc(d.delay, func() { d.emit(path) })
		return
	}

	d.pending[path] = &pendingEvent{
		event: Event{Path: path, Op: op, At: now},
		timer: d.clock.AfterFunc(d.delay, func() { d.emit(path) }),
	}
}

func (d *Debouncer) emit(path string) {
	d.mu.Lock()
	p, ok := d.pending[path]
	if ok {
		delete(d.pending, path)
	}
	d.mu.Unlock()

	if !ok {
		return
	}
	select {
	case d.output <- p.event:
	case <-d.stopCh:
	}
}

// Flush emits every pending event immediately
func (d *Debouncer) Flush() {
	d.mu.Lock()
	paths := make([]string, 0, len(d.pending))
	for path, p := range d.pending {
		p.timer.Stop()
		paths = append(paths, path)
	}
	d.mu.Unlock()

	for _, path := range paths {
		d.emit(path)
	}
}

// Stop drops pending events. Events already emitted stay readable.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	close(d.stopCh)
	for _, p := range d.pending {
		p.timer.Stop()
	}
	d.pending = make(map[string]*pendingEvent)
}

// PendingCount returns the number of paths waiting out their quiet period
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
