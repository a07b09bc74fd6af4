package watcher

import (
	"context"
	"sync"
	"time"

	"tesa-overwatch/pkg/metrics"
	"tesa-overwatch/pkg/shared"
)

// Batch is what one flush hands to the FlushFunc: the newest queued image
// and CSV path (either may be empty) and how many older arrivals were
// discarded in favor of them.
type Batch struct {
	Image   string
	CSV     string
	Dropped int
}

func (b Batch) Empty() bool {
	return b.Image == "" && b.CSV == ""
}

type FlushFunc func(ctx context.Context, b Batch)

type state int

const (
	stateIdle state = iota
	stateQueuing
	stateFlushing
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateQueuing:
		return "queuing"
	case stateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Debouncer coalesces bursts of file arrivals. The first arrival arms a
// timer; when it fires only the last queued path of each kind is flushed
// and both queues are cleared. At most one flush runs at a time; arrivals
// during a flush re-arm the timer once it returns.
type Debouncer struct {
	window time.Duration
	flush  FlushFunc
	ctx    context.Context

	mu      sync.Mutex
	state   state
	images  []string
	csvs    []string
	timer   *time.Timer
	stopped bool
	running sync.WaitGroup
}

func NewDebouncer(ctx context.Context, window time.Duration, flush FlushFunc) *Debouncer {
	return &Debouncer{
		window: window,
		flush:  flush,
		ctx:    ctx,
	}
}

// Enqueue records an arrival of the given kind (shared.KindImage or
// shared.KindCSV).
func (d *Debouncer) Enqueue(kind, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	switch kind {
	case shared.KindImage:
		d.images = append(d.images, path)
	case shared.KindCSV:
		d.csvs = append(d.csvs, path)
	default:
		return
	}
	metrics.WatcherEvents.WithLabelValues(kind).Inc()

	if d.state == stateIdle {
		d.armLocked()
	}
}

func (d *Debouncer) armLocked() {
	d.state = stateQueuing
	d.timer = time.AfterFunc(d.window, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.stopped || d.state != stateQueuing {
		d.mu.Unlock()
		return
	}

	var b Batch
	if n := len(d.images); n > 0 {
		b.Image = d.images[n-1]
		b.Dropped += n - 1
	}
	if n := len(d.csvs); n > 0 {
		b.CSV = d.csvs[n-1]
		b.Dropped += n - 1
	}
	d.images, d.csvs = nil, nil
	d.state = stateFlushing
	d.running.Add(1)
	d.mu.Unlock()

	defer d.running.Done()

	metrics.WatcherFlushes.Inc()
	if b.Dropped > 0 {
		metrics.WatcherDropped.Add(float64(b.Dropped))
	}
	if !b.Empty() {
		d.flush(d.ctx, b)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		d.state = stateIdle
		return
	}
	if len(d.images)+len(d.csvs) > 0 {
		d.armLocked()
		return
	}
	d.state = stateIdle
}

// Stop discards queued arrivals and waits for an in-flight flush.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.images, d.csvs = nil, nil
	d.mu.Unlock()

	d.running.Wait()
}

func (d *Debouncer) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.String()
}
