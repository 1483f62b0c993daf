// Package connectivity turns raw network signals into a debounced stream
// of online/offline transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/clock"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/logging"
)

// Event is one settled transition.
type Event struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Prober checks whether the remote service is reachable.
type Prober interface {
	Health(ctx context.Context) error
}

// Options tunes the monitor.
type Options struct {
	// Debounce is how long a raw state must hold before it is reported.
	Debounce time.Duration
	// ProbeInterval is the delay between health probes. Zero disables probing.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// DefaultOptions returns the monitor defaults.
func DefaultOptions() Options {
	return Options{
		Debounce:      2 * time.Second,
		ProbeInterval: 15 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// Monitor debounces platform reports and probe results. The device is
// assumed offline until a signal says otherwise.
type Monitor struct {
	clock  clock.Clock
	prober Prober
	opts   Options

	mu      sync.Mutex
	raw     bool
	stable  bool
	since   time.Time
	pending *clock.Timer
	gen     int
	closed  bool
	events  chan Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor. prober may be nil when only platform
// reports are used.
func NewMonitor(clk clock.Clock, prober Prober, opts Options) *Monitor {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultOptions().ProbeTimeout
	}
	return &Monitor{
		clock:  clk,
		prober: prober,
		opts:   opts,
		since:  clk.Now(),
		events: make(chan Event, 1),
	}
}

// Events returns the transition stream. It has a single consumer. A
// consumer that falls behind never sees two events that cancel out.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Online returns the last settled state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stable
}

// Since returns when the settled state last changed.
func (m *Monitor) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// Report feeds a raw observation. A change is only emitted once it has
// held for the debounce window; a flap back cancels it.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	m.raw = online
	if online == m.stable {
		if m.pending != nil {
			m.pending.Stop()
			m.pending = nil
			m.gen++
			logging.Debug("Connectivity flap suppressed", map[string]interface{}{"online": online})
		}
		return
	}
	if m.pending != nil {
		return
	}
	if m.opts.Debounce <= 0 {
		m.settleLocked()
		return
	}

	m.gen++
	gen := m.gen
	m.pending = m.clock.AfterFunc(m.opts.Debounce, func() { m.settle(gen) })
}

func (m *Monitor) settle(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closed {
		return
	}
	m.pending = nil
	m.settleLocked()
}

func (m *Monitor) settleLocked() {
	if m.raw == m.stable {
		return
	}
	m.stable = m.raw
	m.since = m.clock.Now()
	ev := Event{Online: m.stable, At: m.since.UTC()}

	logging.Info("Connectivity changed", map[string]interface{}{"online": ev.Online})

	// Only this method sends, always under mu, so a failed send means the
	// buffer holds the opposite transition. Both are dropped: the consumer
	// already believes the current state.
	select {
	case m.events <- ev:
	default:
		select {
		case <-m.events:
		default:
			m.events <- ev
		}
	}
}

// =====================================================
// Probing
// =====================================================

// Start begins probing the remote, immediately and then every
// ProbeInterval, until ctx ends or Close is called.
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil || m.opts.ProbeInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.probeLoop(ctx)
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe runs one health check and reports its outcome.
func (m *Monitor) Probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	err := m.prober.Health(pctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		logging.Debug("Health probe failed", map[string]interface{}{"error": err.Error()})
	}
	m.Report(err == nil)
}

// Close stops probing and pending timers. No events are sent afterwards.
func (m *Monitor) Close() {
	m.mu.Lock()
	cancel := m.cancel
	m.closed = true
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
