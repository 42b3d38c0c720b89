package media

import (
	"io"
	"maps"
	"sync"
	"time"

	"github.com/1ureka/meshcall/internal/util"
)

// Voice-activity defaults.
const (
	DefaultVADThreshold = 0.045
	DefaultVADInterval  = 16 * time.Millisecond
	DefaultFFTSize      = 512
)

// VADOptions tunes a Monitor. Zero fields take the defaults above.
type VADOptions struct {
	Threshold float64
	Interval  time.Duration
	FFTSize   int
}

func (o VADOptions) withDefaults() VADOptions {
	if o.Threshold <= 0 {
		o.Threshold = DefaultVADThreshold
	}
	if o.Interval <= 0 {
		o.Interval = DefaultVADInterval
	}
	if o.FFTSize <= 0 {
		o.FFTSize = DefaultFFTSize
	}
	return o
}

// Monitor runs one detector per participant and keeps the speaking
// registry. Callbacks run on detector goroutines.
type Monitor struct {
	opts VADOptions
	log  util.Scope

	mu        sync.Mutex
	detectors map[string]*detector
	speaking  map[string]bool
	onChange  func(id string, speaking bool)
	onEnded   func(id string)
}

type detector struct {
	id   string
	stop chan struct{}
	once sync.Once
}

func (d *detector) halt() { d.once.Do(func() { close(d.stop) }) }

// NewMonitor returns an idle monitor.
func NewMonitor(opts VADOptions) *Monitor {
	return &Monitor{
		opts:      opts.withDefaults(),
		log:       util.Scoped("vad"),
		detectors: make(map[string]*detector),
		speaking:  make(map[string]bool),
	}
}

// OnChange sets the callback for speaking transitions.
func (m *Monitor) OnChange(fn func(id string, speaking bool)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// OnEnded sets the callback that runs when a detector's source ends on
// its own. It does not run for Stop or StopAll.
func (m *Monitor) OnEnded(fn func(id string)) {
	m.mu.Lock()
	m.onEnded = fn
	m.mu.Unlock()
}

// Start begins detection for id, replacing any detector already running
// for it. A source that implements io.Closer is closed when its detector
// is stopped or replaced.
func (m *Monitor) Start(id string, src SampleSource) {
	d := &detector{id: id, stop: make(chan struct{})}

	m.mu.Lock()
	prev := m.detectors[id]
	m.detectors[id] = d
	m.mu.Unlock()
	if prev != nil {
		prev.halt()
	}

	a := NewAnalyzer(m.opts.FFTSize)
	eof := make(chan struct{})
	go func() {
		defer close(eof)
		for {
			pcm, err := src.ReadPCM()
			if err != nil {
				return
			}
			select {
			case <-d.stop:
				return
			default:
			}
			a.Write(pcm)
		}
	}()

	go m.run(d, src, a, eof)
}

func (m *Monitor) run(d *detector, src SampleSource, a *Analyzer, eof <-chan struct{}) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			if c, ok := src.(io.Closer); ok {
				c.Close()
			}
			m.retire(d, false)
			return
		case <-eof:
			m.log.Debug("source for %s ended", d.id)
			m.retire(d, true)
			return
		case <-ticker.C:
			m.set(d, a.Level() > m.opts.Threshold)
		}
	}
}

// set records a reading for d, ignoring detectors that were replaced.
func (m *Monitor) set(d *detector, on bool) {
	m.mu.Lock()
	if m.detectors[d.id] != d {
		m.mu.Unlock()
		return
	}
	prev, known := m.speaking[d.id]
	m.speaking[d.id] = on
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil && (!known || prev != on) {
		fn(d.id, on)
	}
}

// retire removes d's registry entries if it is still the current detector.
func (m *Monitor) retire(d *detector, ended bool) {
	m.mu.Lock()
	if m.detectors[d.id] != d {
		m.mu.Unlock()
		return
	}
	delete(m.detectors, d.id)
	was := m.speaking[d.id]
	delete(m.speaking, d.id)
	change, end := m.onChange, m.onEnded
	m.mu.Unlock()

	if was && change != nil {
		change(d.id, false)
	}
	if ended && end != nil {
		end(d.id)
	}
}

// Stop tears down the detector for id and clears its speaking entry.
func (m *Monitor) Stop(id string) {
	m.mu.Lock()
	d := m.detectors[id]
	delete(m.detectors, id)
	delete(m.speaking, id)
	m.mu.Unlock()
	if d != nil {
		d.halt()
	}
}

// StopAll tears down every detector.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	ds := m.detectors
	m.detectors = make(map[string]*detector)
	clear(m.speaking)
	m.mu.Unlock()
	for _, d := range ds {
		d.halt()
	}
}

// Speaking returns a copy of the speaking registry.
func (m *Monitor) Speaking() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.speaking)
}

// Len returns the number of running detectors.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.detectors)
}
