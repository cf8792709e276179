// Package anomaly monitors engine signals for statistical outliers.
package anomaly

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/veloxtrade/riskcore/errs"
	"github.com/veloxtrade/riskcore/internal/schema"
)

// Kind names a monitored signal stream.
type Kind string

const (
	// KindPrice monitors mark prices per symbol.
	KindPrice Kind = "price"
	// KindPnL monitors realized+unrealized P&L.
	KindPnL Kind = "pnl"
	// KindLatency monitors observed feed or venue latency in milliseconds.
	KindLatency Kind = "latency"
)

// Signal is one observation of a monitored stream.
type Signal struct {
	Kind      Kind
	Key       string // e.g. symbol; empty for global streams
	Value     float64
	Timestamp time.Time
}

// Config tunes the detector.
type Config struct {
	// ZScoreThreshold flags observations this many standard deviations from
	// the rolling mean.
	ZScoreThreshold float64 `yaml:"zScoreThreshold"`

	// WindowSize is the number of observations kept per stream.
	WindowSize int `yaml:"windowSize"`

	// MinSamples suppresses flagging until a stream has this many samples.
	MinSamples int `yaml:"minSamples"`

	// ClockDriftTolerance flags observations whose timestamp deviates from
	// the local clock by more than this duration.
	ClockDriftTolerance time.Duration `yaml:"clockDriftTolerance"`
}

// DefaultConfig returns the standard detector tuning.
func DefaultConfig() Config {
	return Config{
		ZScoreThreshold:     3.0,
		WindowSize:          256,
		MinSamples:          30,
		ClockDriftTolerance: 5 * time.Second,
	}
}

// Validate checks the configuration at load time.
func (c Config) Validate() error {
	if c.ZScoreThreshold <= 0 {
		return errs.New("anomaly", errs.CodeValidation, errs.WithMessage("zScoreThreshold must be positive"))
	}
	if c.WindowSize < 2 {
		return errs.New("anomaly", errs.CodeValidation, errs.WithMessage("windowSize must be at least 2"))
	}
	if c.MinSamples < 2 || c.MinSamples > c.WindowSize {
		return errs.New("anomaly", errs.CodeValidation, errs.WithMessage("minSamples must be in [2, windowSize]"))
	}
	if c.ClockDriftTolerance <= 0 {
		return errs.New("anomaly", errs.CodeValidation, errs.WithMessage("clockDriftTolerance must be positive"))
	}
	return nil
}

// window is a fixed-size ring of observations with running sums.
type window struct {
	values []float64
	next   int
	filled bool
	sum    float64
	sumSq  float64
}

func newWindow(size int) *window {
	return &window{values: make([]float64, size)}
}

func (w *window) push(v float64) {
	if w.filled {
		old := w.values[w.next]
		w.sum -= old
		w.sumSq -= old * old
	}
	w.values[w.next] = v
	w.sum += v
	w.sumSq += v * v
	w.next++
	if w.next == len(w.values) {
		w.next = 0
		w.filled = true
	}
}

func (w *window) count() int {
	if w.filled {
		return len(w.values)
	}
	return w.next
}

func (w *window) meanStddev() (float64, float64) {
	n := float64(w.count())
	if n < 2 {
		return w.sum / math.Max(n, 1), 0
	}
	mean := w.sum / n
	variance := (w.sumSq - n*mean*mean) / (n - 1)
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// Detector keeps rolling statistics per signal stream and flags outliers.
// Safe for concurrent use.
type Detector struct {
	cfg   Config
	clock func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewDetector constructs a detector.
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{
		cfg:     cfg,
		clock:   time.Now,
		windows: make(map[string]*window),
	}, nil
}

// WithClock overrides the internal clock, primarily for testing.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	if clock != nil {
		d.clock = clock
	}
	return d
}

// Observe records the signal and returns a non-nil event when it is
// anomalous. Clock drift is checked before the z-score so a skewed sample
// never poisons the rolling statistics.
func (d *Detector) Observe(signal Signal) *schema.AnomalyEvent {
	now := d.clock()
	if !signal.Timestamp.IsZero() {
		drift := now.Sub(signal.Timestamp)
		if drift < 0 {
			drift = -drift
		}
		if drift > d.cfg.ClockDriftTolerance {
			return &schema.AnomalyEvent{
				Type:      schema.AnomalyClockDrift,
				Signal:    d.streamKey(signal),
				Magnitude: drift.Seconds(),
				AutoPause: true,
				Detail:    "signal timestamp outside tolerance",
				Timestamp: now,
			}
		}
	}

	key := d.streamKey(signal)
	d.mu.Lock()
	w, ok := d.windows[key]
	if !ok {
		w = newWindow(d.cfg.WindowSize)
		d.windows[key] = w
	}
	mean, stddev := w.meanStddev()
	samples := w.count()
	w.push(signal.Value)
	d.mu.Unlock()

	if samples < d.cfg.MinSamples || stddev == 0 {
		return nil
	}
	z := (signal.Value - mean) / stddev
	if math.Abs(z) <= d.cfg.ZScoreThreshold {
		return nil
	}

	eventType := schema.AnomalyPriceSpike
	if signal.Kind == KindPnL {
		eventType = schema.AnomalyPnLSpike
	}
	return &schema.AnomalyEvent{
		Type:      eventType,
		Signal:    key,
		Magnitude: z,
		AutoPause: true,
		Timestamp: now,
	}
}

func (d *Detector) streamKey(signal Signal) string {
	key := string(signal.Kind)
	if s := strings.TrimSpace(signal.Key); s != "" {
		key += ":" + s
	}
	return key
}
