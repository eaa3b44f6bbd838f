package stream

import (
	"sync"
	"time"

	"github.com/untoldecay/ChangeFlow/internal/types"
)

// Band is the discrete backpressure level that governs chunk pacing.
type Band int

const (
	BandNone Band = iota
	BandLight
	BandModerate
	BandHeavy
	BandCritical
)

func (b Band) String() string {
	switch b {
	case BandLight:
		return "LIGHT"
	case BandModerate:
		return "MODERATE"
	case BandHeavy:
		return "HEAVY"
	case BandCritical:
		return "CRITICAL"
	default:
		return "NONE"
	}
}

// Score composition. Heap contributes up to 40 points, stream concurrency
// and chunk processing time up to 30 each.
const (
	heapWeight      = 40
	streamWeight    = 30
	chunkTimeWeight = 30

	// streamSaturation is the active-stream count at which the concurrency
	// factor maxes out.
	streamSaturation = 5

	// chunkTimeBudget is the per-chunk processing time that maxes out the
	// timing factor.
	chunkTimeBudget = 200 * time.Millisecond

	// chunkWindow is how many recent chunk timings feed the average.
	chunkWindow = 5
)

// Band thresholds on the 0-100 score.
const (
	lightAt    = 20
	moderateAt = 40
	heavyAt    = 60
	criticalAt = 80
)

// criticalSignalDebounce spaces out emergency-cleanup signals.
const criticalSignalDebounce = 5 * time.Second

// pressureSource abstracts the monitor so the controller is testable with
// synthetic snapshots.
type pressureSource interface {
	Current() Snapshot
}

// Controller converts heap pressure, stream concurrency, and chunk timing
// into admission and pacing decisions.
type Controller struct {
	source     pressureSource
	onCritical func()

	mu           sync.Mutex
	active       int
	chunkTimes   [chunkWindow]time.Duration
	chunkIdx     int
	chunkCount   int
	lastCritical time.Time
}

// NewController builds a controller over a pressure source.
func NewController(source pressureSource) *Controller {
	return &Controller{source: source}
}

// SetCriticalHook registers the emergency-cleanup signal raised when a
// stream hits the CRITICAL band.
func (c *Controller) SetCriticalHook(fn func()) {
	c.onCritical = fn
}

// Level returns the monitor's current pressure level.
func (c *Controller) Level() PressureLevel {
	return c.source.Current().Level
}

// Score computes the 0-100 backpressure score.
func (c *Controller) Score() int {
	snap := c.source.Current()
	heapFactor := int(snap.HeapPercent * heapWeight / 100)
	if heapFactor > heapWeight {
		heapFactor = heapWeight
	}

	c.mu.Lock()
	active := c.active
	avg := c.averageChunkTimeLocked()
	c.mu.Unlock()

	streamFactor := active * streamWeight / streamSaturation
	if streamFactor > streamWeight {
		streamFactor = streamWeight
	}

	timeFactor := 0
	if avg > 0 {
		timeFactor = int(float64(avg) / float64(chunkTimeBudget) * chunkTimeWeight)
		if timeFactor > chunkTimeWeight {
			timeFactor = chunkTimeWeight
		}
	}

	return heapFactor + streamFactor + timeFactor
}

func (c *Controller) averageChunkTimeLocked() time.Duration {
	if c.chunkCount == 0 {
		return 0
	}
	n := c.chunkCount
	if n > chunkWindow {
		n = chunkWindow
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		total += c.chunkTimes[i]
	}
	return total / time.Duration(n)
}

// BandForScore maps a score to its band.
func BandForScore(score int) Band {
	switch {
	case score >= criticalAt:
		return BandCritical
	case score >= heavyAt:
		return BandHeavy
	case score >= moderateAt:
		return BandModerate
	case score >= lightAt:
		return BandLight
	default:
		return BandNone
	}
}

// CurrentBand evaluates the score and maps it.
func (c *Controller) CurrentBand() Band {
	return BandForScore(c.Score())
}

// Delay returns the inter-chunk pause for the current band, interpolated
// linearly within the band's range.
func (c *Controller) Delay() time.Duration {
	score := c.Score()
	switch BandForScore(score) {
	case BandLight: // 20-39 maps to 10-30ms
		return lerpDelay(score, lightAt, moderateAt-1, 10, 30)
	case BandModerate: // 40-59 maps to 50-100ms
		return lerpDelay(score, moderateAt, heavyAt-1, 50, 100)
	case BandHeavy: // 60-79 maps to 100-200ms
		return lerpDelay(score, heavyAt, criticalAt-1, 100, 200)
	default:
		return 0
	}
}

func lerpDelay(score, lo, hi, minMS, maxMS int) time.Duration {
	if hi <= lo {
		return time.Duration(minMS) * time.Millisecond
	}
	ms := minMS + (score-lo)*(maxMS-minMS)/(hi-lo)
	return time.Duration(ms) * time.Millisecond
}

// StreamStarted admits a new stream. HEAVY allows a single concurrent
// stream; CRITICAL suspends streaming entirely and raises the
// emergency-cleanup signal.
func (c *Controller) StreamStarted() error {
	band := c.CurrentBand()
	switch band {
	case BandCritical:
		c.signalCritical()
		return types.NewError(types.CodeStreamPressure, "streaming suspended under critical memory pressure").
			WithHint("retry after the server sheds load").
			WithRetryAfter(5)
	case BandHeavy:
		c.mu.Lock()
		if c.active >= 1 {
			c.mu.Unlock()
			return types.NewError(types.CodeStreamPressure, "stream slots exhausted under heavy backpressure").
				WithHint("retry shortly; one stream at a time is allowed under heavy load").
				WithRetryAfter(2)
		}
		c.active++
		c.mu.Unlock()
		return nil
	default:
		c.mu.Lock()
		c.active++
		c.mu.Unlock()
		return nil
	}
}

// StreamEnded releases an admission slot.
func (c *Controller) StreamEnded() {
	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	c.mu.Unlock()
}

// ActiveStreams returns the live stream count.
func (c *Controller) ActiveStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// RecordChunkTime feeds one chunk's processing time into the rolling window.
func (c *Controller) RecordChunkTime(d time.Duration) {
	c.mu.Lock()
	c.chunkTimes[c.chunkIdx] = d
	c.chunkIdx = (c.chunkIdx + 1) % chunkWindow
	c.chunkCount++
	c.mu.Unlock()
}

func (c *Controller) signalCritical() {
	c.mu.Lock()
	fire := c.onCritical != nil && time.Since(c.lastCritical) > criticalSignalDebounce
	if fire {
		c.lastCritical = time.Now()
	}
	c.mu.Unlock()
	if fire {
		c.onCritical()
	}
}
