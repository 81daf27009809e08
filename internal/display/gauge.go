// Package display turns aggregator state into gauge fill levels, a capacity
// notice and a summary panel.
package display

import (
	"sync"
	"time"
)

// DefaultNoticeDelay is how long the capacity notice stays up
const DefaultNoticeDelay = 5 * time.Second

// FillPercent returns min(value/max*100, 100), or 0 when max is not positive.
func FillPercent(value, max float64) float64 {
	if max <= 0 || value <= 0 {
		return 0
	}
	p := value / max * 100
	if p > 100 {
		return 100
	}
	return p
}

// Timer is the subset of *time.Timer the gauge needs
type Timer interface {
	Stop() bool
}

// AfterFunc schedules fn after d. It matches time.AfterFunc.
type AfterFunc func(d time.Duration, fn func()) Timer

func realAfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Gauge tracks one bounded fill level. The capacity notice is raised the
// first time the level reaches 100%, dismissed after the notice delay, and
// armed again once the level drops below 100%.
type Gauge struct {
	Name string
	Unit string
	Max  float64

	delay     time.Duration
	afterFunc AfterFunc

	mu      sync.Mutex
	value   float64
	percent float64
	full    bool
	notice  bool
	timer   Timer
	gen     int

	onDismiss func()
}

// NewGauge creates a gauge. A nil afterFunc uses time.AfterFunc.
func NewGauge(name, unit string, max float64, delay time.Duration, afterFunc AfterFunc) *Gauge {
	if delay <= 0 {
		delay = DefaultNoticeDelay
	}
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	return &Gauge{
		Name:      name,
		Unit:      unit,
		Max:       max,
		delay:     delay,
		afterFunc: afterFunc,
	}
}

// Update sets the gauge value. It reports whether this update raised the
// capacity notice.
func (g *Gauge) Update(value float64) (raised bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.value = value
	g.percent = FillPercent(value, g.Max)

	switch {
	case g.percent >= 100 && !g.full:
		g.full = true
		g.notice = true
		if g.timer != nil {
			g.timer.Stop()
		}
		g.gen++
		gen := g.gen
		g.timer = g.afterFunc(g.delay, func() { g.dismiss(gen) })
		return true
	case g.percent < 100 && g.full:
		g.full = false
		g.clearNoticeLocked()
	}
	return false
}

// OnDismiss registers fn to run after the notice delay clears the notice.
// It must be called before the gauge is updated.
func (g *Gauge) OnDismiss(fn func()) {
	g.onDismiss = fn
}

// dismiss ignores timers from an earlier notice
func (g *Gauge) dismiss(gen int) {
	g.mu.Lock()
	if gen != g.gen || !g.notice {
		g.mu.Unlock()
		return
	}
	g.notice = false
	g.timer = nil
	g.mu.Unlock()

	if g.onDismiss != nil {
		g.onDismiss()
	}
}

func (g *Gauge) clearNoticeLocked() {
	g.notice = false
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// Stop cancels a pending notice dismissal.
func (g *Gauge) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearNoticeLocked()
}

// GaugeView is a point-in-time reading of a gauge
type GaugeView struct {
	Name          string  `json:"name"`
	Unit          string  `json:"unit"`
	Value         float64 `json:"value"`
	Max           float64 `json:"max"`
	Percent       float64 `json:"percent"`
	CapacityAlert bool    `json:"capacityAlert"`
}

// View returns the current reading.
func (g *Gauge) View() GaugeView {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GaugeView{
		Name:          g.Name,
		Unit:          g.Unit,
		Value:         g.value,
		Max:           g.Max,
		Percent:       g.percent,
		CapacityAlert: g.notice,
	}
}
