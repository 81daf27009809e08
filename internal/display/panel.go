package display

import (
	"sync"
	"time"

	"github.com/goodtune/greengpt/internal/impact"
)

// Thresholds are the display maxima.
type Thresholds struct {
	MaxWaterDisplay           float64
	MaxCO2Display             float64
	HighTokenWarningThreshold int64
	NoticeDelay               time.Duration
}

// DefaultThresholds match the configuration defaults.
var DefaultThresholds = Thresholds{
	MaxWaterDisplay:           10,
	MaxCO2Display:             2000,
	HighTokenWarningThreshold: DefaultHighTokenWarning,
	NoticeDelay:               DefaultNoticeDelay,
}

// View is everything a front end needs to draw the impact widgets.
type View struct {
	Water   GaugeView `json:"water"`
	CO2     GaugeView `json:"co2"`
	Summary Summary   `json:"summary"`
	Version uint64    `json:"version"`
}

// Source is what a Panel reads from; *impact.Aggregator satisfies it.
type Source interface {
	Snapshot() impact.Snapshot
	Subscribe(fn func(impact.Snapshot)) (unsubscribe func())
}

// Panel keeps water and CO2 gauges in step with a Source.
type Panel struct {
	water     *Gauge
	co2       *Gauge
	threshold int64

	mu      sync.Mutex
	summary Summary
	version uint64

	unsubscribe func()
	listeners   []func(View)

	// pubMu orders listener calls; published is the last version sent
	pubMu     sync.Mutex
	published uint64
}

// NewPanel subscribes a panel to src. Close releases the subscription.
func NewPanel(src Source, t Thresholds, afterFunc AfterFunc) *Panel {
	p := &Panel{
		water:     NewGauge("water", "L", t.MaxWaterDisplay, t.NoticeDelay, afterFunc),
		co2:       NewGauge("co2", "g", t.MaxCO2Display, t.NoticeDelay, afterFunc),
		threshold: t.HighTokenWarningThreshold,
	}
	p.water.OnDismiss(p.publish)
	p.co2.OnDismiss(p.publish)
	p.apply(src.Snapshot())
	p.unsubscribe = src.Subscribe(p.apply)
	return p
}

// OnChange registers fn to receive every new view, including the one sent
// when a capacity notice is dismissed. Calls are serialized and never go
// back to an older version. It must be called before the panel is shared.
func (p *Panel) OnChange(fn func(View)) {
	p.listeners = append(p.listeners, fn)
}

func (p *Panel) apply(s impact.Snapshot) {
	p.mu.Lock()
	if s.Version < p.version {
		p.mu.Unlock()
		return
	}
	p.version = s.Version
	p.summary = Summarize(s.State, p.threshold)
	p.water.Update(s.WaterUsageLiters)
	p.co2.Update(s.CO2Grams)
	p.mu.Unlock()

	p.publish()
}

// publish sends the current view to the listeners. The view is read under
// pubMu so a slow caller cannot overwrite a newer view with its own.
func (p *Panel) publish() {
	p.pubMu.Lock()
	defer p.pubMu.Unlock()

	view := p.View()
	if view.Version < p.published {
		return
	}
	p.published = view.Version

	for _, fn := range p.listeners {
		fn(view)
	}
}

// View returns the current view.
func (p *Panel) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewLocked()
}

func (p *Panel) viewLocked() View {
	return View{
		Water:   p.water.View(),
		CO2:     p.co2.View(),
		Summary: p.summary,
		Version: p.version,
	}
}

// Close stops following the source.
func (p *Panel) Close() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	p.water.Stop()
	p.co2.Stop()
}
