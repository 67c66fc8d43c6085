package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/msageha/orbit/internal/model"
)

// Result is the outcome of one health probe.
type Result struct {
	Status  model.HealthStatus `json:"status"`
	Latency time.Duration      `json:"latency"`
	Reason  string             `json:"reason,omitempty"`
}

// Prober checks one service. Implementations must return when ctx is done.
type Prober interface {
	Probe(ctx context.Context) Result
}

type ProbeFunc func(ctx context.Context) Result

func (f ProbeFunc) Probe(ctx context.Context) Result { return f(ctx) }

// Static returns a prober that always reports status.
func Static(status model.HealthStatus, reason string) Prober {
	return ProbeFunc(func(context.Context) Result { return Result{Status: status, Reason: reason} })
}

// TCPProbe is healthy when target accepts a connection.
type TCPProbe struct {
	Target string
}

func (p TCPProbe) Probe(ctx context.Context) Result {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Target)
	if err != nil {
		return Result{Status: model.HealthUnhealthy, Reason: err.Error()}
	}
	_ = conn.Close()
	return Result{Status: model.HealthHealthy}
}

// HTTPProbe maps the response class of a GET on URL: 2xx healthy, 5xx unhealthy, anything else degraded.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p HTTPProbe) Probe(ctx context.Context) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Result{Status: model.HealthUnhealthy, Reason: err.Error()}
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Status: model.HealthUnhealthy, Reason: err.Error()}
	}
	_ = resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{Status: model.HealthHealthy}
	case resp.StatusCode >= 500:
		return Result{Status: model.HealthUnhealthy, Reason: fmt.Sprintf("http %d", resp.StatusCode)}
	default:
		return Result{Status: model.HealthDegraded, Reason: fmt.Sprintf("http %d", resp.StatusCode)}
	}
}

// proberFromSpec builds the probe declared in a unit file, or nil for none.
func proberFromSpec(spec model.ProbeSpec) Prober {
	switch spec.Kind {
	case model.ProbeTCP:
		return TCPProbe{Target: spec.Target}
	case model.ProbeHTTP:
		return HTTPProbe{URL: spec.Target}
	}
	return nil
}

// Sample is one recorded probe result.
type Sample struct {
	At time.Time `json:"at"`
	Result
}

// window is a fixed-size ring of recent samples.
type window struct {
	size    int
	samples []Sample
}

func newWindow(size int) *window {
	if size <= 0 {
		size = 32
	}
	return &window{size: size}
}

func (w *window) add(s Sample) {
	if len(w.samples) == w.size {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:w.size-1]
	}
	w.samples = append(w.samples, s)
}

func (w *window) reset() { w.samples = nil }

func (w *window) len() int { return len(w.samples) }

// lastAll reports whether the last k samples all have status.
func (w *window) lastAll(k int, status model.HealthStatus) bool {
	if k <= 0 || len(w.samples) < k {
		return false
	}
	for _, s := range w.samples[len(w.samples)-k:] {
		if s.Status != status {
			return false
		}
	}
	return true
}

func (w *window) statuses() []model.HealthStatus {
	out := make([]model.HealthStatus, len(w.samples))
	for i, s := range w.samples {
		out[i] = s.Status
	}
	return out
}

func (w *window) snapshot() []Sample {
	return append([]Sample(nil), w.samples...)
}

var statusPoints = map[model.HealthStatus]float64{
	model.HealthHealthy:   100,
	model.HealthDegraded:  50,
	model.HealthUnhealthy: 0,
}

// score is a linearly weighted average of the window, the newest sample weighing most.
func (w *window) score() (float64, model.HealthStatus) {
	var sum, weights float64
	for i, s := range w.samples {
		p, ok := statusPoints[s.Status]
		if !ok {
			continue
		}
		weight := float64(i + 1)
		sum += p * weight
		weights += weight
	}
	if weights == 0 {
		return 0, model.HealthUnknown
	}
	score := sum / weights
	switch {
	case score >= 75:
		return score, model.HealthHealthy
	case score >= 40:
		return score, model.HealthDegraded
	default:
		return score, model.HealthUnhealthy
	}
}
