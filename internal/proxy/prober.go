package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Prober polls both upstreams' health endpoint on a fixed interval and feeds
// the results into State. Probes run against both sides even when one is out
// of rotation, so /status always reflects reality.
type Prober struct {
	State      *State
	Client     *http.Client
	HealthPath string
	Interval   time.Duration
	Timeout    time.Duration
}

// NewProber wires a prober over the given state.
func NewProber(state *State, client *http.Client, healthPath string, interval, timeout time.Duration) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	if healthPath == "" {
		healthPath = "/health"
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Prober{State: state, Client: client, HealthPath: healthPath, Interval: interval, Timeout: timeout}
}

// Run probes until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	slog.Info("health prober started",
		slog.String("path", p.HealthPath),
		slog.Duration("interval", p.Interval))
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("health prober stopping")
			return ctx.Err()
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce checks both upstreams once. Base URLs are immutable after
// construction, so reading them without the state lock is safe.
func (p *Prober) ProbeOnce(ctx context.Context) {
	for _, u := range p.State.upstreams {
		ok := p.probe(ctx, u.base)
		p.State.Report(u.name, ok)
	}
}

func (p *Prober) probe(ctx context.Context, base *url.URL) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	target := *base
	target.Path = p.HealthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
