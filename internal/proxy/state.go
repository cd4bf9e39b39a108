// Package proxy implements the campaign service failover proxy: a reverse
// proxy in front of a primary/replica pair that switches sides only after a
// run of consecutive failures on the active upstream, in either direction.
package proxy

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/aeropartners/aeropartners/internal/adapter/observability"
)

// Upstream names.
const (
	UpstreamPrimary = "primary"
	UpstreamReplica = "replica"
)

// UpstreamStatus is the externally visible health of one upstream.
type UpstreamStatus struct {
	Name        string     `json:"nombre"`
	URL         string     `json:"url"`
	Healthy     bool       `json:"saludable"`
	Failures    int        `json:"fallos_consecutivos"`
	LastChecked *time.Time `json:"ultimo_chequeo,omitempty"`
}

// Status is the /status read model.
type Status struct {
	Active    string           `json:"upstream_activo"`
	Failovers int64            `json:"failovers"`
	Upstreams []UpstreamStatus `json:"upstreams"`
}

type upstream struct {
	name        string
	base        *url.URL
	healthy     bool
	failures    int
	lastChecked time.Time
}

// State tracks both upstreams and decides which one receives traffic. The
// switch rule has hysteresis on both edges: the active side must fail
// maxFailures times in a row AND the other side must currently look healthy.
// The rule is symmetric, so after a failover the replica has to degrade the
// same way before traffic moves back to a recovered primary; the primary
// merely coming back does not flip anything.
type State struct {
	mu          sync.RWMutex
	upstreams   [2]*upstream
	active      int
	maxFailures int
	failovers   int64
}

// NewState parses both upstream URLs. Both sides start out presumed healthy;
// the first probe cycle corrects that within one interval.
func NewState(primaryURL, replicaURL string, maxFailures int) (*State, error) {
	p, err := url.Parse(primaryURL)
	if err != nil || p.Host == "" {
		return nil, fmt.Errorf("op=proxy.state: invalid primary url %q", primaryURL)
	}
	r, err := url.Parse(replicaURL)
	if err != nil || r.Host == "" {
		return nil, fmt.Errorf("op=proxy.state: invalid replica url %q", replicaURL)
	}
	if maxFailures < 1 {
		maxFailures = 3
	}
	s := &State{
		upstreams: [2]*upstream{
			{name: UpstreamPrimary, base: p, healthy: true},
			{name: UpstreamReplica, base: r, healthy: true},
		},
		maxFailures: maxFailures,
	}
	for _, u := range s.upstreams {
		observability.ProxyUpstreamHealthy.WithLabelValues(u.name).Set(1)
	}
	return s, nil
}

// Active returns the name and base URL of the upstream currently serving
// traffic.
func (s *State) Active() (string, *url.URL) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u := s.upstreams[s.active]
	return u.name, u.base
}

// Report records one observation (probe result or forwarded-request outcome)
// for the named upstream and applies the failover rule.
func (s *State) Report(name string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.byName(name)
	if u == nil {
		return
	}
	u.lastChecked = time.Now().UTC()
	if ok {
		u.failures = 0
		if !u.healthy {
			slog.Info("upstream recovered", slog.String("upstream", u.name))
		}
		u.healthy = true
		observability.ProxyUpstreamHealthy.WithLabelValues(u.name).Set(1)
		return
	}

	u.failures++
	if u.failures >= s.maxFailures {
		u.healthy = false
		observability.ProxyUpstreamHealthy.WithLabelValues(u.name).Set(0)
	}

	activeU := s.upstreams[s.active]
	other := s.upstreams[1-s.active]
	if u == activeU && activeU.failures >= s.maxFailures && other.healthy {
		s.active = 1 - s.active
		s.failovers++
		observability.ProxyFailoversTotal.Inc()
		slog.Warn("failing over",
			slog.String("from", activeU.name),
			slog.String("to", other.name),
			slog.Int("consecutive_failures", activeU.failures))
	}
}

// Snapshot returns the current status for the /status endpoint.
func (s *State) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Active:    s.upstreams[s.active].name,
		Failovers: s.failovers,
	}
	for _, u := range s.upstreams {
		us := UpstreamStatus{
			Name:     u.name,
			URL:      u.base.String(),
			Healthy:  u.healthy,
			Failures: u.failures,
		}
		if !u.lastChecked.IsZero() {
			t := u.lastChecked
			us.LastChecked = &t
		}
		st.Upstreams = append(st.Upstreams, us)
	}
	return st
}

func (s *State) byName(name string) *upstream {
	for _, u := range s.upstreams {
		if u.name == name {
			return u
		}
	}
	return nil
}
