package usecase

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/aeropartners/aeropartners/internal/domain"
)

// sagaRepoStub is an in-memory SagaRepository that also captures every outbox
// row written alongside a saga transition, in order.
type sagaRepoStub struct {
	mu     sync.Mutex
	sagas  map[string]*domain.Saga
	outbox []*domain.OutboxRow

	updateErr error
}

func newSagaRepoStub() *sagaRepoStub {
	return &sagaRepoStub{sagas: map[string]*domain.Saga{}}
}

func (r *sagaRepoStub) Create(_ domain.Context, sg *domain.Saga, rows []*domain.OutboxRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sg.Version = 1
	r.sagas[sg.ID] = sg
	r.outbox = append(r.outbox, rows...)
	return nil
}

func (r *sagaRepoStub) Get(_ domain.Context, id string) (*domain.Saga, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sg, ok := r.sagas[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return sg, nil
}

func (r *sagaRepoStub) Update(_ domain.Context, sg *domain.Saga, rows []*domain.OutboxRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	sg.Version++
	r.sagas[sg.ID] = sg
	r.outbox = append(r.outbox, rows...)
	return nil
}

func (r *sagaRepoStub) List(_ domain.Context, f domain.SagaListFilter) ([]*domain.Saga, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Saga
	for _, sg := range r.sagas {
		if f.State != "" && sg.State != f.State {
			continue
		}
		out = append(out, sg)
	}
	return out, nil
}

func (r *sagaRepoStub) ListExpired(_ domain.Context, now time.Time) ([]*domain.Saga, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Saga
	for _, sg := range r.sagas {
		if !sg.State.IsTerminal() && sg.Expired(now) {
			out = append(out, sg)
		}
	}
	return out, nil
}

func (r *sagaRepoStub) FindByPaymentID(_ domain.Context, paymentID string) (*domain.Saga, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sg := range r.sagas {
		for _, st := range sg.Steps {
			if st.Kind != domain.StepProcessPayment || len(st.Result) == 0 {
				continue
			}
			var res map[string]any
			if err := json.Unmarshal(st.Result, &res); err != nil {
				continue
			}
			if id, ok := res["id_pago"].(string); ok && id == paymentID {
				return sg, nil
			}
		}
	}
	return nil, domain.ErrNotFound
}

func (r *sagaRepoStub) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sagas, id)
	return nil
}

func (r *sagaRepoStub) DeleteEndedBefore(domain.Context, time.Time) (int64, error) {
	return 0, nil
}

// eventTypes returns the event_type of every captured outbox row, in order.
func (r *sagaRepoStub) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, row := range r.outbox {
		out = append(out, row.EventKind)
	}
	return out
}

type inboxStub struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newInboxStub() *inboxStub { return &inboxStub{seen: map[string]bool{}} }

func (i *inboxStub) Seen(_ domain.Context, consumer, eventID string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.seen[consumer+"/"+eventID], nil
}

func (i *inboxStub) SeenOrMark(_ domain.Context, row *domain.InboxRow) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	key := row.Consumer + "/" + row.EventID
	if i.seen[key] {
		return true, nil
	}
	i.seen[key] = true
	return false, nil
}

// participantStub scripts one participant's behavior per call.
type participantStub struct {
	executeOut  domain.StepOutcome
	executeErr  error
	execCalls   int
	compResult  json.RawMessage
	compErr     error
	compCalls   int
	compInputs  []json.RawMessage
}

func (p *participantStub) Execute(domain.Context, *domain.Saga, *domain.Step) (domain.StepOutcome, error) {
	p.execCalls++
	return p.executeOut, p.executeErr
}

func (p *participantStub) Compensate(_ domain.Context, _ *domain.Saga, c *domain.Compensation) (json.RawMessage, error) {
	p.compCalls++
	p.compInputs = append(p.compInputs, c.Input)
	if p.compErr != nil {
		return nil, p.compErr
	}
	if p.compResult != nil {
		return p.compResult, nil
	}
	return json.RawMessage(`{"ok":true}`), nil
}

type trackingRepoStub struct {
	mu     sync.Mutex
	events map[string]*domain.TrackingEvent
}

func newTrackingRepoStub() *trackingRepoStub {
	return &trackingRepoStub{events: map[string]*domain.TrackingEvent{}}
}

func (r *trackingRepoStub) Save(_ domain.Context, ev *domain.TrackingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[ev.ID] = ev
	return nil
}

func (r *trackingRepoStub) Get(_ domain.Context, id string) (*domain.TrackingEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return ev, nil
}

func (r *trackingRepoStub) Update(_ domain.Context, ev *domain.TrackingEvent) error {
	return r.Save(nil, ev)
}

type directoryStub struct {
	affiliates map[string]*domain.Affiliate
}

func (d *directoryStub) Get(_ domain.Context, id string) (*domain.Affiliate, error) {
	if a, ok := d.affiliates[id]; ok {
		return a, nil
	}
	return nil, domain.ErrNotFound
}

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemDedup() *memDedup { return &memDedup{seen: map[string]bool{}} }

func (d *memDedup) Seen(_ domain.Context, fp string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[fp], nil
}

func (d *memDedup) Add(_ domain.Context, fp string, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[fp] = true
	return nil
}

type memRate struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newMemRate() *memRate { return &memRate{counts: map[string]int64{}} }

func (r *memRate) Incr(_ domain.Context, bucket string, _ time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[bucket]++
	return r.counts[bucket], nil
}

func (r *memRate) Count(_ domain.Context, bucket string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[bucket], nil
}

type collectorBusStub struct {
	mu        sync.Mutex
	topics    []string
	keys      []string
	payloads  [][]byte
	publishErr error
}

func (b *collectorBusStub) Publish(_ domain.Context, topic, key string, payload []byte, _ map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.topics = append(b.topics, topic)
	b.keys = append(b.keys, key)
	b.payloads = append(b.payloads, payload)
	return nil
}

type configRepoStub struct {
	mu      sync.Mutex
	active  *domain.DataServiceConfig
	history []*domain.DataServiceConfig
}

func (r *configRepoStub) Activate(_ domain.Context, cfg *domain.DataServiceConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		prev := *r.active
		prev.Active = false
		r.history = append([]*domain.DataServiceConfig{&prev}, r.history...)
	}
	cfg.Version = int64(len(r.history)) + 1
	r.active = cfg
	return nil
}

func (r *configRepoStub) Active(domain.Context) (*domain.DataServiceConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, domain.ErrNotFound
	}
	return r.active, nil
}

func (r *configRepoStub) History(domain.Context, int) ([]*domain.DataServiceConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*domain.DataServiceConfig{}
	if r.active != nil {
		out = append(out, r.active)
	}
	return append(out, r.history...), nil
}

func containsEvent(types []string, want string) bool {
	for _, t := range types {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}
