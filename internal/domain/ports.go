package domain

import (
	"encoding/json"
	"time"
)

// SagaListFilter narrows List queries. Zero values mean "no filter".
type SagaListFilter struct {
	State  SagaState
	Type   string
	Limit  int
	Offset int
}

// SagaRepository persists saga instances together with their steps and
// compensations. Create and Update also append outbox rows inside the same
// transaction, which is how state transitions and their announcements stay
// atomic. Update enforces optimistic concurrency on Saga.Version and returns
// ErrConflict on a stale write.
type SagaRepository interface {
	Create(ctx Context, sg *Saga, outbox []*OutboxRow) error
	Get(ctx Context, id string) (*Saga, error)
	Update(ctx Context, sg *Saga, outbox []*OutboxRow) error
	List(ctx Context, f SagaListFilter) ([]*Saga, error)
	// ListExpired returns non-terminal sagas whose timeout elapsed before now.
	ListExpired(ctx Context, now time.Time) ([]*Saga, error)
	// FindByPaymentID resolves the saga waiting on an async payment.
	FindByPaymentID(ctx Context, paymentID string) (*Saga, error)
	Delete(ctx Context, id string) error
	// DeleteEndedBefore removes terminal sagas older than cutoff, returning
	// the number of rows removed.
	DeleteEndedBefore(ctx Context, cutoff time.Time) (int64, error)
}

// OutboxRepository is the drainer's view of the outbox table.
type OutboxRepository interface {
	Add(ctx Context, rows ...*OutboxRow) error
	// Pending returns up to limit unprocessed rows ordered by creation time,
	// locked against concurrent drainers.
	Pending(ctx Context, limit int) ([]*OutboxRow, error)
	MarkProcessed(ctx Context, ids []string) error
	Stats(ctx Context) (OutboxStats, error)
}

// InboxRepository provides consumer-side idempotency. Handlers check Seen
// before doing work and claim the event with SeenOrMark only after the work
// committed, so a failed attempt never blocks its own redelivery. SeenOrMark
// atomically records (consumer, event id) and reports whether it already
// existed.
type InboxRepository interface {
	Seen(ctx Context, consumer, eventID string) (bool, error)
	SeenOrMark(ctx Context, row *InboxRow) (seen bool, err error)
}

// EventBus publishes envelopes to the broker. Per-key ordering within a topic
// and at-least-once delivery are the broker's guarantees; exactly-once is the
// consumer's job via InboxRepository.
type EventBus interface {
	Publish(ctx Context, topic, key string, payload []byte, properties map[string]string) error
}

// StepOutcome is what a participant reports for a forward step.
type StepOutcome struct {
	Result json.RawMessage
	// Pending means the participant accepted the work but will report the
	// final outcome later as a domain event (the payment path).
	Pending bool
}

// Participant executes one step kind against its owning service and undoes it
// on compensation. Implementations are HTTP adapters.
type Participant interface {
	Execute(ctx Context, sg *Saga, st *Step) (StepOutcome, error)
	Compensate(ctx Context, sg *Saga, c *Compensation) (json.RawMessage, error)
}

// DedupStore remembers tracking-event fingerprints for a TTL.
type DedupStore interface {
	Seen(ctx Context, fingerprint string) (bool, error)
	Add(ctx Context, fingerprint string, ttl time.Duration) error
}

// RateLimitStore counts accepted events per fixed window. Incr creates the
// bucket with ttl on first use and returns the post-increment count.
type RateLimitStore interface {
	Incr(ctx Context, bucket string, ttl time.Duration) (int64, error)
	Count(ctx Context, bucket string) (int64, error)
}

// AffiliateDirectory resolves affiliate accounts for collector validation.
type AffiliateDirectory interface {
	Get(ctx Context, id string) (*Affiliate, error)
}

// TrackingEventRepository persists collector events across their pipeline
// states, including FAILED events awaiting an admin retry.
type TrackingEventRepository interface {
	Save(ctx Context, ev *TrackingEvent) error
	Get(ctx Context, id string) (*TrackingEvent, error)
	Update(ctx Context, ev *TrackingEvent) error
}

// DataServiceConfigRepository stores the report adapter's upstream config.
// Activate deactivates the previous active row and inserts the new one in a
// single transaction.
type DataServiceConfigRepository interface {
	Activate(ctx Context, cfg *DataServiceConfig) error
	Active(ctx Context) (*DataServiceConfig, error)
	History(ctx Context, limit int) ([]*DataServiceConfig, error)
}
