package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aeropartners/aeropartners/internal/adapter/observability"
	"github.com/aeropartners/aeropartners/internal/domain"
)

// Validation rule names recorded as the discard reason, in gate order.
const (
	RuleAffiliateNotFound = "affiliate_not_found"
	RuleAffiliateInactive = "affiliate_inactive"
	RuleKindNotAllowed    = "kind_not_allowed"
	RuleRateLimited       = "rate_limited"
	RuleCampaignInvalid   = "campaign_invalid"
	RuleDuplicateEvent    = "duplicate_event"
	RuleConversionInvalid = "conversion_invalid"
)

// IngestEventInput is the collector ingress payload.
type IngestEventInput struct {
	Kind       string            `json:"tipo_evento" validate:"required"`
	Affiliate  string            `json:"afiliado" validate:"required"`
	Campaign   string            `json:"campana"`
	Offer      string            `json:"oferta"`
	URL        string            `json:"url"`
	Value      float64           `json:"valor"`
	Currency   string            `json:"moneda"`
	CustomData map[string]string `json:"datos_adicionales"`
	OccurredAt time.Time         `json:"timestamp"`
}

// IngestResult tells the caller what happened to a submitted event.
type IngestResult struct {
	EventID  string `json:"event_id"`
	State    string `json:"estado"`
	Accepted bool   `json:"aceptado"`
	// Rule names the first validation that failed for discarded events.
	Rule string `json:"regla,omitempty"`
}

// RateLimitStatus reports the affiliate's consumption of the current window.
type RateLimitStatus struct {
	Affiliate     string `json:"afiliado"`
	WindowMinutes int    `json:"ventana_minutos"`
	Cap           int    `json:"limite"`
	Used          int64  `json:"consumido"`
	Remaining     int64  `json:"restante"`
}

// Collector runs the tracking-event ingress pipeline: validate in gate order,
// dedup by fingerprint, count against the affiliate's rate cap and publish a
// registration command per event kind. Every submission is persisted whatever
// its outcome, so discards and failures stay inspectable.
type Collector struct {
	Events     domain.TrackingEventRepository
	Affiliates domain.AffiliateDirectory
	Dedup      domain.DedupStore
	RateLimit  domain.RateLimitStore
	Bus        domain.EventBus

	DedupTTL      time.Duration
	Window        time.Duration
	DefaultCap    int
	nowFunc       func() time.Time
}

// NewCollector wires a collector. DefaultCap applies when the affiliate record
// carries no per-minute cap of its own.
func NewCollector(events domain.TrackingEventRepository, affiliates domain.AffiliateDirectory, dedup domain.DedupStore, rate domain.RateLimitStore, bus domain.EventBus, dedupTTL, window time.Duration, defaultCap int) *Collector {
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	if window <= 0 {
		window = time.Minute
	}
	if defaultCap <= 0 {
		defaultCap = 120
	}
	return &Collector{
		Events:     events,
		Affiliates: affiliates,
		Dedup:      dedup,
		RateLimit:  rate,
		Bus:        bus,
		DedupTTL:   dedupTTL,
		Window:     window,
		DefaultCap: defaultCap,
		nowFunc:    time.Now,
	}
}

// Ingest validates and publishes one event. Validation gates run in a fixed
// order and the first failure wins: the event is stored DISCARDED with that
// rule and no later gate runs. Rate-limit counters only grow for events that
// pass every gate, so discarded traffic never burns the affiliate's budget.
func (c *Collector) Ingest(ctx domain.Context, in IngestEventInput) (*IngestResult, error) {
	ev, err := domain.NewTrackingEvent(
		domain.TrackingEventKind(in.Kind),
		in.Affiliate, in.Campaign, in.Offer, in.URL,
		in.Value, in.Currency, in.CustomData, in.OccurredAt,
	)
	if err != nil {
		return nil, err
	}

	rule, err := c.validate(ctx, ev)
	if err != nil {
		return nil, err
	}
	if rule != "" {
		ev.Discard(rule)
		if err := c.Events.Save(ctx, ev); err != nil {
			return nil, fmt.Errorf("op=collector.ingest: %w", err)
		}
		observability.TrackingEventsTotal.WithLabelValues(string(ev.Kind), "discarded").Inc()
		observability.TrackingDiscardsTotal.WithLabelValues(rule).Inc()
		slog.Info("tracking event discarded",
			slog.String("event_id", ev.ID),
			slog.String("affiliate", ev.AffiliateID),
			slog.String("rule", rule))
		return &IngestResult{EventID: ev.ID, State: string(ev.State), Rule: rule}, nil
	}

	ev.MarkValidated()
	if err := c.Events.Save(ctx, ev); err != nil {
		return nil, fmt.Errorf("op=collector.ingest: %w", err)
	}

	// Burn the rate budget and remember the fingerprint only after the event
	// is fully accepted.
	bucket := c.rateBucket(ev.AffiliateID, c.nowFunc())
	if _, err := c.RateLimit.Incr(ctx, bucket, c.Window); err != nil {
		slog.Warn("rate counter increment failed", slog.Any("error", err))
	}
	if err := c.Dedup.Add(ctx, ev.Fingerprint, c.DedupTTL); err != nil {
		slog.Warn("fingerprint store failed", slog.Any("error", err))
	}

	if err := c.publish(ctx, ev); err != nil {
		ev.MarkPublishFailed(err.Error())
		if uerr := c.Events.Update(ctx, ev); uerr != nil {
			return nil, fmt.Errorf("op=collector.ingest: %w", uerr)
		}
		observability.TrackingEventsTotal.WithLabelValues(string(ev.Kind), "publish_failed").Inc()
		slog.Error("tracking command publish failed",
			slog.String("event_id", ev.ID),
			slog.Any("error", err))
		return &IngestResult{EventID: ev.ID, State: string(ev.State)}, nil
	}

	ev.MarkPublished()
	if err := c.Events.Update(ctx, ev); err != nil {
		return nil, fmt.Errorf("op=collector.ingest: %w", err)
	}
	observability.TrackingEventsTotal.WithLabelValues(string(ev.Kind), "published").Inc()
	return &IngestResult{EventID: ev.ID, State: string(ev.State), Accepted: true}, nil
}

// validate runs the gates in order and returns the first failed rule name, or
// "" when the event passes.
func (c *Collector) validate(ctx domain.Context, ev *domain.TrackingEvent) (string, error) {
	aff, err := c.Affiliates.Get(ctx, ev.AffiliateID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return RuleAffiliateNotFound, nil
		}
		return "", fmt.Errorf("op=collector.validate: %w", err)
	}
	if !aff.Active {
		return RuleAffiliateInactive, nil
	}
	if !aff.Allows(ev.Kind) {
		return RuleKindNotAllowed, nil
	}

	limit := aff.PerMinuteCap
	if limit <= 0 {
		limit = c.DefaultCap
	}
	used, err := c.RateLimit.Count(ctx, c.rateBucket(ev.AffiliateID, c.nowFunc()))
	if err != nil {
		return "", fmt.Errorf("op=collector.validate: %w", err)
	}
	if used >= int64(limit) {
		return RuleRateLimited, nil
	}

	if ev.CampaignID != "" && !aff.HasCampaign(ev.CampaignID) {
		return RuleCampaignInvalid, nil
	}

	seen, err := c.Dedup.Seen(ctx, ev.Fingerprint)
	if err != nil {
		return "", fmt.Errorf("op=collector.validate: %w", err)
	}
	if seen {
		return RuleDuplicateEvent, nil
	}

	if ev.Kind == domain.TrackingConversion && (ev.Value <= 0 || ev.Currency == "") {
		return RuleConversionInvalid, nil
	}
	return "", nil
}

// publish wraps the event in an envelope and sends it to the per-kind command
// topic, keyed so per-affiliate order holds.
func (c *Collector) publish(ctx domain.Context, ev *domain.TrackingEvent) error {
	payload := trackingCommandPayload(ev)
	env := domain.NewEnvelope("Register"+kindTitle(ev.Kind), mustMarshal(payload))
	topic := domain.TrackingCommandTopic(kindTitle(ev.Kind))
	props := map[string]string{
		"event_type":     env.EventType,
		"schema_version": env.SchemaVersion,
		"aggregate_id":   ev.AffiliateID,
	}
	return c.Bus.Publish(ctx, topic, ev.PartitionKey(), mustMarshal(env), props)
}

// Retry re-drives the publish of a FAILED event. Only events the pipeline
// marked retriable qualify; anything else answers ErrConflict.
func (c *Collector) Retry(ctx domain.Context, eventID string) (*IngestResult, error) {
	ev, err := c.Events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !ev.Retriable || ev.State != domain.TrackingFailed {
		return nil, fmt.Errorf("op=collector.retry: event %s is not retriable in state %s: %w", ev.ID, ev.State, domain.ErrConflict)
	}
	if err := c.publish(ctx, ev); err != nil {
		ev.MarkPublishFailed(err.Error())
		if uerr := c.Events.Update(ctx, ev); uerr != nil {
			return nil, fmt.Errorf("op=collector.retry: %w", uerr)
		}
		return &IngestResult{EventID: ev.ID, State: string(ev.State)}, nil
	}
	ev.MarkPublished()
	if err := c.Events.Update(ctx, ev); err != nil {
		return nil, fmt.Errorf("op=collector.retry: %w", err)
	}
	observability.TrackingEventsTotal.WithLabelValues(string(ev.Kind), "published").Inc()
	slog.Info("tracking event retried", slog.String("event_id", ev.ID))
	return &IngestResult{EventID: ev.ID, State: string(ev.State), Accepted: true}, nil
}

// Status returns the pipeline state of one event.
func (c *Collector) Status(ctx domain.Context, eventID string) (*domain.TrackingEvent, error) {
	return c.Events.Get(ctx, eventID)
}

// RateLimitFor reports the affiliate's current-window consumption. The window
// parameter only changes the reported shape; counting always uses the
// configured window.
func (c *Collector) RateLimitFor(ctx domain.Context, affiliateID string, windowMinutes int) (*RateLimitStatus, error) {
	aff, err := c.Affiliates.Get(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	limit := aff.PerMinuteCap
	if limit <= 0 {
		limit = c.DefaultCap
	}
	used, err := c.RateLimit.Count(ctx, c.rateBucket(affiliateID, c.nowFunc()))
	if err != nil {
		return nil, fmt.Errorf("op=collector.rate_limit: %w", err)
	}
	if windowMinutes <= 0 {
		windowMinutes = int(c.Window / time.Minute)
		if windowMinutes == 0 {
			windowMinutes = 1
		}
	}
	remaining := int64(limit) - used
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitStatus{
		Affiliate:     affiliateID,
		WindowMinutes: windowMinutes,
		Cap:           limit,
		Used:          used,
		Remaining:     remaining,
	}, nil
}

func (c *Collector) rateBucket(affiliateID string, now time.Time) string {
	return fmt.Sprintf("%s:%d", affiliateID, domain.RateLimitWindowStart(now, c.Window))
}

// kindTitle maps CLICK to Click and PAGE_VIEW to PageView for topic and
// command naming.
func kindTitle(k domain.TrackingEventKind) string {
	parts := strings.Split(string(k), "_")
	var sb strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		sb.WriteString(strings.ToUpper(p[:1]))
		sb.WriteString(strings.ToLower(p[1:]))
	}
	return sb.String()
}

// trackingCommandPayload is the data section of a registration command.
func trackingCommandPayload(ev *domain.TrackingEvent) map[string]any {
	payload := map[string]any{
		"event_id":  ev.ID,
		"tipo":      string(ev.Kind),
		"affiliate": ev.AffiliateID,
		"timestamp": ev.OccurredAt.UTC().Format(time.RFC3339),
	}
	if ev.CampaignID != "" {
		payload["campana"] = ev.CampaignID
	}
	if ev.OfferID != "" {
		payload["oferta"] = ev.OfferID
	}
	if ev.URL != "" {
		payload["url"] = ev.URL
	}
	if ev.Kind == domain.TrackingConversion {
		payload["valor"] = ev.Value
		payload["moneda"] = ev.Currency
	}
	if len(ev.CustomData) > 0 {
		payload["datos_adicionales"] = ev.CustomData
	}
	return payload
}
