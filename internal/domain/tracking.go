package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TrackingEventKind enumerates the ingress event kinds the collector accepts.
type TrackingEventKind string

const (
	TrackingClick      TrackingEventKind = "CLICK"
	TrackingImpression TrackingEventKind = "IMPRESSION"
	TrackingConversion TrackingEventKind = "CONVERSION"
	TrackingPageView   TrackingEventKind = "PAGE_VIEW"
)

// ValidKind reports whether k is one of the supported kinds.
func ValidKind(k TrackingEventKind) bool {
	switch k {
	case TrackingClick, TrackingImpression, TrackingConversion, TrackingPageView:
		return true
	}
	return false
}

// TrackingEventState is the collector pipeline state of an event.
type TrackingEventState string

const (
	TrackingReceived   TrackingEventState = "RECEIVED"
	TrackingValidated  TrackingEventState = "VALIDATED"
	TrackingProcessing TrackingEventState = "PROCESSING"
	TrackingPublished  TrackingEventState = "PUBLISHED"
	TrackingDiscarded  TrackingEventState = "DISCARDED"
	TrackingFailed     TrackingEventState = "FAILED"
)

// TrackingEvent is one ingested tracking event. Fingerprint deduplicates
// semantically identical submissions across retries and proxies.
type TrackingEvent struct {
	ID          string
	Kind        TrackingEventKind
	AffiliateID string
	CampaignID  string
	OfferID     string
	URL         string
	Value       float64
	Currency    string
	CustomData  map[string]string
	OccurredAt  time.Time
	ReceivedAt  time.Time
	State       TrackingEventState
	// DiscardReason names the failed validation rule when State is DISCARDED.
	DiscardReason string
	// Retriable marks a FAILED event that an admin retry may still publish.
	Retriable   bool
	Fingerprint string
}

// NewTrackingEvent builds a RECEIVED event and computes its fingerprint.
func NewTrackingEvent(kind TrackingEventKind, affiliateID, campaignID, offerID, url string, value float64, currency string, custom map[string]string, occurredAt time.Time) (*TrackingEvent, error) {
	if !ValidKind(kind) {
		return nil, fmt.Errorf("op=tracking.new: unknown event kind %q: %w", kind, ErrInvalidArgument)
	}
	if affiliateID == "" {
		return nil, fmt.Errorf("op=tracking.new: affiliate id required: %w", ErrInvalidArgument)
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	ev := &TrackingEvent{
		ID:          uuid.New().String(),
		Kind:        kind,
		AffiliateID: affiliateID,
		CampaignID:  campaignID,
		OfferID:     offerID,
		URL:         url,
		Value:       value,
		Currency:    currency,
		CustomData:  custom,
		OccurredAt:  occurredAt.UTC(),
		ReceivedAt:  time.Now().UTC(),
		State:       TrackingReceived,
	}
	ev.Fingerprint = ev.computeFingerprint()
	return ev, nil
}

// computeFingerprint hashes the identity-bearing fields with keys sorted, so
// the same logical event always maps to the same hash regardless of field
// ordering at the ingress.
func (ev *TrackingEvent) computeFingerprint() string {
	fields := map[string]string{
		"kind":      string(ev.Kind),
		"affiliate": ev.AffiliateID,
		"campaign":  ev.CampaignID,
		"offer":     ev.OfferID,
		"url":       ev.URL,
		"timestamp": ev.OccurredAt.UTC().Format(time.RFC3339),
	}
	if len(ev.CustomData) > 0 {
		b, _ := json.Marshal(sortedMap(ev.CustomData))
		fields["custom_data"] = string(b)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(fields[k])
		sb.WriteByte('|')
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// sortedMap returns a copy whose JSON encoding has deterministic key order.
// encoding/json already sorts map keys, so a plain copy suffices; the helper
// exists to make that dependency explicit.
func sortedMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// PartitionKey is the broker key for the published command. Per-affiliate
// order is the guarantee; campaign narrows the key when present.
func (ev *TrackingEvent) PartitionKey() string {
	if ev.CampaignID != "" {
		return ev.AffiliateID + "#" + ev.CampaignID
	}
	return ev.AffiliateID
}

// Discard records a short-circuited validation.
func (ev *TrackingEvent) Discard(rule string) {
	ev.State = TrackingDiscarded
	ev.DiscardReason = rule
	ev.Retriable = false
}

// MarkValidated moves the event past the validation gate.
func (ev *TrackingEvent) MarkValidated() { ev.State = TrackingValidated }

// MarkPublished records a successful broker publish.
func (ev *TrackingEvent) MarkPublished() {
	ev.State = TrackingPublished
	ev.Retriable = false
}

// MarkPublishFailed records a broker failure; the event stays retriable so an
// admin retry can re-drive the publish without re-running validations that
// already passed.
func (ev *TrackingEvent) MarkPublishFailed(reason string) {
	ev.State = TrackingFailed
	ev.DiscardReason = reason
	ev.Retriable = true
}

// Affiliate is the collector's view of an affiliate account: whether it may
// send events at all, which kinds, and how fast.
type Affiliate struct {
	ID              string
	Name            string
	Active          bool
	AllowedKinds    []TrackingEventKind
	PerMinuteCap    int
	ActiveCampaigns []string
}

// Allows reports whether the affiliate may submit events of kind k.
func (a *Affiliate) Allows(k TrackingEventKind) bool {
	for _, allowed := range a.AllowedKinds {
		if allowed == k {
			return true
		}
	}
	return false
}

// HasCampaign reports whether campaignID is one of the affiliate's active
// campaigns.
func (a *Affiliate) HasCampaign(campaignID string) bool {
	for _, c := range a.ActiveCampaigns {
		if c == campaignID {
			return true
		}
	}
	return false
}

// RateLimitWindowStart returns the fixed-window bucket start for now. Windows
// are fixed, not sliding: the bucket key is floor(now/window).
func RateLimitWindowStart(now time.Time, window time.Duration) int64 {
	return now.Unix() / int64(window.Seconds())
}
