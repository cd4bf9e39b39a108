package participant

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aeropartners/aeropartners/internal/domain"
)

// Campaign executes CREATE_CAMPAIGN against the campaign service, reached
// through the failover proxy, and undoes it with a cancel PATCH.
type Campaign struct {
	baseURL string
	caller  caller
}

// NewCampaign builds the adapter. baseURL is the proxy address, not a direct
// campaign service URL.
func NewCampaign(baseURL string, client *http.Client, timeout time.Duration) *Campaign {
	return &Campaign{
		baseURL: baseURL,
		caller:  newCaller("campaigns", client, timeout),
	}
}

// Execute creates the campaign and returns the service's representation.
func (p *Campaign) Execute(ctx domain.Context, sg *domain.Saga, st *domain.Step) (domain.StepOutcome, error) {
	body, err := p.caller.doJSON(ctx, http.MethodPost, p.baseURL+"/api/campaigns/", st.Input)
	if err != nil {
		return domain.StepOutcome{}, err
	}
	slog.Info("campaign created",
		slog.String("saga_id", sg.ID),
		slog.String("step_id", st.ID))
	return domain.StepOutcome{Result: body}, nil
}

// Compensate cancels the campaign created by the step. Input is the step's
// result, which carries the campaign id under "id".
func (p *Campaign) Compensate(ctx domain.Context, sg *domain.Saga, c *domain.Compensation) (json.RawMessage, error) {
	campaignID, err := resultField(c.Input, "id")
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/api/campaigns/%s/cancel", p.baseURL, campaignID)
	body, err := p.caller.doJSON(ctx, http.MethodPatch, url, map[string]string{
		"motivo":  "SAGA_FALLIDA",
		"saga_id": sg.ID,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("campaign cancelled",
		slog.String("saga_id", sg.ID),
		slog.String("campaign_id", campaignID))
	return body, nil
}
