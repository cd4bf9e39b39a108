package participant

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aeropartners/aeropartners/internal/domain"
)

// Report executes GENERATE_REPORT. The upstream data-service URL is resolved
// from the active configuration row at every call start, which is what makes
// the admin hot-swap take effect without restarts. CANCEL_REPORT is a no-op:
// reports carry no external state to undo.
type Report struct {
	fallbackURL string
	configs     domain.DataServiceConfigRepository
	caller      caller
}

// NewReport builds the adapter. fallbackURL is used until an admin activates
// a configuration row.
func NewReport(fallbackURL string, configs domain.DataServiceConfigRepository, client *http.Client, timeout time.Duration) *Report {
	return &Report{
		fallbackURL: fallbackURL,
		configs:     configs,
		caller:      newCaller("reporting", client, timeout),
	}
}

// Execute generates the report synchronously.
func (p *Report) Execute(ctx domain.Context, sg *domain.Saga, st *domain.Step) (domain.StepOutcome, error) {
	base := p.fallbackURL
	if p.configs != nil {
		cfg, err := p.configs.Active(ctx)
		switch {
		case err == nil:
			base = cfg.URL
		case errors.Is(err, domain.ErrNotFound):
			// No admin config yet, fall back to the static URL.
		default:
			return domain.StepOutcome{}, &domain.ParticipantError{Reason: err.Error(), Retriable: true}
		}
	}
	body, err := p.caller.doJSON(ctx, http.MethodPost, base+"/reporting/report", st.Input)
	if err != nil {
		return domain.StepOutcome{}, err
	}
	slog.Info("report generated",
		slog.String("saga_id", sg.ID),
		slog.String("upstream", base))
	return domain.StepOutcome{Result: body}, nil
}

// Compensate always succeeds without an outbound call.
func (p *Report) Compensate(_ domain.Context, sg *domain.Saga, _ *domain.Compensation) (json.RawMessage, error) {
	slog.Info("report compensation is a no-op", slog.String("saga_id", sg.ID))
	return json.RawMessage(`{"mensaje":"el reporte no requiere compensación"}`), nil
}
