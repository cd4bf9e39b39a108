package participant

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aeropartners/aeropartners/internal/domain"
)

// Payment executes PROCESS_PAYMENT. The payment service accepts the charge
// and answers PENDING immediately; the final outcome arrives later as a
// PaymentCompleted or PaymentFailed event. Execute therefore reports
// ok-pending with the payment id and the engine waits for the event handler
// to flip the step.
type Payment struct {
	baseURL string
	caller  caller
}

// NewPayment builds the adapter against the payment service base URL.
func NewPayment(baseURL string, client *http.Client, timeout time.Duration) *Payment {
	return &Payment{
		baseURL: baseURL,
		caller:  newCaller("payments", client, timeout),
	}
}

// Execute submits the charge and returns a pending outcome carrying the
// payment id ("id_pago") the event handlers correlate on.
func (p *Payment) Execute(ctx domain.Context, sg *domain.Saga, st *domain.Step) (domain.StepOutcome, error) {
	body, err := p.caller.doJSON(ctx, http.MethodPost, p.baseURL+"/pagos/", st.Input)
	if err != nil {
		return domain.StepOutcome{}, err
	}
	paymentID, err := resultField(body, "id_pago")
	if err != nil {
		return domain.StepOutcome{}, &domain.ParticipantError{
			Reason: fmt.Sprintf("payment accepted without id_pago: %v", err),
		}
	}
	slog.Info("payment pending",
		slog.String("saga_id", sg.ID),
		slog.String("payment_id", paymentID))
	return domain.StepOutcome{Result: body, Pending: true}, nil
}

// Compensate reverses the payment recorded in the step result.
func (p *Payment) Compensate(ctx domain.Context, sg *domain.Saga, c *domain.Compensation) (json.RawMessage, error) {
	paymentID, err := resultField(c.Input, "id_pago")
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/pagos/%s/revertir", p.baseURL, paymentID)
	body, err := p.caller.doJSON(ctx, http.MethodPatch, url, map[string]string{
		"motivo":  "SAGA_FALLIDA",
		"saga_id": sg.ID,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("payment reversed",
		slog.String("saga_id", sg.ID),
		slog.String("payment_id", paymentID))
	return body, nil
}
