package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aeropartners/aeropartners/internal/config"
	"github.com/aeropartners/aeropartners/internal/domain"
	"github.com/aeropartners/aeropartners/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Sagas      usecase.SagaService
	Collector  *usecase.Collector
	Reporting  usecase.ReportingAdmin
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, sagas usecase.SagaService, collector *usecase.Collector, reporting usecase.ReportingAdmin, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Sagas: sagas, Collector: collector, Reporting: reporting, DBCheck: dbCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type stepView struct {
	Kind       string          `json:"tipo"`
	Success    bool            `json:"exitoso"`
	Pending    bool            `json:"pendiente"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"resultado,omitempty"`
	ExecutedAt *time.Time      `json:"ejecutado_en,omitempty"`
}

type compensationView struct {
	Kind       string     `json:"tipo"`
	Success    bool       `json:"exitoso"`
	Error      string     `json:"error,omitempty"`
	ExecutedAt *time.Time `json:"ejecutado_en,omitempty"`
}

type sagaView struct {
	SagaID         string             `json:"saga_id"`
	Type           string             `json:"tipo"`
	State          string             `json:"estado"`
	StartedAt      time.Time          `json:"iniciada_en"`
	EndedAt        *time.Time         `json:"finalizada_en,omitempty"`
	ErrorMessage   string             `json:"error,omitempty"`
	TimeoutMinutes int                `json:"timeout_minutos"`
	Steps          []stepView         `json:"pasos"`
	Compensations  []compensationView `json:"compensaciones,omitempty"`
}

func toSagaView(sg *domain.Saga) sagaView {
	v := sagaView{
		SagaID:         sg.ID,
		Type:           sg.Type,
		State:          string(sg.State),
		StartedAt:      sg.StartedAt,
		EndedAt:        sg.EndedAt,
		ErrorMessage:   sg.ErrorMessage,
		TimeoutMinutes: sg.TimeoutMinutes,
	}
	for _, st := range sg.Steps {
		sv := stepView{
			Kind:    string(st.Kind),
			Success: st.Success,
			Pending: st.Pending(),
			Error:   st.Error,
			Result:  st.Result,
		}
		if !st.ExecutedAt.IsZero() {
			t := st.ExecutedAt
			sv.ExecutedAt = &t
		}
		v.Steps = append(v.Steps, sv)
	}
	for _, c := range sg.Compensations {
		cv := compensationView{
			Kind:    string(c.Kind),
			Success: c.Success,
			Error:   c.Error,
		}
		if !c.ExecutedAt.IsZero() {
			t := c.ExecutedAt
			cv.ExecutedAt = &t
		}
		v.Compensations = append(v.Compensations, cv)
	}
	return v
}

// StartSagaHandler accepts the create-complete-campaign request and starts
// the saga. The response is 202: the flow continues asynchronously and the
// status endpoint is the read side.
func (s *Server) StartSagaHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in usecase.StartSagaInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, r, fmt.Errorf("%w: cuerpo JSON inválido", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(in); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		sg, err := s.Sagas.Start(r.Context(), in)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("saga accepted", slog.String("saga_id", sg.ID))
		writeJSON(w, http.StatusAccepted, map[string]any{
			"saga_id": sg.ID,
			"tipo":    sg.Type,
			"estado":  string(sg.State),
		})
	}
}

// SagaStatusHandler returns the full view of one saga.
func (s *Server) SagaStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if res := ValidateSagaID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: saga id inválido", domain.ErrInvalidArgument), res.Errors)
			return
		}
		sg, err := s.Sagas.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toSagaView(sg))
	}
}

// ListSagasHandler lists sagas filtered by estado/tipo with pagination.
func (s *Server) ListSagasHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if res := ValidatePagination(q.Get("pagina"), q.Get("limite")); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: paginación inválida", domain.ErrInvalidArgument), res.Errors)
			return
		}
		page, _ := strconv.Atoi(q.Get("pagina"))
		if page < 1 {
			page = 1
		}
		limit, _ := strconv.Atoi(q.Get("limite"))
		if limit < 1 || limit > 100 {
			limit = 20
		}
		f := domain.SagaListFilter{
			State:  domain.SagaState(q.Get("estado")),
			Type:   q.Get("tipo"),
			Limit:  limit,
			Offset: (page - 1) * limit,
		}
		sagas, err := s.Sagas.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]sagaView, 0, len(sagas))
		for _, sg := range sagas {
			views = append(views, toSagaView(sg))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sagas":  views,
			"pagina": page,
			"limite": limit,
		})
	}
}

// DeleteSagaHandler removes one saga. Exposed for test environments only; the
// router does not mount it in prod.
func (s *Server) DeleteSagaHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if res := ValidateSagaID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: saga id inválido", domain.ErrInvalidArgument), res.Errors)
			return
		}
		if err := s.Sagas.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"saga_id": id, "estado": "ELIMINADA"})
	}
}

// CleanupSagasHandler bulk-deletes terminal sagas older than the optional
// antes_de_horas cutoff (default: everything that has ended). Test-only, like
// DeleteSagaHandler.
func (s *Server) CleanupSagasHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		before := time.Now()
		if raw := r.URL.Query().Get("antes_de_horas"); raw != "" {
			hours, err := strconv.Atoi(raw)
			if err != nil || hours < 0 {
				writeError(w, r, fmt.Errorf("%w: antes_de_horas inválido", domain.ErrInvalidArgument), nil)
				return
			}
			before = before.Add(-time.Duration(hours) * time.Hour)
		}
		n, err := s.Sagas.Cleanup(r.Context(), before)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"eliminadas": n})
	}
}

// OutboxStatsHandler reports outbox backlog health.
func (s *Server) OutboxStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Sagas.OutboxStats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// UpdateDataServiceHandler swaps the reporting upstream at runtime.
func (s *Server) UpdateDataServiceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in usecase.UpdateDataServiceInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, r, fmt.Errorf("%w: cuerpo JSON inválido", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(in); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		cfg, err := s.Reporting.UpdateDataService(r.Context(), in)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"url_servicio": cfg.URL,
			"version":      cfg.VersionTag,
			"activa":       cfg.Active,
		})
	}
}

// GetDataServiceConfigHandler returns the active reporting config.
func (s *Server) GetDataServiceConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeHistory := r.URL.Query().Get("incluir_historial") == "true"
		view, err := s.Reporting.GetConfig(r.Context(), includeHistory)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// IngestEventHandler accepts one tracking event. Accepted events answer 202;
// discarded ones answer 422 with the failed rule so callers can tell noise
// from misconfiguration.
func (s *Server) IngestEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in usecase.IngestEventInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, r, fmt.Errorf("%w: cuerpo JSON inválido", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(in); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		res, err := s.Collector.Ingest(r.Context(), in)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		status := http.StatusAccepted
		if res.Rule != "" {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, res)
	}
}

// RetryEventHandler re-drives the publish of a failed tracking event.
func (s *Server) RetryEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.Collector.Retry(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// EventStatusHandler returns the pipeline state of one tracking event.
func (s *Server) EventStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := s.Collector.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"event_id":       ev.ID,
			"tipo_evento":    string(ev.Kind),
			"afiliado":       ev.AffiliateID,
			"estado":         string(ev.State),
			"regla_descarte": ev.DiscardReason,
			"reintentable":   ev.Retriable,
			"recibido_en":    ev.ReceivedAt,
		})
	}
}

// RateLimitHandler reports an affiliate's current-window consumption.
func (s *Server) RateLimitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		affiliate := chi.URLParam(r, "affiliate")
		windowMinutes, _ := strconv.Atoi(r.URL.Query().Get("ventana_minutos"))
		status, err := s.Collector.RateLimitFor(r.Context(), affiliate, windowMinutes)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// ReadyzHandler reports readiness of the server's dependencies.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		deps := map[string]string{}
		healthy := true
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				deps["db"] = err.Error()
				healthy = false
			} else {
				deps["db"] = "ok"
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				deps["redis"] = err.Error()
				healthy = false
			} else {
				deps["redis"] = "ok"
			}
		}
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"healthy": healthy, "deps": deps})
	}
}
