package usecase

import (
	"fmt"
	"log/slog"

	"github.com/aeropartners/aeropartners/internal/domain"
)

// UpdateDataServiceInput is the admin payload for switching the reporting
// adapter's upstream data service.
type UpdateDataServiceInput struct {
	URL        string `json:"url_servicio" validate:"required,url"`
	VersionTag string `json:"version" validate:"required"`
}

// DataServiceView is the admin read model for the active config.
type DataServiceView struct {
	Active  *domain.DataServiceConfig   `json:"configuracion_activa"`
	History []*domain.DataServiceConfig `json:"historial,omitempty"`
}

// ReportingAdmin swaps the report participant's upstream data service at
// runtime. In-flight sagas pick the new target on their next report step;
// nothing is re-routed retroactively.
type ReportingAdmin struct {
	Configs domain.DataServiceConfigRepository
}

// NewReportingAdmin constructs a ReportingAdmin.
func NewReportingAdmin(configs domain.DataServiceConfigRepository) ReportingAdmin {
	return ReportingAdmin{Configs: configs}
}

// UpdateDataService activates a new upstream config, deactivating the
// previous one in the same transaction.
func (a ReportingAdmin) UpdateDataService(ctx domain.Context, in UpdateDataServiceInput) (*domain.DataServiceConfig, error) {
	cfg, err := domain.NewDataServiceConfig(in.URL, in.VersionTag)
	if err != nil {
		return nil, err
	}
	if err := a.Configs.Activate(ctx, cfg); err != nil {
		return nil, fmt.Errorf("op=reporting.update_data_service: %w", err)
	}
	slog.Info("data service config activated",
		slog.String("url", cfg.URL),
		slog.String("version", cfg.VersionTag))
	return cfg, nil
}

// GetConfig returns the active config and, when asked, recent history.
func (a ReportingAdmin) GetConfig(ctx domain.Context, includeHistory bool) (*DataServiceView, error) {
	active, err := a.Configs.Active(ctx)
	if err != nil {
		return nil, err
	}
	view := &DataServiceView{Active: active}
	if includeHistory {
		hist, err := a.Configs.History(ctx, 20)
		if err != nil {
			return nil, fmt.Errorf("op=reporting.get_config: %w", err)
		}
		view.History = hist
	}
	return view, nil
}
