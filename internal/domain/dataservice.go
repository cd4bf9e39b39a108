package domain

import (
	"fmt"
	"time"
)

// DataServiceConfig is one versioned row of the report adapter's upstream
// configuration. At most one row is active at any time; activating a new row
// deactivates the previous one in the same transaction.
type DataServiceConfig struct {
	Version    int64
	URL        string
	VersionTag string
	Active     bool
	UpdatedAt  time.Time
}

// NewDataServiceConfig validates and builds a config row ready to activate.
func NewDataServiceConfig(url, versionTag string) (*DataServiceConfig, error) {
	if url == "" {
		return nil, fmt.Errorf("op=dataservice.new: url required: %w", ErrInvalidArgument)
	}
	if versionTag == "" {
		return nil, fmt.Errorf("op=dataservice.new: version tag required: %w", ErrInvalidArgument)
	}
	return &DataServiceConfig{
		URL:        url,
		VersionTag: versionTag,
		Active:     true,
		UpdatedAt:  time.Now().UTC(),
	}, nil
}
