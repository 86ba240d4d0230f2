package app

import (
	"context"
	"errors"

	"github.com/comigor/weathergpt-go/internal/chat"
	"github.com/comigor/weathergpt-go/internal/config"
)

// ErrLocationDisabled is returned when no position is configured.
var ErrLocationDisabled = errors.New("location disabled")

// StaticLocator reports the position from the location config section.
type StaticLocator struct {
	cfg config.LocationConfig
}

// NewStaticLocator creates a locator for cfg.
func NewStaticLocator(cfg config.LocationConfig) *StaticLocator {
	return &StaticLocator{cfg: cfg}
}

// Locate implements agent.Locator.
func (l *StaticLocator) Locate(ctx context.Context) (*chat.Coordinates, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !l.cfg.Enabled {
		return nil, ErrLocationDisabled
	}
	return &chat.Coordinates{Latitude: l.cfg.Latitude, Longitude: l.cfg.Longitude}, nil
}
