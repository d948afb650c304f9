// Package entitlement meters session time against a user's tier
// allowance. Usage is counted in coarse tick-sized increments, trading
// billing precision for simplicity.
package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/emberhq/ember/internal/types"
	"github.com/emberhq/ember/pkg/Logger"
	"github.com/emberhq/ember/pkg/clock"
)

var ErrLimitReached = errors.New("entitlement: usage limit reached")

type Meter struct {
	store  types.UsageStore
	clk    clock.Clock
	tick   time.Duration
	logger *Logger.Logger
}

func NewMeter(store types.UsageStore, clk clock.Clock, tick time.Duration, logger *Logger.Logger) *Meter {
	return &Meter{
		store:  store,
		clk:    clk,
		tick:   tick,
		logger: logger,
	}
}

// Begin resolves the user's entitlement at stream start. The store resets
// the counter if the tracking period rolled over. Returns ErrLimitReached
// alongside the usage when the allowance is already spent.
func (m *Meter) Begin(ctx context.Context, userID uuid.UUID, tier types.Tier) (*types.Usage, error) {
	usage, err := m.store.FetchUsage(ctx, userID, tier)
	if err != nil {
		return nil, err
	}
	if usage.Exhausted() {
		return usage, ErrLimitReached
	}
	return usage, nil
}

// Run ticks until the context is cancelled or the allowance is exceeded,
// persisting one tick of usage per interval. onExceeded fires once, after
// which no further ticks occur.
func (m *Meter) Run(ctx context.Context, userID uuid.UUID, onExceeded func(*types.Usage)) {
	ticker := m.clk.NewTicker(m.tick)
	defer ticker.Stop()

	tickSecs := int64(m.tick / time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			usage, err := m.store.AddUsage(ctx, userID, tickSecs)
			if err != nil {
				m.logger.Errorf("usage increment failed for user %s: %v", userID, err)
				continue
			}
			if usage.Exhausted() {
				m.logger.Infof("user %s exceeded entitlement (%d/%d secs)", userID, usage.UsedSeconds, usage.LimitSeconds)
				onExceeded(usage)
				return
			}
		}
	}
}
