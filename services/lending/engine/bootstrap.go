package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"lendpool/config"
	"lendpool/native/lending"
)

// Bootstrap installs the genesis pools of cfg through the admin operations.
// Pools that already exist keep their parameters; only a differing status is
// reconciled, so restarting against restored state is a no-op.
func Bootstrap(ctx context.Context, core *lending.Engine, cfg *config.Config, logger *slog.Logger) error {
	if cfg == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	admin := core.Admin()
	for i, pc := range cfg.Pools {
		asset, feed, err := pc.Addresses()
		if err != nil {
			return fmt.Errorf("pool %d: %w", i, err)
		}
		status, err := pc.PoolStatus()
		if err != nil {
			return fmt.Errorf("pool %s: %w", asset.Hex(), err)
		}
		current, err := core.Pool(asset)
		switch {
		case errors.Is(err, lending.ErrUnknownPool):
			params, err := pc.RiskParams()
			if err != nil {
				return fmt.Errorf("pool %s: %w", asset.Hex(), err)
			}
			ref, err := core.InitPool(ctx, admin, asset, feed, params)
			if err != nil {
				return fmt.Errorf("init pool %s: %w", asset.Hex(), err)
			}
			logger.Info("lending pool initialised", "asset", asset.Hex(), "config_ref", ref.Hex())
		case err != nil:
			return fmt.Errorf("pool %s: %w", asset.Hex(), err)
		case current.Pool.Status == status:
			continue
		}
		if status == lending.PoolInactive && current == nil {
			continue
		}
		if err := core.SetPoolStatus(ctx, admin, asset, status); err != nil {
			return fmt.Errorf("set pool %s status: %w", asset.Hex(), err)
		}
		logger.Info("lending pool status set", "asset", asset.Hex(), "status", status.String())
	}
	return nil
}
