package docker

import (
	"context"

	"github.com/docker/docker/api/types/network"

	"github.com/bnema/gantry/internal/logging"
	"github.com/bnema/gantry/pkg/engine"
)

const defaultNetworkDriver = "bridge"

// CreateNetwork creates a network and returns its id.
func (e *Engine) CreateNetwork(ctx context.Context, cfg *engine.NetworkConfig) (string, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = defaultNetworkDriver
	}
	_, log := logCtx(ctx, "CreateNetwork", map[string]any{
		"network": cfg.Name,
		"driver":  driver,
	})

	resp, err := e.client.NetworkCreate(ctx, cfg.Name, network.CreateOptions{
		Driver: driver,
		Labels: cfg.Labels,
	})
	if err != nil {
		return "", wrapErr(log, err, "failed to create network")
	}

	log.Info().Str(logging.FieldEntityID, resp.ID).Msg("network created")
	return resp.ID, nil
}

// RemoveNetwork removes a network.
func (e *Engine) RemoveNetwork(ctx context.Context, networkID string) error {
	_, log := logCtx(ctx, "RemoveNetwork", map[string]any{logging.FieldEntityID: networkID})

	if err := e.client.NetworkRemove(ctx, networkID); err != nil {
		return wrapErr(log, err, "failed to remove network")
	}

	log.Info().Msg("network removed")
	return nil
}

// ListNetworks lists the networks carrying all labels.
func (e *Engine) ListNetworks(ctx context.Context, labels map[string]string) ([]*engine.NetworkInfo, error) {
	_, log := logCtx(ctx, "ListNetworks", nil)

	networks, err := e.client.NetworkList(ctx, network.ListOptions{Filters: labelFilters(labels)})
	if err != nil {
		return nil, wrapErr(log, err, "failed to list networks")
	}

	result := make([]*engine.NetworkInfo, 0, len(networks))
	for _, n := range networks {
		result = append(result, &engine.NetworkInfo{
			ID:     n.ID,
			Name:   n.Name,
			Driver: n.Driver,
			Labels: n.Labels,
		})
	}
	return result, nil
}
