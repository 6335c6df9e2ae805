package commands

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/steward-sh/steward/pkg/provider"
	"github.com/steward-sh/steward/pkg/telemetry"
	sshtransport "github.com/steward-sh/steward/pkg/transports/ssh"
)

// loadProviders builds the provider set for a run: the local provider plus
// one SSH provider per inventory target. The returned cleanup closes every
// provider.
func loadProviders(inventoryPath string, logger *telemetry.Logger, metrics *telemetry.Metrics) (map[string]provider.Provider, func(), error) {
	providers := map[string]provider.Provider{
		"localhost": provider.NewLocal(logger, provider.WithMetrics(metrics)),
	}

	if inventoryPath != "" {
		data, err := os.ReadFile(inventoryPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read inventory %s: %w", inventoryPath, err)
		}

		var doc struct {
			Targets map[string]yaml.Node `yaml:"targets"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, nil, fmt.Errorf("invalid inventory %s: %w", inventoryPath, err)
		}

		for name, node := range doc.Targets {
			cfg := sshtransport.DefaultConfig()
			if err := node.Decode(cfg); err != nil {
				return nil, nil, fmt.Errorf("invalid inventory target %s: %w", name, err)
			}
			if cfg.Host == "" {
				cfg.Host = name
			}
			client, err := sshtransport.NewClient(cfg, logger, sshtransport.WithMetrics(metrics))
			if err != nil {
				return nil, nil, fmt.Errorf("inventory target %s: %w", name, err)
			}
			providers[name] = client
		}
	}

	cleanup := func() {
		for name, p := range providers {
			if err := p.Close(); err != nil {
				logger.WithError(err).Warnf("failed to close provider %s", name)
			}
		}
	}
	return providers, cleanup, nil
}
