package app

import (
	"fmt"

	"artledger/internal/config"
)

// ResolveConfig picks the network config: an explicit file wins, then
// artledger.yml in the workspace, then the built-in sample network.
func ResolveConfig(workspace, path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("load config %s: %w", path, err)
		}
		return cfg, path, nil
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", config.Path(workspace), err)
	}
	if cfg != nil {
		return cfg, config.Path(workspace), nil
	}
	return config.Default(), "", nil
}
