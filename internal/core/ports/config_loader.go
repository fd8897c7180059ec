package ports

import "go.trai.ch/tally/internal/core/domain"

// ConfigLoader resolves the runtime configuration.
//
//go:generate mockgen -source=config_loader.go -destination=mocks/mock_config_loader.go -package=mocks
type ConfigLoader interface {
	// Load reads path, or searches for the config file upward from cwd when path is empty.
	// Defaults are returned when nothing is found.
	Load(cwd, path string) (domain.Config, error)
}
