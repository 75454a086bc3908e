package ai

import (
	"fmt"

	"github.com/venturelab/simcore/internal/ai/mock"
	"github.com/venturelab/simcore/internal/ai/openai"
	"github.com/venturelab/simcore/internal/config"
	"github.com/venturelab/simcore/pkg/models"
)

// NewProvider constructs the appropriate simulation provider based on
// config. Called once at server startup.
func NewProvider(cfg config.AIConfig) (models.SimulationProvider, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewProvider(cfg.OpenAI, cfg.InferenceTimeout), nil
	case "mock":
		return mock.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of openai, mock", cfg.Provider)
	}
}
