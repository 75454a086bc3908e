package ai

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/venturelab/simcore/internal/config"
)

func TestNewProvider(t *testing.T) {
	t.Run("openai", func(t *testing.T) {
		p, err := NewProvider(config.AIConfig{
			Provider:         "openai",
			InferenceTimeout: 30 * time.Second,
			OpenAI: config.OpenAIConfig{
				BaseURL: "https://api.openai.com/v1",
				APIKey:  "test-key",
				Model:   "gpt-4o",
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "openai", p.Name())
		assert.Equal(t, "gpt-4o", p.Model())
	})

	t.Run("mock", func(t *testing.T) {
		p, err := NewProvider(config.AIConfig{Provider: "mock"})
		require.NoError(t, err)
		assert.Equal(t, "mock", p.Name())
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewProvider(config.AIConfig{Provider: "bard"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown AI provider")
	})
}
