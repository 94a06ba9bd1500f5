package llm

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/contract"
	openrouterx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/pkg/openrouter"
)

// Role selects per-step model overrides.
type Role string

const (
	RolePlanner   Role = "planner"
	RoleSynthesis Role = "synthesis"
)

// Config carries the shared completion settings plus optional per-role
// model and temperature overrides.
type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.5"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`

	PlannerModel         string  `envconfig:"PLANNER_MODEL" split_words:"true"`
	SynthesisModel       string  `envconfig:"SYNTHESIS_MODEL" split_words:"true"`
	PlannerTemperature   float32 `envconfig:"PLANNER_TEMPERATURE" split_words:"true" default:"-1"`
	SynthesisTemperature float32 `envconfig:"SYNTHESIS_TEMPERATURE" split_words:"true" default:"-1"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: openrouter api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	return nil
}

// OpenRouterFor resolves the client config for one role, falling back to
// the shared model and temperature where no override is set.
func (c Config) OpenRouterFor(role Role) openrouterx.Config {
	modelName := strings.TrimSpace(c.Model)
	temp := c.Temperature

	switch role {
	case RolePlanner:
		if v := strings.TrimSpace(c.PlannerModel); v != "" {
			modelName = v
		}
		if c.PlannerTemperature >= 0 {
			temp = c.PlannerTemperature
		}
	case RoleSynthesis:
		if v := strings.TrimSpace(c.SynthesisModel); v != "" {
			modelName = v
		}
		if c.SynthesisTemperature >= 0 {
			temp = c.SynthesisTemperature
		}
	}

	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              modelName,
		MaxCompletionToken: c.MaxCompletionToken,
		Temperature:        temp,
		Timeout:            c.Timeout,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
	}
}
