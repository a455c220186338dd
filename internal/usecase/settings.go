package usecase

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const (
	defaultMaxTokens   = 300
	defaultTemperature = 0.7

	annotatorMaxTokens   = 80
	annotatorTemperature = 0.2
)

// ParamGetter fetches runtime settings by full parameter name.
type ParamGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// Settings are the model parameters loaded from the parameter store.
type Settings struct {
	Model       string
	VisionModel string
	MaxTokens   int
	Temperature float64
}

func (s *CheckInService) ensureConfig(ctx context.Context) (Settings, error) {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		cfg := s.settings
		s.cacheMu.RUnlock()
		return cfg, nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return s.settings, nil
	}

	cfg, err := s.loadSettings(ctx)
	if err != nil {
		return Settings{}, err
	}
	s.settings = cfg
	s.cacheLoaded = true
	return cfg, nil
}

func (s *CheckInService) loadSettings(ctx context.Context) (Settings, error) {
	var (
		modelKey       = s.paramPrefix + "/config/openai_model"
		maxTokensKey   = s.paramPrefix + "/config/max_tokens"
		temperatureKey = s.paramPrefix + "/config/temperature"
		visionKey      = s.paramPrefix + "/config/vision_model"
	)
	vals, err := s.params.GetParameters(ctx, modelKey, maxTokensKey, temperatureKey, visionKey)
	if err != nil {
		return Settings{}, fmt.Errorf("usecase: load settings: %w", err)
	}

	cfg := Settings{
		Model:       strings.TrimSpace(vals[modelKey]),
		VisionModel: strings.TrimSpace(vals[visionKey]),
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
	}
	if cfg.Model == "" {
		return Settings{}, fmt.Errorf("usecase: load settings: %s is not set", modelKey)
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if v := strings.TrimSpace(vals[maxTokensKey]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Settings{}, fmt.Errorf("usecase: load settings: invalid max_tokens %q", v)
		}
		cfg.MaxTokens = n
	}
	if v := strings.TrimSpace(vals[temperatureKey]); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 2 {
			return Settings{}, fmt.Errorf("usecase: load settings: invalid temperature %q", v)
		}
		cfg.Temperature = f
	}
	return cfg, nil
}
