// Package config loads pipeline configuration from a YAML file with
// environment-variable overrides. The file is optional; every field has a
// default, and an unusable combination is a fatal configuration error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"storymill/internal/types"
)

// Config is the full pipeline configuration.
type Config struct {
	DBPath         string `yaml:"db_path"`
	VocabularyPath string `yaml:"vocabulary_path"`

	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	Model           string `yaml:"model"`
	SimpleModel     string `yaml:"simple_model"`

	OpenAIAPIKey   string `yaml:"openai_api_key"`
	EmbedModel     string `yaml:"embed_model"`
	EmbedBaseURL   string `yaml:"embed_base_url"`
	EmbedDisabled  bool   `yaml:"embed_disabled"`
	ReviewDisabled bool   `yaml:"review_disabled"`

	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	AmbiguityBand       float64 `yaml:"ambiguity_band"`
	AliasConfidence     float64 `yaml:"alias_confidence"`

	MinGroupSize        int     `yaml:"min_group_size"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	VolumeWeight        float64 `yaml:"volume_weight"`
	SpecificityWeight   float64 `yaml:"specificity_weight"`
	StabilityWeight     float64 `yaml:"stability_weight"`

	MinUsableExcerptRatio float64 `yaml:"min_usable_excerpt_ratio"`
	MaxBareConversations  int     `yaml:"max_bare_conversations"`
}

// Load reads path (empty means "storymill.yaml" if present), applies
// STORYMILL_* environment overrides, fills defaults, and validates.
func Load(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		path = "storymill.yaml"
		if envPath := os.Getenv("STORYMILL_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, &types.ConfigurationError{Reason: fmt.Sprintf("parse %s: %v", path, err)}
		}
	} else if !os.IsNotExist(err) {
		return nil, &types.ConfigurationError{Reason: fmt.Sprintf("read %s: %v", path, err)}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	envOverride(&cfg.DBPath, "STORYMILL_DB_PATH")
	envOverride(&cfg.VocabularyPath, "STORYMILL_VOCABULARY_PATH")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.Model, "STORYMILL_MODEL")
	envOverride(&cfg.SimpleModel, "STORYMILL_MODEL_SIMPLE")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.EmbedModel, "OPENAI_EMBED_MODEL")
	envOverride(&cfg.EmbedBaseURL, "OPENAI_BASE_URL")
	envOverrideBool(&cfg.EmbedDisabled, "STORYMILL_EMBED_DISABLED")
	envOverrideBool(&cfg.ReviewDisabled, "STORYMILL_REVIEW_DISABLED")

	for _, f := range []struct {
		field *float64
		key   string
	}{
		{&cfg.SimilarityThreshold, "STORYMILL_SIMILARITY_THRESHOLD"},
		{&cfg.AmbiguityBand, "STORYMILL_AMBIGUITY_BAND"},
		{&cfg.AliasConfidence, "STORYMILL_ALIAS_CONFIDENCE"},
		{&cfg.ConfidenceThreshold, "STORYMILL_CONFIDENCE_THRESHOLD"},
	} {
		if err := envOverrideFloat(f.field, f.key); err != nil {
			return err
		}
	}
	if err := envOverrideInt(&cfg.MinGroupSize, "STORYMILL_MIN_GROUP_SIZE"); err != nil {
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = ".storymill/storymill.db"
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.82
	}
	if cfg.AmbiguityBand == 0 {
		cfg.AmbiguityBand = 0.07
	}
	if cfg.AliasConfidence == 0 {
		cfg.AliasConfidence = 0.6
	}
	if cfg.MinGroupSize == 0 {
		cfg.MinGroupSize = 3
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = 50.0
	}
	if cfg.VolumeWeight == 0 && cfg.SpecificityWeight == 0 && cfg.StabilityWeight == 0 {
		cfg.VolumeWeight = 0.4
		cfg.SpecificityWeight = 0.35
		cfg.StabilityWeight = 0.25
	}
	if cfg.MinUsableExcerptRatio == 0 {
		cfg.MinUsableExcerptRatio = 0.5
	}
	if cfg.MaxBareConversations == 0 {
		cfg.MaxBareConversations = 1
	}
}

// Validate checks the loaded values are usable.
func (c *Config) Validate() error {
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return &types.ConfigurationError{Reason: fmt.Sprintf("similarity_threshold %.2f must be in (0, 1]", c.SimilarityThreshold)}
	}
	if c.AmbiguityBand < 0 || c.AmbiguityBand >= c.SimilarityThreshold {
		return &types.ConfigurationError{Reason: fmt.Sprintf("ambiguity_band %.2f must be non-negative and below similarity_threshold", c.AmbiguityBand)}
	}
	if c.AliasConfidence < 0 || c.AliasConfidence > 1 {
		return &types.ConfigurationError{Reason: fmt.Sprintf("alias_confidence %.2f must be between 0 and 1", c.AliasConfidence)}
	}
	if c.MinGroupSize < 1 {
		return &types.ConfigurationError{Reason: fmt.Sprintf("min_group_size %d must be at least 1", c.MinGroupSize)}
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 100 {
		return &types.ConfigurationError{Reason: fmt.Sprintf("confidence_threshold %.1f must be between 0 and 100", c.ConfidenceThreshold)}
	}
	if c.VolumeWeight+c.SpecificityWeight+c.StabilityWeight <= 0 {
		return &types.ConfigurationError{Reason: "scoring weights must sum to a positive value"}
	}
	if c.MinUsableExcerptRatio < 0 || c.MinUsableExcerptRatio > 1 {
		return &types.ConfigurationError{Reason: fmt.Sprintf("min_usable_excerpt_ratio %.2f must be between 0 and 1", c.MinUsableExcerptRatio)}
	}
	return nil
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = strings.EqualFold(val, "true") || val == "1"
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return &types.ConfigurationError{Reason: fmt.Sprintf("invalid %s %q: %v", envKey, val, err)}
		}
		*field = parsed
	}
	return nil
}

func envOverrideFloat(field *float64, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return &types.ConfigurationError{Reason: fmt.Sprintf("invalid %s %q: %v", envKey, val, err)}
		}
		*field = parsed
	}
	return nil
}
