// Package config loads per-binary configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Common is embedded by every binary's configuration.
type Common struct {
	Region    string `mapstructure:"AWS_REGION"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// Database addresses an Aurora cluster through the RDS Data API.
type Database struct {
	ClusterARN string `mapstructure:"DB_CLUSTER_ARN"`
	SecretARN  string `mapstructure:"DB_SECRET_ARN"`
	Name       string `mapstructure:"DB_NAME"`
}

// Enabled reports whether enough is configured to reach the database.
func (d Database) Enabled() bool {
	return d.ClusterARN != "" && d.SecretARN != "" && d.Name != ""
}

// missing lists unset DB_* variables. When optional, a fully unset block is
// accepted but a partial one is not.
func (d Database) missing(optional bool) []string {
	if optional && d.ClusterARN == "" && d.SecretARN == "" && d.Name == "" {
		return nil
	}
	var missing []string
	if d.ClusterARN == "" {
		missing = append(missing, "DB_CLUSTER_ARN")
	}
	if d.SecretARN == "" {
		missing = append(missing, "DB_SECRET_ARN")
	}
	if d.Name == "" {
		missing = append(missing, "DB_NAME")
	}
	return missing
}

// KnowledgeBase identifies the Bedrock knowledge base data source to sync.
type KnowledgeBase struct {
	ID           string `mapstructure:"KNOWLEDGE_BASE_ID"`
	DataSourceID string `mapstructure:"KB_DATA_SOURCE_ID"`
}

type AgentConfig struct {
	Common        `mapstructure:",squash"`
	Database      `mapstructure:",squash"`
	Port          string        `mapstructure:"PORT"`
	ParamPrefix   string        `mapstructure:"PARAM_PREFIX"`
	ParamCacheTTL time.Duration `mapstructure:"PARAM_CACHE_TTL"`
	ModelID       string        `mapstructure:"MODEL_ID"`
	SystemPrompt  string        `mapstructure:"SYSTEM_PROMPT"`

	SessionBucket string `mapstructure:"SESSION_BUCKET"`
	SessionPrefix string `mapstructure:"SESSION_PREFIX"`
	SessionTable  string `mapstructure:"SESSION_TABLE"`

	DocumentsBucket string `mapstructure:"DOCUMENTS_BUCKET"`

	GatewayURL     string `mapstructure:"GATEWAY_URL"`
	GatewayService string `mapstructure:"GATEWAY_SERVICE"`

	GuardrailID      string `mapstructure:"GUARDRAIL_ID"`
	GuardrailVersion string `mapstructure:"GUARDRAIL_VERSION"`

	MaxPromptLength    int     `mapstructure:"MAX_PROMPT_LENGTH"`
	MaxHistoryMessages int     `mapstructure:"MAX_HISTORY_MESSAGES"`
	MaxSessionTurns    int     `mapstructure:"MAX_SESSION_TURNS"`
	MaxToolIterations  int     `mapstructure:"MAX_TOOL_ITERATIONS"`
	MaxTokens          int     `mapstructure:"MAX_TOKENS"`
	Temperature        float64 `mapstructure:"TEMPERATURE"`
	PatientLLMFallback bool    `mapstructure:"PATIENT_LLM_FALLBACK"`
}

type RouterConfig struct {
	Common           `mapstructure:",squash"`
	ProcessingBucket string `mapstructure:"PROCESSING_BUCKET"`
	BDAProjectARN    string `mapstructure:"BDA_PROJECT_ARN"`
	BDAProfileARN    string `mapstructure:"BDA_PROFILE_ARN"`
	BDAStage         string `mapstructure:"BDA_STAGE"`
	StateMachineARN  string `mapstructure:"HEALTHSCRIBE_STATE_MACHINE_ARN"`
	EventBusName     string `mapstructure:"EVENT_BUS_NAME"`
	SniffBytes       int    `mapstructure:"MIME_SNIFF_BYTES"`
}

type HealthScribeConfig struct {
	Common            `mapstructure:",squash"`
	Database          `mapstructure:",squash"`
	KnowledgeBase     `mapstructure:",squash"`
	OutputBucket      string `mapstructure:"HEALTHSCRIBE_OUTPUT_BUCKET"`
	ProcessedBucket   string `mapstructure:"PROCESSED_BUCKET"`
	DataAccessRoleARN string `mapstructure:"HEALTHSCRIBE_DATA_ACCESS_ROLE_ARN"`
	MaxSpeakers       int    `mapstructure:"HEALTHSCRIBE_MAX_SPEAKERS"`
	EventBusName      string `mapstructure:"EVENT_BUS_NAME"`
}

type ExtractorConfig struct {
	Common        `mapstructure:",squash"`
	Database      `mapstructure:",squash"`
	KnowledgeBase `mapstructure:",squash"`
	EventBusName  string `mapstructure:"EVENT_BUS_NAME"`
}

var commonDefaults = map[string]any{
	"LOG_LEVEL":  "info",
	"LOG_FORMAT": "json",
}

// LoadDotEnv loads a .env file for local runs. Variables already present in
// the environment win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

func LoadAgent() (*AgentConfig, error) {
	cfg := &AgentConfig{}
	err := load(cfg, map[string]any{
		"PORT":                 "8080",
		"PARAM_CACHE_TTL":      "5m",
		"SESSION_PREFIX":       "sessions/",
		"GATEWAY_SERVICE":      "bedrock-agentcore",
		"GUARDRAIL_VERSION":    "DRAFT",
		"MAX_PROMPT_LENGTH":    4000,
		"MAX_HISTORY_MESSAGES": 20,
		"MAX_SESSION_TURNS":    50,
		"MAX_TOOL_ITERATIONS":  8,
		"MAX_TOKENS":           2048,
		"TEMPERATURE":          0.2,
		"PATIENT_LLM_FALLBACK": false,
	})
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AgentConfig) Validate() error {
	var missing []string
	if c.SessionBucket == "" {
		missing = append(missing, "SESSION_BUCKET")
	}
	if c.SessionTable == "" {
		missing = append(missing, "SESSION_TABLE")
	}
	if c.ParamPrefix == "" && c.ModelID == "" {
		missing = append(missing, "MODEL_ID (or PARAM_PREFIX)")
	}
	missing = append(missing, c.Database.missing(true)...)
	return missingErr(missing)
}

func LoadRouter() (*RouterConfig, error) {
	cfg := &RouterConfig{}
	err := load(cfg, map[string]any{
		"BDA_STAGE":        "LIVE",
		"MIME_SNIFF_BYTES": 3072,
	})
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *RouterConfig) Validate() error {
	var missing []string
	if c.BDAProjectARN == "" {
		missing = append(missing, "BDA_PROJECT_ARN")
	}
	if c.BDAProfileARN == "" {
		missing = append(missing, "BDA_PROFILE_ARN")
	}
	if c.StateMachineARN == "" {
		missing = append(missing, "HEALTHSCRIBE_STATE_MACHINE_ARN")
	}
	return missingErr(missing)
}

func LoadHealthScribe() (*HealthScribeConfig, error) {
	cfg := &HealthScribeConfig{}
	if err := load(cfg, map[string]any{"HEALTHSCRIBE_MAX_SPEAKERS": 2}); err != nil {
		return nil, err
	}
	if cfg.ProcessedBucket == "" {
		cfg.ProcessedBucket = cfg.OutputBucket
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *HealthScribeConfig) Validate() error {
	var missing []string
	if c.OutputBucket == "" {
		missing = append(missing, "HEALTHSCRIBE_OUTPUT_BUCKET")
	}
	if c.DataAccessRoleARN == "" {
		missing = append(missing, "HEALTHSCRIBE_DATA_ACCESS_ROLE_ARN")
	}
	missing = append(missing, c.Database.missing(true)...)
	return missingErr(missing)
}

func LoadExtractor() (*ExtractorConfig, error) {
	cfg := &ExtractorConfig{}
	if err := load(cfg, nil); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ExtractorConfig) Validate() error {
	return missingErr(c.Database.missing(false))
}

func load(out any, defaults map[string]any) error {
	v := viper.New()
	v.AutomaticEnv()
	for k, d := range commonDefaults {
		v.SetDefault(k, d)
	}
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	// Unmarshal only sees keys viper knows about, so every tagged field is
	// bound explicitly.
	for _, key := range envKeys(reflect.TypeOf(out).Elem()) {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("config: bind %s: %w", key, err)
		}
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	return nil
}

func envKeys(t reflect.Type) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if f.Anonymous && strings.Contains(tag, "squash") {
			keys = append(keys, envKeys(f.Type)...)
			continue
		}
		if tag != "" && tag != "-" {
			keys = append(keys, tag)
		}
	}
	return keys
}

func missingErr(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
}
