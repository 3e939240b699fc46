// Package config loads layered INI-style configuration: a root settings
// file selects the environment, a per-environment file supplies defaults,
// and STREAMKIT_* environment variables override both.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/streamkit.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// Config describes runtime options for the streaming service and CLI.
type Config struct {
	Environment string
	LogFile     string
	LogLevel    string

	// Settings store: SQLite path by default, Postgres DSN when set.
	SettingsDBPath string
	SettingsPGDSN  string

	// Job store: SQLite path by default, Postgres DSN when set.
	JobsDBPath string
	JobsPGDSN  string

	// Per-vendor endpoints.
	OpenAIBaseURL   string
	OpenAIOrg       string
	BedrockBaseURL  string
	BedrockRegion   string
	GeminiBaseURL   string
	AzureBaseURL    string
	AzureAPIVersion string

	// Circuit breaker tuning.
	BreakerFailureThreshold int
	BreakerRecoveryWindow   time.Duration

	// Model metadata refresh sources.
	ModelMetaFile string
	ModelMetaURL  string

	// ModelAliases maps caller-facing model ids to dispatch ids. Loaded
	// from a YAML file when model_aliases_file is set.
	ModelAliases     map[string]string
	ModelAliasesFile string

	DefaultProvider string
	DefaultModel    string
}

// Load reads configuration rooted at root (usually the working directory).
func Load(root string) (Config, error) {
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := Config{
		Environment:     s.Environment,
		LogFile:         firstNonEmpty(os.Getenv("STREAMKIT_LOG_FILE"), merged["log_file"]),
		LogLevel:        firstNonEmpty(os.Getenv("STREAMKIT_LOG_LEVEL"), merged["log_level"], "info"),
		SettingsDBPath:  firstNonEmpty(os.Getenv("STREAMKIT_SETTINGS_DB"), merged["settings_db"], DefaultSettingsPath()),
		SettingsPGDSN:   firstNonEmpty(os.Getenv("STREAMKIT_SETTINGS_PG_DSN"), merged["settings_pg_dsn"]),
		JobsDBPath:      firstNonEmpty(os.Getenv("STREAMKIT_JOBS_DB"), merged["jobs_db"], DefaultJobsPath()),
		JobsPGDSN:       firstNonEmpty(os.Getenv("STREAMKIT_JOBS_PG_DSN"), merged["jobs_pg_dsn"]),
		OpenAIBaseURL:   firstNonEmpty(os.Getenv("STREAMKIT_OPENAI_BASE_URL"), merged["openai_base_url"]),
		OpenAIOrg:       firstNonEmpty(os.Getenv("STREAMKIT_OPENAI_ORG"), merged["openai_org"]),
		BedrockBaseURL:  firstNonEmpty(os.Getenv("STREAMKIT_BEDROCK_BASE_URL"), merged["bedrock_base_url"]),
		BedrockRegion:   firstNonEmpty(os.Getenv("STREAMKIT_BEDROCK_REGION"), merged["bedrock_region"]),
		GeminiBaseURL:   firstNonEmpty(os.Getenv("STREAMKIT_GEMINI_BASE_URL"), merged["gemini_base_url"]),
		AzureBaseURL:    firstNonEmpty(os.Getenv("STREAMKIT_AZURE_BASE_URL"), merged["azure_base_url"]),
		AzureAPIVersion: firstNonEmpty(os.Getenv("STREAMKIT_AZURE_API_VERSION"), merged["azure_api_version"]),
		ModelMetaFile:   firstNonEmpty(os.Getenv("STREAMKIT_MODEL_META_FILE"), merged["model_meta_file"]),
		ModelMetaURL:    firstNonEmpty(os.Getenv("STREAMKIT_MODEL_META_URL"), merged["model_meta_url"]),
		DefaultProvider: firstNonEmpty(os.Getenv("STREAMKIT_DEFAULT_PROVIDER"), merged["default_provider"], "openai"),
		DefaultModel:    firstNonEmpty(os.Getenv("STREAMKIT_DEFAULT_MODEL"), merged["default_model"], "gpt-4o"),
	}

	cfg.BreakerFailureThreshold = parseOptionalInt(firstNonEmpty(os.Getenv("STREAMKIT_BREAKER_THRESHOLD"), merged["breaker_threshold"]), 5)
	if v := firstNonEmpty(os.Getenv("STREAMKIT_BREAKER_RECOVERY"), merged["breaker_recovery"]); v != "" {
		dur, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return Config{}, fmt.Errorf("invalid breaker_recovery %q: %w", v, err)
		}
		cfg.BreakerRecoveryWindow = dur
	} else {
		cfg.BreakerRecoveryWindow = 60 * time.Second
	}

	cfg.ModelAliasesFile = firstNonEmpty(os.Getenv("STREAMKIT_MODEL_ALIASES_FILE"), merged["model_aliases_file"])
	if strings.TrimSpace(cfg.ModelAliasesFile) != "" {
		aliases, err := loadAliasesFile(cfg.ModelAliasesFile)
		if err != nil {
			return Config{}, err
		}
		cfg.ModelAliases = aliases
	}

	return cfg, nil
}

// loadAliasesFile reads a YAML map of model id aliases.
func loadAliasesFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model aliases %s: %w", path, err)
	}
	var aliases map[string]string
	if err := yaml.Unmarshal(b, &aliases); err != nil {
		return nil, fmt.Errorf("parse model aliases %s: %w", path, err)
	}
	out := make(map[string]string, len(aliases))
	for k, v := range aliases {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k != "" && v != "" {
			out[strings.ToLower(k)] = v
		}
	}
	return out, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultSettingsPath returns the default SQLite settings store location.
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "streamkit-settings.db"
	}
	return filepath.Join(home, ".streamkit", "settings.db")
}

// DefaultJobsPath returns the default SQLite job store location.
func DefaultJobsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "streamkit-jobs.db"
	}
	return filepath.Join(home, ".streamkit", "jobs.db")
}
