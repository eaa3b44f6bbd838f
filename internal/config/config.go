package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton
// Should be called once at application startup
func Initialize() error {
	v = viper.New()

	// Set config type to yaml (we only load config.yaml, not config.json)
	v.SetConfigType("yaml")

	// Explicitly locate config.yaml and use SetConfigFile to avoid picking up config.json
	// Precedence: project .changeflow/config.yaml > ~/.config/cf/config.yaml > ~/.changeflow/config.yaml
	configFileSet := false

	// 1. Walk up from CWD to find project .changeflow/config.yaml
	//    This allows commands to work from subdirectories
	cwd, err := os.Getwd()
	if err == nil && !configFileSet {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".changeflow", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory (~/.config/cf/config.yaml)
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "cf", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// 3. Home directory (~/.changeflow/config.yaml)
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".changeflow", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Automatic environment variable binding
	// Environment variables take precedence over config file
	// E.g., CHANGEFLOW_JSON, CHANGEFLOW_ACTOR, CHANGEFLOW_ROOT
	v.SetEnvPrefix("CHANGEFLOW")

	// Replace hyphens and dots with underscores for env var mapping
	// This allows CHANGEFLOW_SERVER_RATE_LIMIT to map to "server.rate-limit"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Set defaults for all flags
	v.SetDefault("json", false)
	v.SetDefault("actor", "")
	v.SetDefault("owner", "")
	v.SetDefault("root", "")
	v.SetDefault("ttl", 3600)
	v.SetDefault("template", "feature")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.tls-cert", "")
	v.SetDefault("server.tls-key", "")
	v.SetDefault("server.auth-tokens", "")
	v.SetDefault("server.allowed-origins", "*")
	v.SetDefault("server.rate-limit", 100)
	v.SetDefault("server.rate-limit-burst", 20)
	v.SetDefault("server.rate-limit-window-ms", 60000)
	v.SetDefault("server.max-response-size-kb", 1024)
	v.SetDefault("server.request-timeout-ms", 30000)
	v.SetDefault("server.security-headers-enabled", true)
	v.SetDefault("server.log-file", "")

	// Streaming and pagination defaults
	v.SetDefault("stream.memory-threshold-kb", 1024)
	v.SetDefault("pagination.signing-key", "")
	v.SetDefault("audit.enabled", true)
	v.SetDefault("ai.api-key", "")
	v.SetDefault("ai.model", "")

	// Deployment environments configure the server through bare variable
	// names; these are bound explicitly so they work without the prefix
	_ = v.BindEnv("server.auth-tokens", "AUTH_TOKENS")
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("server.host", "HOST")
	_ = v.BindEnv("server.tls-cert", "TLS_CERT")
	_ = v.BindEnv("server.tls-key", "TLS_KEY")
	_ = v.BindEnv("server.allowed-origins", "ALLOWED_ORIGINS")
	_ = v.BindEnv("server.rate-limit", "RATE_LIMIT")
	_ = v.BindEnv("server.rate-limit-burst", "RATE_LIMIT_BURST")
	_ = v.BindEnv("server.rate-limit-window-ms", "RATE_LIMIT_WINDOW_MS")
	_ = v.BindEnv("server.max-response-size-kb", "MAX_RESPONSE_SIZE_KB")
	_ = v.BindEnv("server.request-timeout-ms", "REQUEST_TIMEOUT_MS")
	_ = v.BindEnv("server.security-headers-enabled", "SECURITY_HEADERS_ENABLED")
	_ = v.BindEnv("server.log-file", "LOG_FILE")
	_ = v.BindEnv("pagination.signing-key", "CURSOR_SIGNING_KEY")

	// Read config file if it was found
	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// FileUsed returns the path of the loaded config file, or "" if none was found.
func FileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetInt64 retrieves an int64 configuration value
func GetInt64(key string) int64 {
	if v == nil {
		return 0
	}
	return v.GetInt64(key)
}

// GetDuration retrieves a duration configuration value
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set sets a configuration value
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns all configuration settings as a map
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}

// ServerConfig carries the resolved HTTP transport settings.
type ServerConfig struct {
	Host             string
	Port             int
	TLSCert          string
	TLSKey           string
	AuthTokens       []string
	AllowedOrigins   []string
	RateLimit        int
	RateLimitBurst   int
	RateLimitWindow  time.Duration
	MaxResponseBytes int64
	RequestTimeout   time.Duration
	SecurityHeaders  bool
}

// Server assembles the HTTP transport settings from the active configuration.
func Server() ServerConfig {
	return ServerConfig{
		Host:             GetString("server.host"),
		Port:             GetInt("server.port"),
		TLSCert:          GetString("server.tls-cert"),
		TLSKey:           GetString("server.tls-key"),
		AuthTokens:       SplitList(GetString("server.auth-tokens")),
		AllowedOrigins:   SplitList(GetString("server.allowed-origins")),
		RateLimit:        GetInt("server.rate-limit"),
		RateLimitBurst:   GetInt("server.rate-limit-burst"),
		RateLimitWindow:  time.Duration(GetInt("server.rate-limit-window-ms")) * time.Millisecond,
		MaxResponseBytes: int64(GetInt("server.max-response-size-kb")) * 1024,
		RequestTimeout:   time.Duration(GetInt("server.request-timeout-ms")) * time.Millisecond,
		SecurityHeaders:  GetBool("server.security-headers-enabled"),
	}
}

// Addr returns the listen address in host:port form.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TLSEnabled reports whether both TLS cert and key are configured.
func (c ServerConfig) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// SplitList splits a comma-separated value into trimmed non-empty entries.
func SplitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// GetActor resolves the actor name recorded in receipts and audit entries.
// Priority chain:
//  1. flagValue (if non-empty, from --actor flag)
//  2. CHANGEFLOW_ACTOR env var / config.yaml actor field (via viper)
//  3. git config user.name
//  4. hostname
func GetActor(flagValue string) string {
	// 1. Command-line flag takes precedence
	if flagValue != "" {
		return flagValue
	}

	// 2. CHANGEFLOW_ACTOR env var or config.yaml actor (viper handles both)
	if actor := GetString("actor"); actor != "" {
		return actor
	}

	// 3. git config user.name
	cmd := exec.Command("git", "config", "user.name")
	if output, err := cmd.Output(); err == nil {
		if gitUser := strings.TrimSpace(string(output)); gitUser != "" {
			return gitUser
		}
	}

	// 4. hostname
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}

	return "unknown"
}
