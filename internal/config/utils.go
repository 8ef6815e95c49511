package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
)

// resolveEnvString resolves a value in "os.environ/VAR_NAME" form against
// the current environment, returning the literal value unchanged otherwise.
func resolveEnvString(value string) string {
	const prefix = "os.environ/"
	if strings.HasPrefix(value, prefix) {
		envVar := strings.TrimPrefix(value, prefix)
		if envValue := os.Getenv(envVar); envValue != "" {
			return envValue
		}
		slog.Warn("environment variable not set, returning empty string",
			"env_var", envVar,
			"pattern", value,
		)
		return ""
	}
	return value
}

// parseFunc parses a string value into the desired type.
type parseFunc[T any] func(string) (T, error)

// parseField resolves env-var indirection and parses the result, attaching
// fieldPath to any error for context.
func parseField[T any](tempValue string, defaultValue T, parser parseFunc[T], fieldPath string) (T, error) {
	if tempValue == "" {
		return defaultValue, nil
	}

	resolved := resolveEnvString(tempValue)
	parsed, err := parser(resolved)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s: %w", fieldPath, err)
	}
	return parsed, nil
}

// validateBaseURL validates that a provider's base_url is a well-formed
// http(s) URL with a host.
func validateBaseURL(providerKey, baseURL string) error {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("provider %s: invalid base_url: %w", providerKey, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("provider %s: base_url must use http or https scheme, got: %s", providerKey, parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("provider %s: base_url must have a host", providerKey)
	}
	return nil
}

// PrintConfig logs the loaded configuration in structured form, redacting
// API keys.
func PrintConfig(logger *slog.Logger, cfg *Config) {
	logger.Info("=== Configuration Loaded ===")

	logger.Info("server",
		"port", cfg.Server.Port,
		"logging_level", cfg.Server.LoggingLevel,
		"json_logs", cfg.Server.JSONLogs,
		"read_timeout", cfg.Server.ReadTimeout.String(),
		"write_timeout", cfg.Server.WriteTimeout.String(),
	)

	logger.Info("store",
		"type", cfg.Store.Type,
		"max_conns", cfg.Store.MaxConns,
		"min_conns", cfg.Store.MinConns,
		"health_check_interval", cfg.Store.HealthCheckInterval.String(),
	)

	logger.Info("budget",
		"cap_usd", cfg.Budget.CapUSD,
		"window_hours", cfg.Budget.WindowHours,
	)

	logger.Info("retry",
		"adapter_max_retries", cfg.Retry.AdapterMaxRetries,
		"adapter_base_delay", cfg.Retry.AdapterBaseDelay.String(),
		"adapter_max_delay", cfg.Retry.AdapterMaxDelay.String(),
		"queue_max_attempts", cfg.Retry.QueueMaxAttempts,
		"default_batch_size", cfg.Retry.DefaultBatchSize,
		"max_batch_size", cfg.Retry.MaxBatchSize,
	)

	logger.Info("monitoring",
		"prometheus_enabled", cfg.Monitoring.PrometheusEnabled,
		"health_check_path", cfg.Monitoring.HealthCheckPath,
	)

	logger.Info("pricing", "model_prices_link", cfg.Pricing.ModelPricesLink)

	logger.Info("providers", "total_count", len(cfg.Providers))
	for _, p := range cfg.Providers {
		logger.Info(fmt.Sprintf("  [%s] provider", p.Key),
			"name", p.Name,
			"base_url", p.BaseURL,
			"api_key_set", p.APIKey != "",
			"active_models", len(p.ActiveModels()),
			"total_models", len(p.Models),
		)
	}

	logger.Info("=== Configuration Ready ===")
}
