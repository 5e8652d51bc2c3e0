package config

import (
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

var (
	// ${VAR:-default}
	envWithDefaultRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*):-([^}]*)\}`)
	// ${VAR}
	envBracedRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	// $VAR
	envSimpleRe = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// LoadDotEnv loads .env files from the working directory if present.
// .env.local wins over .env; existing environment variables always win
// over both. Missing files are not an error.
func LoadDotEnv() {
	for _, name := range []string{".env.local", ".env"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			slog.Warn("Failed to load env file", "file", name, "error", err)
			continue
		}
		slog.Debug("Loaded env file", "file", name)
	}
}

// expandEnvVars substitutes ${VAR:-default}, ${VAR} and $VAR references
// in a string with values from the environment.
func expandEnvVars(s string) string {
	s = envWithDefaultRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envWithDefaultRe.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(parts[1]); ok {
			return v
		}
		return parts[2]
	})
	s = envBracedRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envBracedRe.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})
	s = envSimpleRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envSimpleRe.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})
	return s
}

// expandEnvVarsInData walks a decoded YAML tree and expands env var
// references in every string value. Strings that expand to a clean
// number or boolean are coerced so numeric fields accept "${PORT:-8080}".
func expandEnvVarsInData(data any) any {
	switch v := data.(type) {
	case string:
		expanded := expandEnvVars(v)
		if expanded != v {
			return parseValue(expanded)
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[key] = expandEnvVarsInData(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = expandEnvVarsInData(val)
		}
		return out
	default:
		return data
	}
}

// parseValue coerces a string into bool/int/float when it parses cleanly.
func parseValue(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return s
	}
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.Atoi(trimmed); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return s
}
