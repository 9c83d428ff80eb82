package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix marks environment variables that override config keys.
const EnvPrefix = "HERALD_"

// LoadEnvFiles loads .env.local and .env into the process environment
// before the config is read. Missing files are not an error.
func LoadEnvFiles() error {
	envFiles := []string{".env.local", ".env"}

	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	return nil
}

// nestedSections names the sections that contain a further level of keys.
// Everything below them is a flat key, so underscore splitting stays
// unambiguous: HERALD_LLM_BASE_URL → llm.base_url,
// HERALD_FLEET_AUTH_MODE → fleet.auth.mode.
var nestedSections = map[string][]string{
	"templates":     {"selection"},
	"fleet":         {"auth"},
	"observability": {"tracing", "metrics"},
}

// applyEnvOverrides writes HERALD_-prefixed variables into the raw config
// map by dot-path lowercasing, with typed coercion of the value.
func applyEnvOverrides(raw map[string]any, environ []string) {
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		path := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		section, rest, ok := strings.Cut(path, "_")
		if !ok || rest == "" {
			continue
		}

		target := childMap(raw, section)
		for _, sub := range nestedSections[section] {
			if inner, found := strings.CutPrefix(rest, sub+"_"); found && inner != "" {
				target = childMap(target, sub)
				rest = inner
				break
			}
		}
		target[rest] = parseValue(value)
	}
}

// childMap returns raw[key] as a map, creating or replacing as needed.
func childMap(raw map[string]any, key string) map[string]any {
	if child, ok := raw[key].(map[string]any); ok && child != nil {
		return child
	}
	child := map[string]any{}
	raw[key] = child
	return child
}

// parseValue coerces an env string to bool, int, or float where possible.
func parseValue(value string) any {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}

	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}

	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}

	return value
}
