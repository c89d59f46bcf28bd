package cli

import (
	"os"
	"strings"
)

const envPrefix = "SPIDERBUTTER_"

// loadEnvFromDotEnv copies SPIDERBUTTER_* assignments from path into the
// process environment. Variables that are already set win.
func loadEnvFromDotEnv(path string) {
	for key, value := range loadEnvFileValues(path) {
		if !strings.HasPrefix(key, envPrefix) {
			continue
		}
		if existing := strings.TrimSpace(os.Getenv(key)); existing != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
}

func loadEnvFileValues(path string) map[string]string {
	out := map[string]string{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	normalized := strings.ReplaceAll(string(raw), "\r\n", "\n")
	for _, line := range strings.Split(normalized, "\n") {
		key, value, ok := parseEnvAssignment(line)
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

func parseEnvAssignment(line string) (string, string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "export "))
	key, value, ok := strings.Cut(trimmed, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		if (strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"")) ||
			(strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'")) {
			value = value[1 : len(value)-1]
		}
	}
	return key, value, true
}
