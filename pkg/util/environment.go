package util

import (
	"os"
	"strings"
)

func GetEnvironmentVariables() map[string]string {
	environmentVariables := map[string]string{}

	for _, variable := range os.Environ() {
		pair := strings.SplitN(variable, "=", 2)
		if len(pair) != 2 {
			continue
		}

		environmentVariables[pair[0]] = pair[1]
	}

	return environmentVariables
}

// IsUnset reports whether an environment value should be treated as missing.
// Compose files default unset variables to either "None" or an empty string.
func IsUnset(value string) bool {
	trimmed := strings.TrimSpace(value)

	return trimmed == "" || trimmed == "None"
}
