package utils

import (
	"os"
	"strconv"
)

func ParseWithFallback(envName string, fallback string) string {
	if result, ok := os.LookupEnv(envName); ok && result != "" {
		return result
	}

	return fallback
}

// ParseBoolWithFallback treats unparsable values as the fallback.
func ParseBoolWithFallback(envName string, fallback bool) bool {
	raw, ok := os.LookupEnv(envName)
	if !ok {
		return fallback
	}

	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}

	return value
}
