package util

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TitleCase normalises area and country names, eg. "NEWPORT" -> "Newport".
func TitleCase(s string) string {
	return cases.Title(language.English).String(strings.TrimSpace(s))
}

// ParseFloatList parses a comma separated list such as "-3.1,51.5".
func ParseFloatList(s string, expected int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if expected > 0 && len(parts) != expected {
		return nil, fmt.Errorf("expected %d comma separated values, got %d", expected, len(parts))
	}

	values := make([]float64, 0, len(parts))
	for _, part := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", part, err)
		}
		values = append(values, value)
	}

	return values, nil
}
