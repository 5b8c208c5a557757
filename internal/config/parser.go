package config

import "strings"

// Parse reads JSONC configuration content over base and validates the result.
// Empty content yields base.
func Parse(content string, base Config) (Config, []Warning, error) {
	if strings.TrimSpace(content) == "" {
		validatedWarnings, err := Validate(base)
		if err != nil {
			return Config{}, nil, err
		}
		return base, validatedWarnings, nil
	}
	return parseJSONC(content, base)
}
