// Package validate sanitizes caller-supplied naming fields, such as
// instance names and VM type labels, before they are persisted.
package validate

import (
	"fmt"
	"regexp"
)

var propertyInvalidChars = regexp.MustCompile(`[^a-zA-Z0-9\-_.]`)

// SanitizeProperty strips every character outside [a-zA-Z0-9\-_.].
func SanitizeProperty(value string) string {
	return propertyInvalidChars.ReplaceAllString(value, "")
}

// ValidateProperty sanitizes value and rejects it when nothing remains.
// fieldName names the offending field in the error.
func ValidateProperty(fieldName, value string) (string, error) {
	sanitized := SanitizeProperty(value)
	if sanitized == "" {
		return "", fmt.Errorf("%s must not be empty after removing invalid characters (allowed: a-z A-Z 0-9 - _ .)", fieldName)
	}
	return sanitized, nil
}
