package utils

import (
	"fmt"
	"regexp"
	"strings"
)

var validIDRegex = regexp.MustCompile(`^[A-Za-z0-9._:\-]+$`)

// MaxIDLength bounds route and stop ids accepted from clients.
const MaxIDLength = 128

// ValidateID checks that a client supplied id is non-empty and made of safe characters.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("id exceeds %d characters", MaxIDLength)
	}
	if !validIDRegex.MatchString(id) {
		return fmt.Errorf("id %q contains invalid characters", id)
	}
	return nil
}

// ParseIDList splits a comma separated id list and validates every entry.
// Duplicates are removed, first occurrence wins.
func ParseIDList(raw string) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if err := ValidateID(id); err != nil {
			return nil, err
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}
