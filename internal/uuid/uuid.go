// Package uuid generates and validates record identifiers.
//
// Locally created records get UUID v4 identifiers. Records arriving from the
// sync server may carry any identifier the server chose, so ValidateRecordID
// only enforces the shape the store can index and the protocol can echo back.
package uuid

import (
	"fmt"
	"regexp"
	"unicode"

	"github.com/google/uuid"
)

// MaxRecordIDLength bounds identifiers accepted from the server.
const MaxRecordIDLength = 128

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// ValidateRecordID returns an error if id cannot be used as a record identifier.
func ValidateRecordID(id string) error {
	if id == "" {
		return fmt.Errorf("record id is empty")
	}
	if len(id) > MaxRecordIDLength {
		return fmt.Errorf("record id longer than %d bytes", MaxRecordIDLength)
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("record id %q contains whitespace or control characters", id)
		}
	}
	return nil
}
