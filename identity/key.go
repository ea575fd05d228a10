// Package identity defines the composite key that names one sequenced element.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const separator = ":"

// ErrInvalidKey is returned when a key cannot be parsed or fails validation.
var ErrInvalidKey = errors.New("invalid identity key")

// Key identifies one sequence/version subject. It is the unit of lookup and of
// mutation serialization in the store.
type Key struct {
	ElementType string `json:"element_type"`
	ElementID   int64  `json:"element_id"`
}

// New returns a key for the given element.
func New(elementType string, elementID int64) Key {
	return Key{ElementType: elementType, ElementID: elementID}
}

// String returns the canonical "<type>:<id>" form.
func (k Key) String() string {
	return k.ElementType + separator + strconv.FormatInt(k.ElementID, 10)
}

// Validate checks that the key can be persisted and rendered canonically.
func (k Key) Validate() error {
	return ValidateElementType(k.ElementType)
}

// ValidateElementType rejects empty types, types with surrounding whitespace
// and types containing the canonical separator.
func ValidateElementType(elementType string) error {
	switch {
	case elementType == "":
		return fmt.Errorf("%w: element type is required", ErrInvalidKey)
	case strings.TrimSpace(elementType) != elementType:
		return fmt.Errorf("%w: element type %q has surrounding whitespace", ErrInvalidKey, elementType)
	case strings.Contains(elementType, separator):
		return fmt.Errorf("%w: element type %q must not contain %q", ErrInvalidKey, elementType, separator)
	}
	return nil
}

// Parse reads a key from its canonical form.
func Parse(s string) (Key, error) {
	idx := strings.LastIndex(s, separator)
	if idx <= 0 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	id, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q: %v", ErrInvalidKey, s, err)
	}
	k := Key{ElementType: s[:idx], ElementID: id}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Less orders keys by element type, then element id.
func (k Key) Less(other Key) bool {
	if k.ElementType != other.ElementType {
		return k.ElementType < other.ElementType
	}
	return k.ElementID < other.ElementID
}
