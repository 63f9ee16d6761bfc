package git

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidObjectID is returned in case an object ID's string
	// representation is not a valid one.
	ErrInvalidObjectID = errors.New("invalid object ID")

	// Abbreviated IDs are accepted as git prints them with core.abbrev.
	// The upper bound covers SHA-256 repositories.
	objectIDRegex = regexp.MustCompile(`\A[0-9a-f]{4,64}\z`)
)

// ObjectID represents an object ID.
type ObjectID string

// NewObjectIDFromHex constructs a new ObjectID from the given hex
// representation of the object ID. Surrounding whitespace, e.g. the
// trailing newline of `git rev-parse`, is ignored. Returns
// ErrInvalidObjectID if the given OID is not valid.
func NewObjectIDFromHex(hex string) (ObjectID, error) {
	hex = strings.TrimSpace(hex)
	if err := ValidateObjectID(hex); err != nil {
		return "", err
	}
	return ObjectID(hex), nil
}

// String returns the hex representation of the ObjectID.
func (oid ObjectID) String() string {
	return string(oid)
}

// ValidateObjectID checks if id is a syntactically correct object ID.
// Returns an ErrInvalidObjectID if the id is not valid.
func ValidateObjectID(id string) error {
	if objectIDRegex.MatchString(id) {
		return nil
	}

	return fmt.Errorf("%w: %q", ErrInvalidObjectID, id)
}
