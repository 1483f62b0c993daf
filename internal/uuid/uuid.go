// Package uuid generates and checks the client-side submission identifiers.
package uuid

import (
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
)

// New generates a random UUID v4 in canonical lowercase form.
func New() string {
	return uuid.New().String()
}

// Parse parses s and requires a canonical, dashed UUID v4.
func Parse(s string) (uuid.UUID, error) {
	if len(s) != 36 || strings.Count(s, "-") != 4 {
		return uuid.Nil, apperrors.Newf(apperrors.ErrInvalid, "invalid UUID: %q", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid UUID", err)
	}
	if id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		return uuid.Nil, apperrors.Newf(apperrors.ErrInvalid, "expected UUID v4, got v%d", id.Version())
	}
	return id, nil
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Validate returns an INVALID_INPUT error if s is not a valid UUID v4.
func Validate(s string) error {
	_, err := Parse(s)
	return err
}
