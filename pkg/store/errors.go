package store

import (
	"errors"
	"fmt"

	"scenedb/pkg/models"
)

// ErrNotFound is returned when a scene or snapshot does not exist.
var ErrNotFound = errors.New("not found")

// ErrKeyNotFound is the backend-level miss; stores translate it.
var ErrKeyNotFound = errors.New("key not found")

// ValidationError marks caller mistakes (missing project id, nil scenes).
// Handlers map it to 400.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError is returned when a compare-and-swap write loses the race.
// Latest carries the current server copy so clients can resolve without a
// second round trip.
type ConflictError struct {
	Latest      models.Scene
	BaseVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: base %d, server at %d",
		e.Latest.SceneID, e.BaseVersion, e.Latest.Version)
}
