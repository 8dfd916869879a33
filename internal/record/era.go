package record

import (
	"errors"
	"fmt"
	"time"
)

// EraNow marks a record that is still live and editable on its origin device.
// Any other era value is the UTC instant at which the record was preserved
// and removed from the device.
const EraNow Era = "NOW"

// eraTimeFormat fixes the textual layout of finalized eras. Eras are stored
// as text so that plain "=" comparison always works; there are no NULLs.
const eraTimeFormat = "2006-01-02T15:04:05.000000Z"

// ErrInvalidEra indicates an era value that is neither the live sentinel nor
// a parseable UTC timestamp.
var ErrInvalidEra = errors.New("record: invalid era")

// Era is either the EraNow sentinel or a fixed preservation timestamp.
type Era string

// EraAt converts a preservation instant into an era value.
func EraAt(t time.Time) Era {
	return Era(t.UTC().Format(eraTimeFormat))
}

// IsNow reports whether the era is the live sentinel.
func (e Era) IsNow() bool {
	return e == EraNow
}

// Time parses a finalized era back into its preservation instant.
func (e Era) Time() (time.Time, error) {
	if e.IsNow() {
		return time.Time{}, fmt.Errorf("%w: live era has no timestamp", ErrInvalidEra)
	}
	parsed, err := time.Parse(eraTimeFormat, string(e))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidEra, string(e))
	}
	return parsed, nil
}

// Validate checks that the era is the sentinel or a well-formed timestamp.
func (e Era) Validate() error {
	if e == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEra)
	}
	if e.IsNow() {
		return nil
	}
	_, err := e.Time()
	return err
}

// String returns the stored textual form.
func (e Era) String() string {
	return string(e)
}

// RecordState is the lifecycle state derived from a version's era and erasure
// columns.
type RecordState int

const (
	// StateLive means the record's era is still the live sentinel.
	StateLive RecordState = iota
	// StateFinalized means the record was preserved and is immutable from
	// the device's perspective.
	StateFinalized
	// StateErased means the content was destroyed in place; the placeholder
	// row persists until an explicit full delete.
	StateErased
)

// String names the state for logs and errors.
func (s RecordState) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateFinalized:
		return "finalized"
	case StateErased:
		return "erased"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
