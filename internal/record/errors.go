package record

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateLogicalRecord indicates an initial version was requested
	// where a current version already exists; retry as a supersede.
	ErrDuplicateLogicalRecord = errors.New("record: duplicate logical record")
	// ErrStaleVersion indicates an optimistic-concurrency failure; re-fetch
	// the chain head and retry.
	ErrStaleVersion = errors.New("record: stale version")
	// ErrCorruptChain indicates a cycle or break in the predecessor/successor
	// links. Not retryable; surfaced for manual data repair, never
	// auto-corrected.
	ErrCorruptChain = errors.New("record: corrupt version chain")
	// ErrBatchIntegrity indicates the post-batch single-current check failed;
	// the enclosing transaction is rolled back wholesale.
	ErrBatchIntegrity = errors.New("record: batch integrity violation")
	// ErrRecordStillLive indicates an administrative transition was attempted
	// on a record whose era is still the live sentinel.
	ErrRecordStillLive = errors.New("record: record still live on device")
	// ErrNoSuchRecord indicates no version exists for the logical id.
	ErrNoSuchRecord = errors.New("record: no such logical record")
	// ErrNotErasable indicates the row type does not implement Erasable.
	ErrNotErasable = errors.New("record: row type does not support erasure")
)

// ServiceError wraps a sentinel or storage error with a dotted operation code
// such as "record.apply_upload_batch.batch_integrity".
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
