package bootloader

import "errors"

// Error kinds shared by every layer of the loader.  Callers match with
// errors.Is; the concrete message carries the detail.
var (
	// ErrNotFound - an NV record, partition or variable is absent.
	// Almost always handled locally by substituting a default.
	ErrNotFound = errors.New("not found")

	// ErrCorrupted - magic, CRC or size mismatch in a persisted record.
	// Where the format permits, the record is reset to a safe default.
	ErrCorrupted = errors.New("record corrupted")

	// ErrAccessDenied - TPM attribute mismatch or unauthenticated NV
	// write.  The current operation is aborted and never retried.
	ErrAccessDenied = errors.New("access denied")

	// ErrIntegrity - a vbmeta signature or rollback check failed.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrOutOfResources - allocation or TPM command buffer exhaustion.
	ErrOutOfResources = errors.New("out of resources")

	// ErrTimeout - TPM or memory map retries exhausted.
	ErrTimeout = errors.New("timed out")

	// ErrPolicyViolation - the request is well formed but forbidden,
	// e.g. decreasing a rollback index.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrOutOfBounds - an image offset computation would exceed the
	// declared image size.
	ErrOutOfBounds = errors.New("offset out of bounds")
)
