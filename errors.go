package nudb

import (
	"errors"
	"fmt"
)

// Code identifies the kind of an Error, mirroring the error enum of the
// database this one is modeled on (see DESIGN.md).
type Code int

const (
	// Semantic — not failures of the database itself.
	ErrKeyNotFound Code = iota + 1
	ErrKeyExists
	ErrLogFileExists
	ErrNoKeyFile

	// I/O.
	ErrShortRead
	ErrShortWrite

	// Format.
	ErrNotDataFile
	ErrNotKeyFile
	ErrNotLogFile
	ErrDifferentVersion
	ErrInvalidKeySize
	ErrInvalidBlockSize
	ErrShortKeyFile
	ErrShortBucket
	ErrShortSpill
	ErrShortDataRecord
	ErrShortValue
	ErrInvalidLoadFactor
	ErrInvalidCapacity
	ErrInvalidBucketCount
	ErrInvalidBucketSize
	ErrIncompleteDataFileHeader
	ErrIncompleteKeyFileHeader
	ErrInvalidLogRecord
	ErrInvalidLogSpill
	ErrInvalidLogOffset
	ErrInvalidLogIndex
	ErrInvalidSpillSize

	// Header agreement.
	ErrUIDMismatch
	ErrAppnumMismatch
	ErrKeySizeMismatch
	ErrSaltMismatch
	ErrPepperMismatch
	ErrBlockSizeMismatch
	ErrHashMismatch

	// Integrity (verify).
	ErrOrphanedValue
	ErrMissingValue
	ErrSizeMismatch
	ErrDuplicateValue

	// Programmer errors — fatal, not recoverable by retrying.
	ErrZeroSizeValue
	ErrValueTooLarge
	ErrStoreClosed
)

var codeNames = map[Code]string{
	ErrKeyNotFound:              "key_not_found",
	ErrKeyExists:                "key_exists",
	ErrLogFileExists:            "log_file_exists",
	ErrNoKeyFile:                "no_key_file",
	ErrShortRead:                "short_read",
	ErrShortWrite:               "short_write",
	ErrNotDataFile:              "not_data_file",
	ErrNotKeyFile:               "not_key_file",
	ErrNotLogFile:               "not_log_file",
	ErrDifferentVersion:         "different_version",
	ErrInvalidKeySize:           "invalid_key_size",
	ErrInvalidBlockSize:         "invalid_block_size",
	ErrShortKeyFile:             "short_key_file",
	ErrShortBucket:              "short_bucket",
	ErrShortSpill:               "short_spill",
	ErrShortDataRecord:          "short_data_record",
	ErrShortValue:               "short_value",
	ErrInvalidLoadFactor:        "invalid_load_factor",
	ErrInvalidCapacity:          "invalid_capacity",
	ErrInvalidBucketCount:       "invalid_bucket_count",
	ErrInvalidBucketSize:        "invalid_bucket_size",
	ErrIncompleteDataFileHeader: "incomplete_data_file_header",
	ErrIncompleteKeyFileHeader:  "incomplete_key_file_header",
	ErrInvalidLogRecord:         "invalid_log_record",
	ErrInvalidLogSpill:          "invalid_log_spill",
	ErrInvalidLogOffset:         "invalid_log_offset",
	ErrInvalidLogIndex:          "invalid_log_index",
	ErrInvalidSpillSize:         "invalid_spill_size",
	ErrUIDMismatch:              "uid_mismatch",
	ErrAppnumMismatch:           "appnum_mismatch",
	ErrKeySizeMismatch:          "key_size_mismatch",
	ErrSaltMismatch:             "salt_mismatch",
	ErrPepperMismatch:           "pepper_mismatch",
	ErrBlockSizeMismatch:        "block_size_mismatch",
	ErrHashMismatch:             "hash_mismatch",
	ErrOrphanedValue:            "orphaned_value",
	ErrMissingValue:             "missing_value",
	ErrSizeMismatch:             "size_mismatch",
	ErrDuplicateValue:           "duplicate_value",
	ErrZeroSizeValue:            "zero_size_value",
	ErrValueTooLarge:            "value_too_large",
	ErrStoreClosed:              "store_closed",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("unknown_error(%d)", int(c))
}

// Error is the tagged error type every public operation returns. It wraps
// either a Code describing a format/semantic/integrity condition, or an
// underlying OS error (short reads/writes surface both: the Code plus the
// OS error that triggered it).
type Error struct {
	Code Code
	Err  error // underlying cause, if any; may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("nudb: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("nudb: %s", e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the same Code, so callers can write
// errors.Is(err, nudb.ErrKeyNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Code == e.Code
}

// NewError constructs an *Error for Code with no underlying cause. It is
// also usable as a comparison target: errors.Is(err, nudb.NewError(nudb.ErrKeyExists)).
func NewError(code Code) *Error {
	return &Error{Code: code}
}

// wrapError constructs an *Error for Code wrapping an underlying cause.
func wrapError(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Recoverable reports whether err (if it is an *Error) indicates a
// condition a caller can act on directly without closing and reopening the
// database — per spec, only key_not_found and key_exists qualify; every
// other public-API error requires close+reopen (which runs recovery).
func Recoverable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == ErrKeyNotFound || e.Code == ErrKeyExists
}
