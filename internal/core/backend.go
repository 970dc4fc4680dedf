package core

import (
	"context"
	"fmt"
	"strconv"
)

// ErrorCode is a per-key status code reported by a Backend.
// The numeric values are protocol constants shared by every backend.
type ErrorCode int

const (
	// CodeValueTooBig is reported when a value exceeds the backend's item size limit.
	CodeValueTooBig ErrorCode = 3

	// CodeInvalidArgument is reported for malformed keys or payloads.
	CodeInvalidArgument ErrorCode = 7

	// CodeGeneric is reported for server-side failures with no more specific code.
	CodeGeneric ErrorCode = 10

	// CodeTemporaryFailure is reported when the backend is throttling or overloaded.
	CodeTemporaryFailure ErrorCode = 11

	// CodeKeyExists is reported when inserting a key that is already present.
	CodeKeyExists ErrorCode = 12

	// CodeKeyMissing is reported when touching or removing a key that is absent.
	CodeKeyMissing ErrorCode = 13
)

// String returns a short name for the code.
func (c ErrorCode) String() string {
	switch c {
	case CodeValueTooBig:
		return "VALUE_TOO_BIG"
	case CodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case CodeGeneric:
		return "GENERIC_ERROR"
	case CodeTemporaryFailure:
		return "TEMPORARY_FAILURE"
	case CodeKeyExists:
		return "KEY_EXISTS"
	case CodeKeyMissing:
		return "KEY_MISSING"
	default:
		return "CODE_" + strconv.Itoa(int(c))
	}
}

// KeyError describes why a single key of a batch failed.
type KeyError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

// NewKeyError creates a KeyError with a formatted message.
func NewKeyError(code ErrorCode, format string, args ...interface{}) *KeyError {
	return &KeyError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *KeyError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("key error %d (%s)", int(e.Code), e.Code)
	}
	return fmt.Sprintf("key error %d (%s): %s", int(e.Code), e.Code, e.Message)
}

// CAS is the version token most backends hand out on a successful mutation.
type CAS uint64

// String renders the token in decimal.
func (c CAS) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// MutationResult carries the data returned for a key that mutated successfully.
type MutationResult struct {
	// CAS is the new version token of the document.
	CAS fmt.Stringer
}

// KeyOutcome is the raw result of one key within a batch call.
type KeyOutcome struct {
	Success bool
	Result  *MutationResult
	Err     *KeyError
}

// Succeeded builds a successful outcome carrying the given version token.
func Succeeded(cas fmt.Stringer) KeyOutcome {
	return KeyOutcome{Success: true, Result: &MutationResult{CAS: cas}}
}

// Failed builds a failed outcome.
func Failed(err *KeyError) KeyOutcome {
	return KeyOutcome{Success: false, Err: err}
}

// BatchResult is what a Backend returns once a batch call has completed.
// Results holds one entry per submitted key.
type BatchResult struct {
	Keys    []string
	Results map[string]KeyOutcome
}

// NewBatchResult creates an empty result sized for n keys.
func NewBatchResult(n int) *BatchResult {
	return &BatchResult{
		Keys:    make([]string, 0, n),
		Results: make(map[string]KeyOutcome, n),
	}
}

// Set records the outcome for key.
func (r *BatchResult) Set(key string, outcome KeyOutcome) {
	if _, exists := r.Results[key]; !exists {
		r.Keys = append(r.Keys, key)
	}
	r.Results[key] = outcome
}

// InsertDoc is the per-key payload of an insert batch.
type InsertDoc struct {
	Value interface{}
}

// InsertOptions applies to every document of an insert batch.
type InsertOptions struct {
	// Expiry is the time-to-live in whole seconds. Zero or less means no expiry.
	Expiry int64
}

// TouchDoc is the per-key payload of a touch batch.
type TouchDoc struct {
	// Expiry is the new time-to-live in whole seconds. Zero or less means no expiry.
	Expiry int64
}

// Backend is the contract a key-value system must satisfy to serve batched
// mutations. Each method either returns a BatchResult describing every key,
// or an error when the batch as a whole could not be executed (for example a
// lost connection). Per-key failures belong in the BatchResult, not the error.
type Backend interface {
	// InsertMulti stores every document that does not already exist.
	InsertMulti(ctx context.Context, docs map[string]InsertDoc, opts InsertOptions) (*BatchResult, error)

	// TouchMulti resets the expiry of every existing document.
	TouchMulti(ctx context.Context, docs map[string]TouchDoc) (*BatchResult, error)

	// RemoveMulti deletes every listed key.
	RemoveMulti(ctx context.Context, keys []string) (*BatchResult, error)
}

// ClosableBackend is a Backend that holds connections which must be released.
type ClosableBackend interface {
	Backend

	// Close releases resources held by the backend.
	Close() error
}
