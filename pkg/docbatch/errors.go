package docbatch

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingConfig is returned by New when no configuration is given.
	ErrMissingConfig = errors.New("docbatch: config is required")

	// ErrMissingBucket is returned by New when Config.Bucket was never set.
	ErrMissingBucket = errors.New("docbatch: config.Bucket is required")

	// ErrNilBucket is returned by New when Config.Bucket holds a nil value.
	ErrNilBucket = errors.New("docbatch: config.Bucket is nil")

	// ErrMissingMethod matches every *MissingMethodError.
	ErrMissingMethod = errors.New("docbatch: bucket is missing a required method")

	// ErrMissingOptions is returned when an insert or touch is called without options.
	ErrMissingOptions = errors.New("docbatch: options are required")

	// ErrOptionsNotObject is returned when untyped options are not an object.
	ErrOptionsNotObject = errors.New("docbatch: options must be an object")

	// ErrMissingTTL is returned when options carry no ttl.
	ErrMissingTTL = errors.New("docbatch: options.ttl is required")

	// ErrTTLNotNumeric is returned when options.ttl is not a finite number.
	ErrTTLNotNumeric = errors.New("docbatch: options.ttl must be a number")

	// ErrNotMap is returned when insert documents are not a key/value map.
	ErrNotMap = errors.New("docbatch: documents must be a map")

	// ErrNotCollection is returned when keys are neither an array nor a set.
	ErrNotCollection = errors.New("docbatch: keys must be an array or a set")

	// ErrInvalidKey is returned when a key is not a non-empty string.
	ErrInvalidKey = errors.New("docbatch: key must be a non-empty string")

	// ErrNotCallable is returned by the callback forms when the callback is nil.
	ErrNotCallable = errors.New("docbatch: callback must be a function")
)

// MissingMethodError reports which batch primitive a bucket does not provide.
type MissingMethodError struct {
	Method string
}

func (e *MissingMethodError) Error() string {
	return fmt.Sprintf("docbatch: bucket is missing method %s", e.Method)
}

// Is lets errors.Is(err, ErrMissingMethod) match any missing method.
func (e *MissingMethodError) Is(target error) bool {
	return target == ErrMissingMethod
}

var validationErrors = []error{
	ErrMissingOptions,
	ErrOptionsNotObject,
	ErrMissingTTL,
	ErrTTLNotNumeric,
	ErrNotMap,
	ErrNotCollection,
	ErrInvalidKey,
}

// IsValidationError reports whether err was raised while checking the
// arguments of a call, as opposed to by the backend.
func IsValidationError(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
