package docbatch

import (
	"encoding/json"
	"fmt"
	"math"
)

// Options carries the expiry settings for insert and touch calls.
type Options struct {
	// TTL is the time-to-live in milliseconds. It is required.
	TTL *float64 `json:"ttl" yaml:"ttl"`
}

// TTL returns Options with the given time-to-live in milliseconds.
func TTL(ms float64) *Options {
	return &Options{TTL: &ms}
}

// expiryOptions is the normalized form of Options sent to the backend.
type expiryOptions struct {
	Expiry int64
}

// assertOptions validates opts and converts the millisecond TTL into whole
// seconds. Sub-second precision is truncated.
func assertOptions(opts *Options) (expiryOptions, error) {
	if opts == nil {
		return expiryOptions{}, ErrMissingOptions
	}
	if opts.TTL == nil {
		return expiryOptions{}, ErrMissingTTL
	}
	ttl := *opts.TTL
	if math.IsNaN(ttl) || math.IsInf(ttl, 0) {
		return expiryOptions{}, fmt.Errorf("%w: got %v", ErrTTLNotNumeric, ttl)
	}
	return expiryOptions{Expiry: secondsFromMillis(ttl)}, nil
}

// secondsFromMillis floors ms/1000, saturating at the int64 bounds.
func secondsFromMillis(ms float64) int64 {
	secs := math.Floor(ms / 1000)
	switch {
	case secs >= math.MaxInt64:
		return math.MaxInt64
	case secs <= math.MinInt64:
		return math.MinInt64
	}
	return int64(secs)
}

// ParseOptions converts untyped input, such as a decoded JSON body, into
// Options. It reports the same errors as the typed path plus
// ErrOptionsNotObject.
func ParseOptions(raw interface{}) (*Options, error) {
	switch v := raw.(type) {
	case nil:
		return nil, ErrMissingOptions
	case *Options:
		if v == nil {
			return nil, ErrMissingOptions
		}
		return v, nil
	case Options:
		return &v, nil
	case map[string]interface{}:
		ttlRaw, ok := v["ttl"]
		if !ok || ttlRaw == nil {
			return nil, ErrMissingTTL
		}
		ttl, ok := toFloat(ttlRaw)
		if !ok {
			return nil, fmt.Errorf("%w: got %T", ErrTTLNotNumeric, ttlRaw)
		}
		return &Options{TTL: &ttl}, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrOptionsNotObject, raw)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
