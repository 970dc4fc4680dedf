package docbatch

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertOptionsFloorsToSeconds(t *testing.T) {
	tests := []struct {
		ttl  float64
		want int64
	}{
		{ttl: 0, want: 0},
		{ttl: 999, want: 0},
		{ttl: 1000, want: 1},
		{ttl: 1999.9, want: 1},
		{ttl: 5000, want: 5},
		{ttl: 86400000, want: 86400},
		{ttl: -1, want: -1},
		{ttl: -2500, want: -3},
	}

	for _, tt := range tests {
		got, err := assertOptions(TTL(tt.ttl))
		require.NoError(t, err, "ttl=%v", tt.ttl)
		assert.Equal(t, tt.want, got.Expiry, "ttl=%v", tt.ttl)
		assert.Equal(t, int64(math.Floor(tt.ttl/1000)), got.Expiry)
	}
}

func TestAssertOptionsSaturatesHugeTTL(t *testing.T) {
	tests := []struct {
		ttl  float64
		want int64
	}{
		{ttl: 1e13, want: 10_000_000_000},
		{ttl: 1e30, want: math.MaxInt64},
		{ttl: math.MaxFloat64, want: math.MaxInt64},
		{ttl: -1e30, want: math.MinInt64},
		{ttl: -math.MaxFloat64, want: math.MinInt64},
	}

	for _, tt := range tests {
		got, err := assertOptions(TTL(tt.ttl))
		require.NoError(t, err, "ttl=%v", tt.ttl)
		assert.Equal(t, tt.want, got.Expiry, "ttl=%v", tt.ttl)
	}
}

func TestAssertOptionsErrors(t *testing.T) {
	_, err := assertOptions(nil)
	assert.ErrorIs(t, err, ErrMissingOptions)

	_, err = assertOptions(&Options{})
	assert.ErrorIs(t, err, ErrMissingTTL)

	_, err = assertOptions(TTL(math.NaN()))
	assert.ErrorIs(t, err, ErrTTLNotNumeric)

	_, err = assertOptions(TTL(math.Inf(1)))
	assert.ErrorIs(t, err, ErrTTLNotNumeric)
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions(map[string]interface{}{"ttl": float64(2500)})
	require.NoError(t, err)
	assert.Equal(t, 2500.0, *opts.TTL)

	opts, err = ParseOptions(map[string]interface{}{"ttl": json.Number("4000")})
	require.NoError(t, err)
	assert.Equal(t, 4000.0, *opts.TTL)

	opts, err = ParseOptions(map[string]interface{}{"ttl": 7})
	require.NoError(t, err)
	assert.Equal(t, 7.0, *opts.TTL)

	_, err = ParseOptions(nil)
	assert.ErrorIs(t, err, ErrMissingOptions)

	_, err = ParseOptions("ttl=5")
	assert.ErrorIs(t, err, ErrOptionsNotObject)

	_, err = ParseOptions([]interface{}{5000})
	assert.ErrorIs(t, err, ErrOptionsNotObject)

	_, err = ParseOptions(map[string]interface{}{"expiry": 5})
	assert.ErrorIs(t, err, ErrMissingTTL)

	_, err = ParseOptions(map[string]interface{}{"ttl": "5000"})
	assert.ErrorIs(t, err, ErrTTLNotNumeric)

	_, err = ParseOptions(map[string]interface{}{"ttl": true})
	assert.ErrorIs(t, err, ErrTTLNotNumeric)
}

func TestParseDocuments(t *testing.T) {
	docs, err := ParseDocuments(map[string]interface{}{"a": 1})
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	_, err = ParseDocuments([]interface{}{"a", 1})
	assert.ErrorIs(t, err, ErrNotMap)

	_, err = ParseDocuments("a")
	assert.ErrorIs(t, err, ErrNotMap)

	_, err = ParseDocuments(nil)
	assert.ErrorIs(t, err, ErrNotMap)
}

func TestParseKeys(t *testing.T) {
	keys, err := ParseKeys([]interface{}{"a", "b", "a"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "a"}, keys)

	keys, err = ParseKeys(map[string]bool{"b": true, "a": true, "c": false}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	keys, err = ParseKeys(NewKeySet("z", "y"), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "z"}, keys)

	_, err = ParseKeys([]interface{}{"a", 3}, true)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParseKeys([]interface{}{"a", ""}, true)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParseKeys([]string{""}, true)
	assert.ErrorIs(t, err, ErrInvalidKey)

	keys, err = ParseKeys([]interface{}{"a", 3, ""}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "3", ""}, keys)

	keys, err = ParseKeys([]interface{}{nil, map[string]interface{}{}, []interface{}{"x"}, json.Number("7"), 2.5, true}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"", "", "", "7", "2.5", "true"}, keys, "only scalars become keys")

	_, err = ParseKeys("a,b", false)
	assert.ErrorIs(t, err, ErrNotCollection)

	_, err = ParseKeys(map[string]interface{}{"a": 1}, false)
	assert.ErrorIs(t, err, ErrNotCollection)
}
