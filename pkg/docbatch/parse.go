package docbatch

import (
	"encoding/json"
	"fmt"
	"sort"
)

// KeySet is an unordered collection of document keys.
type KeySet map[string]struct{}

// NewKeySet builds a set from keys.
func NewKeySet(keys ...string) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Keys returns the members of the set in sorted order.
func (s KeySet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseDocuments converts untyped input into an insert document map.
// Anything other than a string-keyed map fails with ErrNotMap.
func ParseDocuments(raw interface{}) (map[string]interface{}, error) {
	switch v := raw.(type) {
	case map[string]interface{}:
		if v == nil {
			return nil, ErrNotMap
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrNotMap, raw)
	}
}

// ParseKeys converts untyped input into a key slice. Arrays and set-shaped
// maps are accepted. When strict is set every element must be a non-empty
// string. Otherwise numbers and booleans are formatted and passed on, and
// any other element becomes the empty key, which the backend rejects.
func ParseKeys(raw interface{}, strict bool) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		if v == nil {
			return nil, ErrNotCollection
		}
		if strict {
			if err := assertKeys(v); err != nil {
				return nil, err
			}
		}
		return v, nil
	case KeySet:
		return setKeys(v, strict)
	case map[string]struct{}:
		return setKeys(KeySet(v), strict)
	case map[string]bool:
		s := make(KeySet, len(v))
		for k, member := range v {
			if member {
				s[k] = struct{}{}
			}
		}
		return setKeys(s, strict)
	case []interface{}:
		keys := make([]string, 0, len(v))
		for i, el := range v {
			s, ok := el.(string)
			if !ok {
				if strict {
					return nil, fmt.Errorf("%w: element %d is %T", ErrInvalidKey, i, el)
				}
				s = scalarKey(el)
			}
			if strict && s == "" {
				return nil, fmt.Errorf("%w: element %d is empty", ErrInvalidKey, i)
			}
			keys = append(keys, s)
		}
		return keys, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrNotCollection, raw)
	}
}

func scalarKey(el interface{}) string {
	switch el.(type) {
	case json.Number, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, bool:
		return fmt.Sprint(el)
	default:
		return ""
	}
}

func setKeys(s KeySet, strict bool) ([]string, error) {
	keys := s.Keys()
	if strict {
		if err := assertKeys(keys); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// assertKeys checks that every key is a non-empty string.
func assertKeys(keys []string) error {
	for i, k := range keys {
		if k == "" {
			return fmt.Errorf("%w: element %d is empty", ErrInvalidKey, i)
		}
	}
	return nil
}
