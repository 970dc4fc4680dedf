package docbatch

import "context"

// InsertFunc runs Insert on its own goroutine and reports the outcome to cb.
// A nil cb is rejected before any work starts. cb is called exactly once.
func (s *Store) InsertFunc(ctx context.Context, docs map[string]interface{}, opts *Options, cb func(map[string]InsertOutcome, error)) error {
	if cb == nil {
		return ErrNotCallable
	}
	go func() {
		summary, err := s.Insert(ctx, docs, opts)
		if err != nil {
			cb(nil, err)
			return
		}
		cb(summary, nil)
	}()
	return nil
}

// TouchFunc runs Touch on its own goroutine and reports the outcome to cb.
func (s *Store) TouchFunc(ctx context.Context, keys []string, opts *Options, cb func(map[string]TouchOutcome, error)) error {
	if cb == nil {
		return ErrNotCallable
	}
	go func() {
		summary, err := s.Touch(ctx, keys, opts)
		if err != nil {
			cb(nil, err)
			return
		}
		cb(summary, nil)
	}()
	return nil
}

// RemoveFunc runs Remove on its own goroutine and reports the outcome to cb.
func (s *Store) RemoveFunc(ctx context.Context, keys []string, cb func(*RemoveSummary, error)) error {
	if cb == nil {
		return ErrNotCallable
	}
	go func() {
		summary, err := s.Remove(ctx, keys)
		if err != nil {
			cb(nil, err)
			return
		}
		cb(summary, nil)
	}()
	return nil
}
