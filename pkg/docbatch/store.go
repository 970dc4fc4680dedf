// Package docbatch validates batched insert, touch and remove requests,
// forwards them to a key-value Backend and reconciles the per-key results
// into caller-facing summaries.
//
// Typical usage:
//
//	store, _ := docbatch.New(&docbatch.Config{Bucket: backend})
//	summary, err := store.Insert(ctx, map[string]interface{}{"a": doc}, docbatch.TTL(5000))
//	removed, err := store.Remove(ctx, []string{"a", "b"})
package docbatch

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"github.com/rzpsarthak13/docbatch/internal/core"
)

// Re-exported backend contract so that callers outside this module can
// implement their own backends.
type (
	Backend        = core.Backend
	BatchResult    = core.BatchResult
	KeyOutcome     = core.KeyOutcome
	KeyError       = core.KeyError
	ErrorCode      = core.ErrorCode
	InsertDoc      = core.InsertDoc
	InsertOptions  = core.InsertOptions
	TouchDoc       = core.TouchDoc
	MutationResult = core.MutationResult
)

const (
	// CodeKeyExists marks an insert collision.
	CodeKeyExists = core.CodeKeyExists

	// CodeKeyMissing marks a touch or remove of an absent key.
	CodeKeyMissing = core.CodeKeyMissing
)

// Config holds what a Store needs to be constructed.
type Config struct {
	// Bucket is the backend reference. It must provide InsertMulti,
	// TouchMulti and RemoveMulti with the signatures of Backend.
	Bucket interface{}
}

// Option configures optional Store collaborators.
type Option func(*Store)

// WithLogger sets the structured logger used by the Store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithJournal makes the Store record every reconciled batch in journal.
func WithJournal(journal core.MutationJournal) Option {
	return func(s *Store) {
		s.journal = journal
	}
}

// InsertOutcome is the caller-facing result for one inserted key.
type InsertOutcome struct {
	ETag        string         `json:"etag,omitempty"`
	Success     bool           `json:"success"`
	IsCollision bool           `json:"isCollision"`
	Err         *core.KeyError `json:"err,omitempty"`
}

// TouchOutcome is the caller-facing result for one touched key.
type TouchOutcome struct {
	ETag      string         `json:"etag,omitempty"`
	Success   bool           `json:"success"`
	IsMissing bool           `json:"isMissing"`
	Err       *core.KeyError `json:"err,omitempty"`
}

// RemoveSummary splits removed keys into those that are gone and those that
// could not be removed. Keys that were already absent count as succeeded.
type RemoveSummary struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
}

// Store validates batched mutations and reconciles backend results.
// It is safe for concurrent use; it holds no state besides its collaborators.
type Store struct {
	backend core.Backend
	journal core.MutationJournal
	logger  *slog.Logger
}

type insertMultier interface {
	InsertMulti(ctx context.Context, docs map[string]core.InsertDoc, opts core.InsertOptions) (*core.BatchResult, error)
}

type touchMultier interface {
	TouchMulti(ctx context.Context, docs map[string]core.TouchDoc) (*core.BatchResult, error)
}

type removeMultier interface {
	RemoveMulti(ctx context.Context, keys []string) (*core.BatchResult, error)
}

// New creates a Store for the bucket in cfg. Each requirement on cfg is
// checked separately so that integration problems are reported precisely.
func New(cfg *Config, opts ...Option) (*Store, error) {
	if cfg == nil {
		return nil, ErrMissingConfig
	}
	if cfg.Bucket == nil {
		return nil, ErrMissingBucket
	}
	if isNilValue(cfg.Bucket) {
		return nil, fmt.Errorf("%w: got nil %T", ErrNilBucket, cfg.Bucket)
	}
	if _, ok := cfg.Bucket.(insertMultier); !ok {
		return nil, &MissingMethodError{Method: "InsertMulti"}
	}
	if _, ok := cfg.Bucket.(touchMultier); !ok {
		return nil, &MissingMethodError{Method: "TouchMulti"}
	}
	if _, ok := cfg.Bucket.(removeMultier); !ok {
		return nil, &MissingMethodError{Method: "RemoveMulti"}
	}

	s := &Store{
		backend: cfg.Bucket.(core.Backend),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func isNilValue(v interface{}) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Func, reflect.Interface, reflect.Slice, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// Insert stores every document that does not exist yet. A key that already
// exists is reported with IsCollision set. An error is returned only when
// validation fails or the backend could not run the batch at all.
func (s *Store) Insert(ctx context.Context, docs map[string]interface{}, opts *Options) (map[string]InsertOutcome, error) {
	if docs == nil {
		return nil, ErrNotMap
	}
	expiry, err := assertOptions(opts)
	if err != nil {
		return nil, err
	}

	prepared := make(map[string]core.InsertDoc, len(docs))
	for key, value := range docs {
		if key == "" {
			return nil, fmt.Errorf("%w: empty document key", ErrInvalidKey)
		}
		prepared[key] = core.InsertDoc{Value: value}
	}

	res, err := s.backend.InsertMulti(ctx, prepared, core.InsertOptions{Expiry: expiry.Expiry})
	if err != nil {
		return nil, err
	}

	summary := make(map[string]InsertOutcome, len(prepared))
	var ok, failed []string
	for key, val := range results(res) {
		out := InsertOutcome{
			ETag:    etag(val),
			Success: val.Success,
			Err:     val.Err,
		}
		if val.Success {
			ok = append(ok, key)
		} else {
			out.IsCollision = hasCode(val, core.CodeKeyExists)
			failed = append(failed, key)
		}
		summary[key] = out
	}

	s.record(ctx, core.MutationInsert, ok, failed, expiry.Expiry)
	return summary, nil
}

// Touch resets the expiry of every key. A key that does not exist is
// reported with IsMissing set.
func (s *Store) Touch(ctx context.Context, keys []string, opts *Options) (map[string]TouchOutcome, error) {
	if keys == nil {
		return nil, ErrNotCollection
	}
	expiry, err := assertOptions(opts)
	if err != nil {
		return nil, err
	}
	if err := assertKeys(keys); err != nil {
		return nil, err
	}

	prepared := make(map[string]core.TouchDoc, len(keys))
	for _, key := range keys {
		prepared[key] = core.TouchDoc{Expiry: expiry.Expiry}
	}

	res, err := s.backend.TouchMulti(ctx, prepared)
	if err != nil {
		return nil, err
	}

	summary := make(map[string]TouchOutcome, len(prepared))
	var ok, failed []string
	for key, val := range results(res) {
		out := TouchOutcome{
			ETag:    etag(val),
			Success: val.Success,
			Err:     val.Err,
		}
		if val.Success {
			ok = append(ok, key)
		} else {
			out.IsMissing = hasCode(val, core.CodeKeyMissing)
			failed = append(failed, key)
		}
		summary[key] = out
	}

	s.record(ctx, core.MutationTouch, ok, failed, expiry.Expiry)
	return summary, nil
}

// Remove deletes every key. Removing an absent key counts as success, so
// Remove is idempotent. Keys are passed to the backend unchecked.
func (s *Store) Remove(ctx context.Context, keys []string) (*RemoveSummary, error) {
	if keys == nil {
		return nil, ErrNotCollection
	}

	res, err := s.backend.RemoveMulti(ctx, keys)
	if err != nil {
		return nil, err
	}

	summary := &RemoveSummary{Succeeded: []string{}, Failed: []string{}}
	for key, val := range results(res) {
		if val.Success || hasCode(val, core.CodeKeyMissing) {
			summary.Succeeded = append(summary.Succeeded, key)
		} else {
			summary.Failed = append(summary.Failed, key)
		}
	}
	sort.Strings(summary.Succeeded)
	sort.Strings(summary.Failed)

	s.record(ctx, core.MutationRemove, summary.Succeeded, summary.Failed, 0)
	return summary, nil
}

func results(res *core.BatchResult) map[string]core.KeyOutcome {
	if res == nil {
		return nil
	}
	return res.Results
}

func etag(val core.KeyOutcome) string {
	if !val.Success || val.Result == nil || val.Result.CAS == nil {
		return ""
	}
	return val.Result.CAS.String()
}

func hasCode(val core.KeyOutcome, code core.ErrorCode) bool {
	return val.Err != nil && val.Err.Code == code
}

// record logs the batch and appends it to the journal. Journal failures are
// logged and never change the result of the operation.
func (s *Store) record(ctx context.Context, kind core.MutationKind, ok, failed []string, expiry int64) {
	s.logger.DebugContext(ctx, "batch reconciled",
		"operation", string(kind),
		"succeeded", len(ok),
		"failed", len(failed),
	)
	if s.journal == nil {
		return
	}

	if ok == nil {
		ok = []string{}
	}
	if failed == nil {
		failed = []string{}
	}
	sort.Strings(ok)
	sort.Strings(failed)

	event := &core.MutationEvent{
		Kind:      kind,
		Succeeded: ok,
		Failed:    failed,
		Expiry:    expiry,
		Timestamp: time.Now(),
	}
	if err := s.journal.Enqueue(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to journal mutation", "operation", string(kind), "error", err)
	}
}
