package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rzpsarthak13/docbatch/internal/core"
	"github.com/rzpsarthak13/docbatch/internal/registry"
)

// DefaultMaxValueBytes is the largest serialized value the memory backend accepts.
const DefaultMaxValueBytes = 20 << 20

type memoryEntry struct {
	value     []byte
	cas       core.CAS
	expiresAt time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryOptions configures a MemoryBackend.
type MemoryOptions struct {
	// Now replaces time.Now; tests use it to move the clock.
	Now func() time.Time

	// MaxValueBytes bounds the serialized size of a value. Zero uses DefaultMaxValueBytes.
	MaxValueBytes int
}

// MemoryBackend is an in-process core.Backend. Expired documents are treated
// as absent and dropped lazily.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	lastCAS core.CAS
	closed  bool

	now      func() time.Time
	maxValue int
	logger   *slog.Logger
}

// NewMemoryBackend creates an empty memory backend.
func NewMemoryBackend(opts MemoryOptions, logger *slog.Logger) *MemoryBackend {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxValueBytes <= 0 {
		opts.MaxValueBytes = DefaultMaxValueBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBackend{
		entries:  make(map[string]*memoryEntry),
		now:      opts.Now,
		maxValue: opts.MaxValueBytes,
		logger:   logger.With("backend", "memory"),
	}
}

// lookup returns the live entry for key. Caller must hold mu.
func (m *MemoryBackend) lookup(key string, now time.Time) (*memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func (m *MemoryBackend) nextCAS() core.CAS {
	m.lastCAS++
	return m.lastCAS
}

func expiresAt(now time.Time, expiry int64) time.Time {
	if expiry <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(clampExpiry(expiry)) * time.Second)
}

// InsertMulti stores every document whose key is not live.
func (m *MemoryBackend) InsertMulti(ctx context.Context, docs map[string]core.InsertDoc, opts core.InsertOptions) (*core.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrBackendClosed
	}

	now := m.now()
	res := core.NewBatchResult(len(docs))
	for key, doc := range docs {
		if key == "" {
			res.Set(key, core.Failed(core.NewKeyError(core.CodeInvalidArgument, "empty key")))
			continue
		}
		value, err := json.Marshal(doc.Value)
		if err != nil {
			res.Set(key, core.Failed(core.NewKeyError(core.CodeInvalidArgument, "value is not serializable: %v", err)))
			continue
		}
		if len(value) > m.maxValue {
			res.Set(key, core.Failed(core.NewKeyError(core.CodeValueTooBig, "value is %d bytes, limit is %d", len(value), m.maxValue)))
			continue
		}
		if _, exists := m.lookup(key, now); exists {
			res.Set(key, core.Failed(core.NewKeyError(core.CodeKeyExists, "key already exists")))
			continue
		}

		entry := &memoryEntry{value: value, cas: m.nextCAS(), expiresAt: expiresAt(now, opts.Expiry)}
		m.entries[key] = entry
		res.Set(key, core.Succeeded(entry.cas))
	}

	m.logger.DebugContext(ctx, "insert batch executed", "keys", len(docs), "expiry", opts.Expiry)
	return res, nil
}

// TouchMulti resets the expiry of every live document.
func (m *MemoryBackend) TouchMulti(ctx context.Context, docs map[string]core.TouchDoc) (*core.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrBackendClosed
	}

	now := m.now()
	res := core.NewBatchResult(len(docs))
	for key, doc := range docs {
		if key == "" {
			res.Set(key, core.Failed(core.NewKeyError(core.CodeInvalidArgument, "empty key")))
			continue
		}
		entry, exists := m.lookup(key, now)
		if !exists {
			res.Set(key, core.Failed(core.NewKeyError(core.CodeKeyMissing, "key not found")))
			continue
		}
		entry.cas = m.nextCAS()
		entry.expiresAt = expiresAt(now, doc.Expiry)
		res.Set(key, core.Succeeded(entry.cas))
	}

	m.logger.DebugContext(ctx, "touch batch executed", "keys", len(docs))
	return res, nil
}

// RemoveMulti deletes every live key; absent keys report CodeKeyMissing.
func (m *MemoryBackend) RemoveMulti(ctx context.Context, keys []string) (*core.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrBackendClosed
	}

	now := m.now()
	res := core.NewBatchResult(len(keys))
	for _, key := range keys {
		if key == "" {
			res.Set(key, core.Failed(core.NewKeyError(core.CodeInvalidArgument, "empty key")))
			continue
		}
		entry, exists := m.lookup(key, now)
		if !exists {
			if _, seen := res.Results[key]; !seen {
				res.Set(key, core.Failed(core.NewKeyError(core.CodeKeyMissing, "key not found")))
			}
			continue
		}
		delete(m.entries, key)
		res.Set(key, core.Succeeded(entry.cas))
	}

	m.logger.DebugContext(ctx, "remove batch executed", "keys", len(keys))
	return res, nil
}

// Get returns the stored JSON value and CAS of a live key.
func (m *MemoryBackend) Get(key string) ([]byte, core.CAS, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookup(key, m.now())
	if !ok {
		return nil, 0, false
	}
	return entry.value, entry.cas, true
}

// Len returns the number of live documents.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for key := range m.entries {
		if _, ok := m.lookup(key, now); ok {
			n++
		}
	}
	return n
}

// Close drops all documents.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = nil
	return nil
}

// MemoryBackendFactory creates memory backends.
type MemoryBackendFactory struct{}

// Type returns the type identifier for this factory.
func (f *MemoryBackendFactory) Type() string {
	return "memory"
}

// Create creates a new memory backend. The configuration carries nothing
// the memory backend needs.
func (f *MemoryBackendFactory) Create(ctx context.Context, cfg registry.BackendConfig, logger *slog.Logger) (core.ClosableBackend, error) {
	return NewMemoryBackend(MemoryOptions{}, logger), nil
}

// MemoryConfigValidator accepts any configuration.
type MemoryConfigValidator struct{}

// Type returns the type identifier for this validator.
func (v *MemoryConfigValidator) Type() string {
	return "memory"
}

// Validate validates the memory backend configuration.
func (v *MemoryConfigValidator) Validate(config *registry.Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	return nil
}

func init() {
	RegisterFactory(&MemoryBackendFactory{})
	registry.RegisterValidator(&MemoryConfigValidator{})
}
