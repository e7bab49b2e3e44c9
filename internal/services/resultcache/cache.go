package resultcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/creativepool/sora-relay/internal/models"
	"github.com/creativepool/sora-relay/internal/services/settings"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Fingerprint derives the cache key for a generation request. Fields are
// length-prefixed before hashing so adjacent fields cannot collide by
// concatenation. Binary payloads contribute their own digest, keeping
// key derivation cheap for large uploads.
func Fingerprint(req models.GenerationRequest) string {
	h := sha256.New()
	writeField := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}

	writeField([]byte(req.Model))
	writeField([]byte(req.Operation))
	writeField([]byte(req.Prompt))
	writeField([]byte(req.Style))
	writeField([]byte(req.RemixTargetID))

	if req.Image != "" {
		sum := sha256.Sum256([]byte(req.Image))
		writeField(sum[:])
	} else {
		writeField(nil)
	}
	if req.Video != "" {
		sum := sha256.Sum256([]byte(req.Video))
		writeField(sum[:])
	} else {
		writeField(nil)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Store is the cache backend. Lookup misses return ok=false with a nil
// error; errors are reserved for backend failures.
type Store interface {
	Lookup(ctx context.Context, key string) ([]string, bool, error)
	Insert(ctx context.Context, key string, urls []string, ttl time.Duration) error
	Clear(ctx context.Context) error
}

// Service fronts the store with the live cache policy. When caching is
// disabled every lookup misses and every insert is dropped, so callers
// never branch on the policy themselves.
type Service struct {
	store    Store
	settings *settings.Service
}

func NewService(store Store, settingsService *settings.Service) *Service {
	return &Service{store: store, settings: settingsService}
}

func (s *Service) Lookup(ctx context.Context, key string) ([]string, bool) {
	if !s.settings.Current().CacheEnabled {
		return nil, false
	}
	urls, ok, err := s.store.Lookup(ctx, key)
	if err != nil {
		fiberlog.Errorf("Result cache lookup failed: %v", err)
		return nil, false
	}
	return urls, ok
}

func (s *Service) Insert(ctx context.Context, key string, urls []string) {
	snap := s.settings.Current()
	if !snap.CacheEnabled || len(urls) == 0 {
		return
	}
	if err := s.store.Insert(ctx, key, urls, snap.CacheTTL); err != nil {
		fiberlog.Errorf("Result cache insert failed: %v", err)
	}
}

func (s *Service) Clear(ctx context.Context) error {
	return s.store.Clear(ctx)
}

type memoryEntry struct {
	urls      []string
	expiresAt time.Time
}

// memoryStore is the default in-process backend. Expired entries are
// dropped lazily on lookup and swept whenever the map is cleared.
type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() Store {
	return &memoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *memoryStore) Lookup(_ context.Context, key string) ([]string, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if m.now().After(entry.expiresAt) {
		m.mu.Lock()
		if cur, still := m.entries[key]; still && m.now().After(cur.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return entry.urls, true, nil
}

func (m *memoryStore) Insert(_ context.Context, key string, urls []string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{urls: urls, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *memoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memoryEntry)
	return nil
}
