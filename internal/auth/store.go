// Package auth validates gateway API keys and attaches key identity to
// requests. Keys are static, loaded from configuration at startup; an empty
// key set puts the gateway in open mode where any request passes.
package auth

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Key format: "sk-" prefix, URL-safe body, total length 10–200.
var keyPattern = regexp.MustCompile(`^sk-[A-Za-z0-9_-]+$`)

const (
	minKeyLen = 10
	maxKeyLen = 200
)

// KeyInfo describes one configured API key.
type KeyInfo struct {
	// ID identifies the key in logs and admin output without exposing the
	// secret.
	ID string
	// Key is the full secret value.
	Key string
	// Name is an operator-assigned label for logs and limits. Defaults to
	// the masked key when unset.
	Name string
	// RPM overrides the per-key requests-per-minute limit; 0 means the
	// gateway default applies.
	RPM int
	// Active gates the key. Deactivated keys stay in the store so their ID
	// and metadata remain resolvable, but requests with them are rejected.
	Active bool
	// Metadata carries operator-assigned tags (team, environment).
	Metadata  map[string]string
	CreatedAt time.Time
}

// Store holds the configured key set. Safe for concurrent use; the set is
// immutable after construction apart from Replace.
type Store struct {
	mu   sync.RWMutex
	keys map[string]KeyInfo
}

// NewStore builds a Store from raw key entries. Each entry is either a bare
// key or "key:name" or "key:name:rpm". Entries failing the format check are
// skipped and reported in the returned slice.
func NewStore(entries []string) (*Store, []string) {
	s := &Store{keys: make(map[string]KeyInfo, len(entries))}
	var rejected []string

	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		info, ok := parseEntry(raw)
		if !ok {
			rejected = append(rejected, Mask(raw))
			continue
		}
		s.keys[info.Key] = info
	}
	return s, rejected
}

func parseEntry(raw string) (KeyInfo, bool) {
	// The key itself may not contain ':', so the first colon after the
	// key body separates metadata.
	parts := strings.SplitN(raw, ":", 3)
	key := parts[0]
	if !ValidFormat(key) {
		return KeyInfo{}, false
	}

	info := KeyInfo{
		ID:        uuid.NewString(),
		Key:       key,
		Name:      Mask(key),
		Active:    true,
		CreatedAt: time.Now(),
	}
	if len(parts) > 1 && parts[1] != "" {
		info.Name = parts[1]
	}
	if len(parts) > 2 {
		var rpm int
		for _, c := range parts[2] {
			if c < '0' || c > '9' {
				return KeyInfo{}, false
			}
			rpm = rpm*10 + int(c-'0')
		}
		info.RPM = rpm
	}
	return info, true
}

// Len returns the number of accepted keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Open reports whether the gateway runs without key checks.
func (s *Store) Open() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys) == 0
}

// Lookup returns the KeyInfo for a presented key.
func (s *Store) Lookup(key string) (KeyInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.keys[key]
	return info, ok
}

// Create mints a new active key with a generated secret and registers it.
// The full secret is returned exactly once, in the KeyInfo.
func (s *Store) Create(name string, rpm int, metadata map[string]string) (KeyInfo, error) {
	if rpm < 0 {
		return KeyInfo{}, fmt.Errorf("create key: rpm must be >= 0, got %d", rpm)
	}
	key := "sk-" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	info := KeyInfo{
		ID:        uuid.NewString(),
		Key:       key,
		Name:      name,
		RPM:       rpm,
		Active:    true,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	if info.Name == "" {
		info.Name = Mask(key)
	}

	s.mu.Lock()
	s.keys[key] = info
	s.mu.Unlock()
	return info, nil
}

// Deactivate turns a key off without removing it. Returns false when the
// key is unknown.
func (s *Store) Deactivate(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.keys[key]
	if !ok {
		return false
	}
	info.Active = false
	s.keys[key] = info
	return true
}

// Replace swaps the whole key set, for runtime reconfiguration.
func (s *Store) Replace(entries []string) []string {
	next, rejected := NewStore(entries)
	s.mu.Lock()
	s.keys = next.keys
	s.mu.Unlock()
	return rejected
}

// ValidFormat checks the key shape without consulting the store.
func ValidFormat(key string) bool {
	if len(key) < minKeyLen || len(key) > maxKeyLen {
		return false
	}
	return keyPattern.MatchString(key)
}

// Mask renders a key safe for logs: first 7 chars, ellipsis, last 4.
// Short values are fully masked.
func Mask(key string) string {
	if len(key) <= 11 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}

// ExtractToken pulls the credential out of an Authorization header value.
// Accepts "Bearer <tok>", "bearer <tok>", or the raw token.
func ExtractToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}
