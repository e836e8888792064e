// Package groupkey keeps versioned symmetric keys for group conversations.
// Every rotation creates a new version; earlier versions stay available so
// messages sealed before the rotation can still be opened. Keys reach other
// members wrapped for their identity key.
package groupkey

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"snakkaz-e2ee/internal/cryptocore"
	"snakkaz-e2ee/internal/keystore"
	"snakkaz-e2ee/internal/observability/metrics"
)

const (
	Algorithm = "AES-GCM"

	DefaultMaxHistory = 16
	defaultCacheSize  = 128
	defaultCacheTTL   = 10 * time.Minute
)

var (
	ErrUnknownGroup    = errors.New("groupkey: no key for group")
	ErrUnknownVersion  = errors.New("groupkey: unknown key version")
	ErrGroupExists     = errors.New("groupkey: group already has a key")
	ErrKeyExpired      = errors.New("groupkey: current key expired")
	ErrVersionConflict = errors.New("groupkey: different key for the same version")
)

// Key is one version of a group key. Secret never leaves the process in
// JSON; it travels only inside a WrappedKey.
type Key struct {
	KeyID     string    `json:"keyId"`
	GroupID   string    `json:"groupId"`
	Version   uint32    `json:"version"`
	Algorithm string    `json:"algorithm"`
	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`

	Secret cryptocore.SymmetricKey `json:"-"`
}

// Expired reports whether k has an expiry that lies before now.
func (k *Key) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

// History is the current key of a group and the versions it replaced,
// newest first.
type History struct {
	Current  Key   `json:"current"`
	Previous []Key `json:"previous"`
}

// Lookup returns the key with the given version.
func (h *History) Lookup(version uint32) (*Key, bool) {
	if h.Current.Version == version {
		k := h.Current
		return &k, true
	}
	for _, k := range h.Previous {
		if k.Version == version {
			k := k
			return &k, true
		}
	}
	return nil, false
}

func (h *History) clone() *History {
	out := &History{Current: h.Current, Previous: make([]Key, len(h.Previous))}
	copy(out.Previous, h.Previous)
	return out
}

type Option func(*Manager)

// WithCache sizes the in-memory history cache. Entries expire after ttl so a
// key installed by another process is seen within one ttl.
func WithCache(size int, ttl time.Duration) Option {
	return func(m *Manager) {
		if size <= 0 {
			size = defaultCacheSize
		}
		m.cache = expirable.NewLRU[string, *History](size, nil, ttl)
	}
}

// WithKeyLifetime makes newly generated keys expire after d. Expired keys
// still open old messages but are refused for sealing new ones.
func WithKeyLifetime(d time.Duration) Option {
	return func(m *Manager) { m.lifetime = d }
}

// WithMaxHistory bounds how many replaced versions are kept.
func WithMaxHistory(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxHistory = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager stores group key histories in a KeyStore.
type Manager struct {
	ks         keystore.KeyStore
	kx         *cryptocore.KeyExchange
	cache      *expirable.LRU[string, *History]
	log        *slog.Logger
	now        func() time.Time
	lifetime   time.Duration
	maxHistory int

	mu sync.Mutex
}

func New(ks keystore.KeyStore, kx *cryptocore.KeyExchange, opts ...Option) *Manager {
	m := &Manager{
		ks:         ks,
		kx:         kx,
		log:        slog.Default(),
		now:        time.Now,
		maxHistory: DefaultMaxHistory,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache == nil {
		m.cache = expirable.NewLRU[string, *History](defaultCacheSize, nil, defaultCacheTTL)
	}
	return m
}

func storeID(groupID string) string { return "group:" + groupID }

// Generate creates version 1 of the key of a new group.
func (m *Manager) Generate(groupID, creatorID string) (*Key, error) {
	if groupID == "" {
		return nil, errors.New("groupkey: empty group id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch _, err := m.load(groupID); {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrGroupExists, groupID)
	case !errors.Is(err, ErrUnknownGroup):
		return nil, err
	}
	k, err := m.newKey(groupID, creatorID, 1)
	if err != nil {
		return nil, err
	}
	err = m.save(&History{Current: *k})
	m.observe("generate", err)
	if err != nil {
		return nil, err
	}
	m.log.Info("group key created", "group_id", groupID, "key_id", k.KeyID)
	return k, nil
}

// Rotate replaces the current key of a group with a fresh one whose version
// is one higher. The replaced key moves into the history.
func (m *Manager) Rotate(groupID, creatorID string) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := m.load(groupID)
	if err != nil {
		m.observe("rotate", err)
		return nil, err
	}
	k, err := m.newKey(groupID, creatorID, h.Current.Version+1)
	if err != nil {
		return nil, err
	}
	m.push(h, *k)
	err = m.save(h)
	m.observe("rotate", err)
	if err != nil {
		return nil, err
	}
	m.log.Info("group key rotated", "group_id", groupID, "version", k.Version, "key_id", k.KeyID)
	return k, nil
}

// Current returns the key used to seal new group messages.
func (m *Manager) Current(groupID string) (*Key, error) {
	h, err := m.History(groupID)
	if err != nil {
		return nil, err
	}
	k := h.Current
	if k.Expired(m.now()) {
		return nil, fmt.Errorf("%w: %s version %d", ErrKeyExpired, groupID, k.Version)
	}
	return &k, nil
}

// Version returns a specific key version, current or historic.
func (m *Manager) Version(groupID string, version uint32) (*Key, error) {
	h, err := m.History(groupID)
	if err != nil {
		return nil, err
	}
	k, ok := h.Lookup(version)
	if !ok {
		return nil, fmt.Errorf("%w: %s version %d", ErrUnknownVersion, groupID, version)
	}
	return k, nil
}

func (m *Manager) History(groupID string) (*History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.load(groupID)
	if err != nil {
		return nil, err
	}
	return h.clone(), nil
}

// Install adds a key received from another member. A newer version becomes
// current, an older one joins the history.
func (m *Manager) Install(k *Key) error {
	if k == nil || k.GroupID == "" || k.Version == 0 {
		return errors.New("groupkey: incomplete key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := m.load(k.GroupID)
	switch {
	case errors.Is(err, ErrUnknownGroup):
		h = &History{Current: *k}
	case err != nil:
		return err
	default:
		if have, ok := h.Lookup(k.Version); ok {
			if have.KeyID != k.KeyID || !have.Secret.Equal(k.Secret) {
				return fmt.Errorf("%w: %s version %d", ErrVersionConflict, k.GroupID, k.Version)
			}
			return nil
		}
		if k.Version > h.Current.Version {
			m.push(h, *k)
		} else {
			h.Previous = insertOrdered(h.Previous, *k)
			if len(h.Previous) > m.maxHistory {
				h.Previous = h.Previous[:m.maxHistory]
			}
		}
	}
	err = m.save(h)
	m.observe("install", err)
	return err
}

// Remove forgets every key of a group.
func (m *Manager) Remove(groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(groupID)
	return m.ks.Remove(storeID(groupID))
}

func (m *Manager) newKey(groupID, creatorID string, version uint32) (*Key, error) {
	secret, err := cryptocore.GenerateKey()
	if err != nil {
		return nil, err
	}
	suffix, err := cryptocore.RandomBytes(4)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	k := &Key{
		KeyID:     fmt.Sprintf("%s-%s-%d", groupID, hex.EncodeToString(suffix), now.UnixMilli()),
		GroupID:   groupID,
		Version:   version,
		Algorithm: Algorithm,
		CreatedAt: now,
		CreatedBy: creatorID,
		Secret:    secret,
	}
	if m.lifetime > 0 {
		k.ExpiresAt = now.Add(m.lifetime)
	}
	return k, nil
}

// push makes k current, moving the old current key to the front of the
// history and trimming it.
func (m *Manager) push(h *History, k Key) {
	h.Previous = append([]Key{h.Current}, h.Previous...)
	if len(h.Previous) > m.maxHistory {
		h.Previous = h.Previous[:m.maxHistory]
	}
	h.Current = k
}

func insertOrdered(keys []Key, k Key) []Key {
	i := 0
	for i < len(keys) && keys[i].Version > k.Version {
		i++
	}
	keys = append(keys, Key{})
	copy(keys[i+1:], keys[i:])
	keys[i] = k
	return keys
}

func (m *Manager) load(groupID string) (*History, error) {
	if h, ok := m.cache.Get(groupID); ok {
		return h.clone(), nil
	}
	raw, err := m.ks.Get(storeID(groupID))
	if errors.Is(err, keystore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	if err != nil {
		return nil, err
	}
	h, err := decodeHistory(raw)
	if err != nil {
		return nil, fmt.Errorf("groupkey: decode %s: %w", groupID, err)
	}
	m.cache.Add(groupID, h.clone())
	return h, nil
}

func (m *Manager) save(h *History) error {
	raw, err := encodeHistory(h)
	if err != nil {
		return err
	}
	groupID := h.Current.GroupID
	if err := m.ks.Set(storeID(groupID), raw); err != nil {
		m.cache.Remove(groupID)
		return err
	}
	m.cache.Add(groupID, h.clone())
	return nil
}

func (m *Manager) observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.GroupKeyOperationsTotal.WithLabelValues(op, result).Inc()
}

// keyRecord is the stored form of a Key; times are unix milliseconds.
type keyRecord struct {
	KeyID     string `cbor:"1,keyasint"`
	GroupID   string `cbor:"2,keyasint"`
	Version   uint32 `cbor:"3,keyasint"`
	Algorithm string `cbor:"4,keyasint"`
	Secret    []byte `cbor:"5,keyasint"`
	CreatedAt int64  `cbor:"6,keyasint"`
	CreatedBy string `cbor:"7,keyasint"`
	ExpiresAt int64  `cbor:"8,keyasint,omitempty"`
}

type historyRecord struct {
	Current  keyRecord   `cbor:"1,keyasint"`
	Previous []keyRecord `cbor:"2,keyasint"`
}

func toRecord(k Key) keyRecord {
	r := keyRecord{
		KeyID:     k.KeyID,
		GroupID:   k.GroupID,
		Version:   k.Version,
		Algorithm: k.Algorithm,
		Secret:    append([]byte(nil), k.Secret[:]...),
		CreatedAt: k.CreatedAt.UnixMilli(),
		CreatedBy: k.CreatedBy,
	}
	if !k.ExpiresAt.IsZero() {
		r.ExpiresAt = k.ExpiresAt.UnixMilli()
	}
	return r
}

func fromRecord(r keyRecord) (Key, error) {
	secret, err := cryptocore.ImportKey(r.Secret)
	if err != nil {
		return Key{}, err
	}
	k := Key{
		KeyID:     r.KeyID,
		GroupID:   r.GroupID,
		Version:   r.Version,
		Algorithm: r.Algorithm,
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		CreatedBy: r.CreatedBy,
		Secret:    secret,
	}
	if r.ExpiresAt != 0 {
		k.ExpiresAt = time.UnixMilli(r.ExpiresAt).UTC()
	}
	return k, nil
}

var encMode, _ = cbor.CanonicalEncOptions().EncMode()

func encodeHistory(h *History) ([]byte, error) {
	rec := historyRecord{Current: toRecord(h.Current)}
	for _, k := range h.Previous {
		rec.Previous = append(rec.Previous, toRecord(k))
	}
	return encMode.Marshal(rec)
}

func decodeHistory(raw []byte) (*History, error) {
	var rec historyRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	cur, err := fromRecord(rec.Current)
	if err != nil {
		return nil, err
	}
	h := &History{Current: cur}
	for _, r := range rec.Previous {
		k, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		h.Previous = append(h.Previous, k)
	}
	return h, nil
}
