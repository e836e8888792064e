package keystore

import (
	"bytes"
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"snakkaz-e2ee/internal/cryptocore"
)

const (
	metaBucket = "meta"
	keysBucket = "keys"

	metaKDF   = "kdf"
	metaCheck = "check"

	checkPlaintext = "snakkaz-keystore-v1"
)

var ErrWrongPassphrase = errors.New("keystore: wrong passphrase")

// KDFParams are the argon2id parameters used to derive the store key.
type KDFParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
	Salt    []byte `json:"salt"`
}

// DefaultKDFParams mirrors the password hashing parameters of the auth service.
var DefaultKDFParams = KDFParams{Time: 3, Memory: 64 * 1024, Threads: 1}

type BoltOption func(*boltOptions)

type boltOptions struct {
	params KDFParams
}

// WithKDFParams overrides DefaultKDFParams for newly created stores. Existing
// stores keep the parameters they were created with.
func WithKDFParams(p KDFParams) BoltOption {
	return func(o *boltOptions) { o.params = p }
}

// Bolt is a file-backed KeyStore. Every value is sealed with
// XChaCha20-Poly1305 under a key derived from the passphrase.
type Bolt struct {
	db   *bolt.DB
	aead cipher.AEAD
}

// OpenBolt opens or creates the store at path.
func OpenBolt(path string, passphrase []byte, opts ...BoltOption) (*Bolt, error) {
	o := boltOptions{params: DefaultKDFParams}
	for _, opt := range opts {
		opt(&o)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("keystore: open %s: %w", path, err)
	}
	b := &Bolt{db: db}
	if err := b.init(passphrase, o.params); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bolt) init(passphrase []byte, params KDFParams) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(keysBucket)); err != nil {
			return err
		}

		fresh := false
		if raw := meta.Get([]byte(metaKDF)); raw != nil {
			if err := json.Unmarshal(raw, &params); err != nil {
				return fmt.Errorf("keystore: decode kdf params: %w", err)
			}
		} else {
			salt, err := cryptocore.RandomBytes(16)
			if err != nil {
				return err
			}
			params.Salt = salt
			raw, err := json.Marshal(params)
			if err != nil {
				return err
			}
			if err := meta.Put([]byte(metaKDF), raw); err != nil {
				return err
			}
			fresh = true
		}

		key := argon2.IDKey(passphrase, params.Salt, params.Time, params.Memory, params.Threads, chacha20poly1305.KeySize)
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return err
		}
		b.aead = aead

		if fresh {
			sealed, err := b.seal(metaCheck, []byte(checkPlaintext))
			if err != nil {
				return err
			}
			return meta.Put([]byte(metaCheck), sealed)
		}
		pt, err := b.open(metaCheck, meta.Get([]byte(metaCheck)))
		if err != nil || !bytes.Equal(pt, []byte(checkPlaintext)) {
			return ErrWrongPassphrase
		}
		return nil
	})
}

func (b *Bolt) Get(id string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(keysBucket)).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		pt, err := b.open(id, raw)
		if err != nil {
			return err
		}
		out = pt
		return nil
	})
	return out, err
}

func (b *Bolt) Set(id string, key []byte) error {
	if id == "" {
		return errors.New("keystore: empty id")
	}
	sealed, err := b.seal(id, key)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysBucket)).Put([]byte(id), sealed)
	})
}

func (b *Bolt) Remove(id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysBucket)).Delete([]byte(id))
	})
}

// IDs lists the stored key IDs.
func (b *Bolt) IDs() ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysBucket)).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) seal(id string, plaintext []byte) ([]byte, error) {
	nonce, err := cryptocore.RandomBytes(b.aead.NonceSize())
	if err != nil {
		return nil, err
	}
	return b.aead.Seal(nonce, nonce, plaintext, []byte(id)), nil
}

func (b *Bolt) open(id string, sealed []byte) ([]byte, error) {
	ns := b.aead.NonceSize()
	if len(sealed) < ns+b.aead.Overhead() {
		return nil, cryptocore.ErrDecryptionFailed
	}
	pt, err := b.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(id))
	if err != nil {
		return nil, cryptocore.ErrDecryptionFailed
	}
	return pt, nil
}

var _ KeyStore = (*Bolt)(nil)
