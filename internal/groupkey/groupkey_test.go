package groupkey_test

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"snakkaz-e2ee/internal/cryptocore"
	"snakkaz-e2ee/internal/groupkey"
	"snakkaz-e2ee/internal/keystore"
)

func newKX(t *testing.T) *cryptocore.KeyExchange {
	t.Helper()
	kx, err := cryptocore.NewKeyExchange(cryptocore.CurveX25519)
	require.NoError(t, err)
	return kx
}

func TestGenerateAndRotate(t *testing.T) {
	m := groupkey.New(keystore.NewMemory(), newKX(t))

	v1, err := m.Generate("g1", "alice")
	require.NoError(t, err)
	require.Equal(t, uint32(1), v1.Version)
	require.Equal(t, groupkey.Algorithm, v1.Algorithm)
	require.True(t, strings.HasPrefix(v1.KeyID, "g1-"))

	_, err = m.Generate("g1", "alice")
	require.ErrorIs(t, err, groupkey.ErrGroupExists)

	v2, err := m.Rotate("g1", "bob")
	require.NoError(t, err)
	require.Equal(t, uint32(2), v2.Version)
	require.False(t, v2.Secret.Equal(v1.Secret))
	v3, err := m.Rotate("g1", "alice")
	require.NoError(t, err)
	require.Equal(t, uint32(3), v3.Version)

	h, err := m.History("g1")
	require.NoError(t, err)
	require.Equal(t, uint32(3), h.Current.Version)
	require.Len(t, h.Previous, 2)
	require.Equal(t, uint32(2), h.Previous[0].Version)
	require.Equal(t, uint32(1), h.Previous[1].Version)

	old, err := m.Version("g1", 1)
	require.NoError(t, err)
	require.True(t, old.Secret.Equal(v1.Secret))
	require.Equal(t, v1.KeyID, old.KeyID)

	_, err = m.Version("g1", 9)
	require.ErrorIs(t, err, groupkey.ErrUnknownVersion)
	_, err = m.Rotate("nope", "alice")
	require.ErrorIs(t, err, groupkey.ErrUnknownGroup)

	require.NoError(t, m.Remove("g1"))
	_, err = m.Current("g1")
	require.ErrorIs(t, err, groupkey.ErrUnknownGroup)
}

func TestDecryptWithReplacedVersion(t *testing.T) {
	m := groupkey.New(keystore.NewMemory(), newKX(t))
	_, err := m.Generate("g1", "alice")
	require.NoError(t, err)

	before, err := m.Encrypt("g1", []byte("sealed under v1"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), before.Version)

	_, err = m.Rotate("g1", "alice")
	require.NoError(t, err)
	after, err := m.Encrypt("g1", []byte("sealed under v2"))
	require.NoError(t, err)
	require.Equal(t, uint32(2), after.Version)

	pt, err := m.Decrypt(before)
	require.NoError(t, err)
	require.Equal(t, "sealed under v1", string(pt))
	pt, err = m.Decrypt(after)
	require.NoError(t, err)
	require.Equal(t, "sealed under v2", string(pt))

	before.Version = 2
	_, err = m.Decrypt(before)
	require.ErrorIs(t, err, cryptocore.ErrDecryptionFailed)
}

func TestHistoryIsBounded(t *testing.T) {
	m := groupkey.New(keystore.NewMemory(), newKX(t), groupkey.WithMaxHistory(2))
	_, err := m.Generate("g1", "alice")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := m.Rotate("g1", "alice")
		require.NoError(t, err)
	}
	h, err := m.History("g1")
	require.NoError(t, err)
	require.Equal(t, uint32(5), h.Current.Version)
	require.Len(t, h.Previous, 2)
	_, err = m.Version("g1", 1)
	require.ErrorIs(t, err, groupkey.ErrUnknownVersion)
	_, err = m.Version("g1", 3)
	require.NoError(t, err)
}

func TestExpiredKeyStillOpensOldMessages(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := groupkey.New(keystore.NewMemory(), newKX(t),
		groupkey.WithKeyLifetime(time.Hour), groupkey.WithClock(clock))

	_, err := m.Generate("g1", "alice")
	require.NoError(t, err)
	msg, err := m.Encrypt("g1", []byte("hi"))
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = m.Encrypt("g1", []byte("late"))
	require.ErrorIs(t, err, groupkey.ErrKeyExpired)
	pt, err := m.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, "hi", string(pt))

	fresh, err := m.Rotate("g1", "alice")
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour), fresh.ExpiresAt)
	_, err = m.Encrypt("g1", []byte("again"))
	require.NoError(t, err)
}

func TestWrapForMemberAndAccept(t *testing.T) {
	kx := newKX(t)
	alice := groupkey.New(keystore.NewMemory(), kx)
	bobKeys := keystore.NewMemory()
	bob := groupkey.New(bobKeys, kx)
	bobID, _, err := keystore.LoadOrCreateIdentity(bobKeys, kx)
	require.NoError(t, err)

	_, err = alice.Generate("g1", "alice")
	require.NoError(t, err)
	v2, err := alice.Rotate("g1", "alice")
	require.NoError(t, err)

	wrapped, err := alice.WrapForMember("g1", 0, bobID.PublicKey)
	require.NoError(t, err)
	require.Equal(t, uint32(2), wrapped.Key.Version)

	blob, err := json.Marshal(wrapped)
	require.NoError(t, err)
	require.NotContains(t, string(blob), v2.Secret.String())
	var received groupkey.WrappedKey
	require.NoError(t, json.Unmarshal(blob, &received))

	got, err := bob.Accept(&received, bobID)
	require.NoError(t, err)
	require.True(t, got.Secret.Equal(v2.Secret))

	msg, err := alice.Encrypt("g1", []byte("to the group"))
	require.NoError(t, err)
	pt, err := bob.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, "to the group", string(pt))

	// an older version joins bob's history behind the current one
	old, err := alice.WrapForMember("g1", 1, bobID.PublicKey)
	require.NoError(t, err)
	_, err = bob.Accept(old, bobID)
	require.NoError(t, err)
	h, err := bob.History("g1")
	require.NoError(t, err)
	require.Equal(t, uint32(2), h.Current.Version)
	require.Len(t, h.Previous, 1)
	require.Equal(t, uint32(1), h.Previous[0].Version)

	relabelled := received
	relabelled.Key.Version = 7
	_, err = bob.Accept(&relabelled, bobID)
	require.ErrorIs(t, err, cryptocore.ErrDecryptionFailed)
}

func TestInstallRejectsConflictingVersion(t *testing.T) {
	m := groupkey.New(keystore.NewMemory(), newKX(t))
	v1, err := m.Generate("g1", "alice")
	require.NoError(t, err)

	require.NoError(t, m.Install(v1), "reinstalling the same key is a no-op")

	other, err := cryptocore.GenerateKey()
	require.NoError(t, err)
	forged := *v1
	forged.Secret = other
	require.ErrorIs(t, m.Install(&forged), groupkey.ErrVersionConflict)
}

func TestHistorySurvivesNewManager(t *testing.T) {
	ks := keystore.NewMemory()
	kx := newKX(t)
	first := groupkey.New(ks, kx)
	v1, err := first.Generate("g1", "alice")
	require.NoError(t, err)
	_, err = first.Rotate("g1", "alice")
	require.NoError(t, err)

	second := groupkey.New(ks, kx, groupkey.WithCache(4, time.Minute))
	got, err := second.Version("g1", 1)
	require.NoError(t, err)
	require.True(t, got.Secret.Equal(v1.Secret))
	require.Equal(t, v1.KeyID, got.KeyID)
	require.Equal(t, v1.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())
}

func TestImportLegacyMessage(t *testing.T) {
	m := groupkey.New(keystore.NewMemory(), newKX(t))
	k, err := m.Generate("g1", "alice")
	require.NoError(t, err)

	ct, iv, err := cryptocore.Encrypt([]byte("from an older client"), k.Secret)
	require.NoError(t, err)
	msg, err := groupkey.ImportLegacyMessage("g1", 1,
		base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(iv[:]))
	require.NoError(t, err)

	pt, err := m.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, "from an older client", string(pt))

	_, err = groupkey.ImportLegacyMessage("g1", 1, "***", "***")
	require.ErrorIs(t, err, cryptocore.ErrKeyImport)
}

func TestGenerateFileKey(t *testing.T) {
	id, key, err := groupkey.GenerateFileKey("g1")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "file-g1-"))
	require.Len(t, id, len("file-g1-")+12)

	other, again, err := groupkey.GenerateFileKey("g1")
	require.NoError(t, err)
	require.NotEqual(t, id, other)
	require.False(t, key.Equal(again))
}
