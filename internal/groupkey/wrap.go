package groupkey

import (
	"encoding/binary"
	"errors"

	"snakkaz-e2ee/internal/cryptocore"
)

// WrappedKey carries one group key version to one member. The metadata is
// bound to the wrapped secret, so it cannot be relabelled in transit.
type WrappedKey struct {
	Key     Key                    `json:"key"`
	Wrapped *cryptocore.WrappedKey `json:"wrapped"`
}

func wrapLabel(k *Key) []byte {
	label := make([]byte, 0, len(k.GroupID)+len(k.KeyID)+len(k.CreatedBy)+8)
	label = append(label, "group\x00"...)
	label = append(label, k.GroupID...)
	label = append(label, 0)
	label = append(label, k.KeyID...)
	label = append(label, 0)
	label = append(label, k.CreatedBy...)
	return binary.BigEndian.AppendUint32(label, k.Version)
}

// WrapForMember seals a key version of groupID for the member holding
// memberPublicKey. Version 0 selects the current key.
func (m *Manager) WrapForMember(groupID string, version uint32, memberPublicKey []byte) (*WrappedKey, error) {
	var (
		k   *Key
		err error
	)
	if version == 0 {
		k, err = m.Current(groupID)
	} else {
		k, err = m.Version(groupID, version)
	}
	if err != nil {
		return nil, err
	}
	w, err := m.kx.WrapKey(k.Secret, memberPublicKey, wrapLabel(k))
	if err != nil {
		return nil, err
	}
	meta := *k
	meta.Secret = cryptocore.SymmetricKey{}
	return &WrappedKey{Key: meta, Wrapped: w}, nil
}

// Accept unwraps a key sent to identity and installs it.
func (m *Manager) Accept(w *WrappedKey, identity cryptocore.KeyPair) (*Key, error) {
	if w == nil || w.Wrapped == nil {
		return nil, errors.New("groupkey: empty wrapped key")
	}
	k := w.Key
	secret, err := m.kx.UnwrapKey(w.Wrapped, identity, wrapLabel(&k))
	if err != nil {
		return nil, err
	}
	k.Secret = secret
	if err := m.Install(&k); err != nil {
		return nil, err
	}
	return &k, nil
}
