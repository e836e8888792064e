package ratchet

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"snakkaz-e2ee/internal/cryptocore"
)

const (
	saltMessageKeys = "SnakkazMessageKeys"
	saltRatchetKeys = "SnakkazRatchetKeys"
	infoMessageKeys = "SnakkazE2EE"
	infoChain       = "SnakkazE2EE-chain"
	infoRoot        = "SnakkazE2EE-root"
	infoInitial     = "SnakkazE2EE-init"
)

// deriveMessageKeys expands one chain key slot into the encryption key,
// authentication key and IV for a single message.
func deriveMessageKeys(chainKey [32]byte, counter uint32) (MessageKeys, error) {
	info := make([]byte, len(infoMessageKeys)+4)
	copy(info, infoMessageKeys)
	binary.BigEndian.PutUint32(info[len(infoMessageKeys):], counter)
	hk := hkdf.New(sha256.New, chainKey[:], []byte(saltMessageKeys), info)

	var mk MessageKeys
	if _, err := io.ReadFull(hk, mk.EncryptionKey[:]); err != nil {
		return MessageKeys{}, err
	}
	if _, err := io.ReadFull(hk, mk.AuthenticationKey[:]); err != nil {
		return MessageKeys{}, err
	}
	if _, err := io.ReadFull(hk, mk.IV[:]); err != nil {
		return MessageKeys{}, err
	}
	return mk, nil
}

// advanceChain is the one-way step from one chain key to the next.
func advanceChain(chainKey [32]byte) [32]byte {
	hk := hkdf.Expand(sha256.New, chainKey[:], []byte(infoChain))
	var next [32]byte
	if _, err := io.ReadFull(hk, next[:]); err != nil {
		panic(fmt.Sprintf("ratchet: hkdf expand: %v", err))
	}
	return next
}

// kdfRoot mixes a Diffie-Hellman output into the root key and returns the new
// root key and a fresh chain key.
func kdfRoot(root [32]byte, dh []byte) ([32]byte, [32]byte, error) {
	hk := hkdf.New(sha256.New, dh, root[:], []byte(infoRoot))
	var newRoot, chain [32]byte
	if _, err := io.ReadFull(hk, newRoot[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	if _, err := io.ReadFull(hk, chain[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	return newRoot, chain, nil
}

// deriveInitial turns the first shared secret between two parties into a root
// key and one chain per direction. The party with the lexically smaller
// public key sends on the first chain; both sides compute the same triple.
func deriveInitial(dh, ourPub, theirPub []byte) (root, send, recv [32]byte, err error) {
	order := bytes.Compare(ourPub, theirPub)
	if order == 0 {
		return root, send, recv, fmt.Errorf("%w: remote key equals local key", cryptocore.ErrKeyExchange)
	}
	low, high := ourPub, theirPub
	if order > 0 {
		low, high = theirPub, ourPub
	}
	info := make([]byte, 0, len(infoInitial)+len(low)+len(high))
	info = append(info, infoInitial...)
	info = append(info, low...)
	info = append(info, high...)
	hk := hkdf.New(sha256.New, dh, []byte(saltRatchetKeys), info)

	var first, second [32]byte
	for _, dst := range [][]byte{root[:], first[:], second[:]} {
		if _, err = io.ReadFull(hk, dst); err != nil {
			return root, send, recv, err
		}
	}
	if order < 0 {
		return root, first, second, nil
	}
	return root, second, first, nil
}
