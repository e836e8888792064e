package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"snakkaz-e2ee/internal/cryptocore"
	"snakkaz-e2ee/internal/ratchet"
)

const (
	recordPlain  byte = 0x00
	recordSealed byte = 0x01
)

// SessionStore persists ratchet state in conversation_ratchets. It satisfies
// ratchet.Store.
type SessionStore struct {
	db         *gorm.DB
	sealingKey *cryptocore.SymmetricKey
}

func (s *Store) Sessions() *SessionStore {
	return &SessionStore{db: s.DB, sealingKey: s.sealingKey}
}

func (ss *SessionStore) Load(ctx context.Context, conversationID string) (*ratchet.State, error) {
	var rec ConversationRatchet
	if err := ss.db.WithContext(ctx).First(&rec, "conversation_id = ?", conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ratchet.ErrNoSession
		}
		return nil, err
	}
	blob, err := ss.unseal(rec.ConversationID, rec.RatchetState)
	if err != nil {
		return nil, err
	}
	st, err := ratchet.UnmarshalState(blob)
	if err != nil {
		return nil, err
	}
	if st.ConversationID != conversationID {
		return nil, fmt.Errorf("store: record for %q holds state of %q", conversationID, st.ConversationID)
	}
	return st, nil
}

func (ss *SessionStore) Save(ctx context.Context, state *ratchet.State) error {
	blob, err := state.MarshalBinary()
	if err != nil {
		return err
	}
	sealed, err := ss.seal(state.ConversationID, blob)
	if err != nil {
		return err
	}
	rec := ConversationRatchet{
		ConversationID: state.ConversationID,
		RatchetState:   sealed,
		UpdatedAt:      state.LastUpdated,
	}
	return ss.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "conversation_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"ratchet_state", "updated_at"}),
		}).
		Create(&rec).Error
}

func (ss *SessionStore) Delete(ctx context.Context, conversationID string) error {
	return ss.db.WithContext(ctx).
		Delete(&ConversationRatchet{}, "conversation_id = ?", conversationID).Error
}

// List returns the stored conversation IDs, most recently updated first.
func (ss *SessionStore) List(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var ids []string
	err := ss.db.WithContext(ctx).
		Model(&ConversationRatchet{}).
		Order("updated_at DESC").
		Limit(limit).
		Pluck("conversation_id", &ids).Error
	return ids, err
}

func (ss *SessionStore) seal(conversationID string, blob []byte) ([]byte, error) {
	if ss.sealingKey == nil {
		return append([]byte{recordPlain}, blob...), nil
	}
	ct, iv, err := cryptocore.EncryptWithAD(blob, *ss.sealingKey, []byte(conversationID))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(iv)+len(ct))
	out = append(out, recordSealed)
	out = append(out, iv[:]...)
	return append(out, ct...), nil
}

func (ss *SessionStore) unseal(conversationID string, rec []byte) ([]byte, error) {
	if len(rec) == 0 {
		return nil, errors.New("store: empty ratchet record")
	}
	switch rec[0] {
	case recordPlain:
		return rec[1:], nil
	case recordSealed:
		if ss.sealingKey == nil {
			return nil, errors.New("store: sealed ratchet record but no sealing key configured")
		}
		if len(rec) < 1+cryptocore.IVSize {
			return nil, cryptocore.ErrDecryptionFailed
		}
		iv, err := cryptocore.ImportIV(rec[1 : 1+cryptocore.IVSize])
		if err != nil {
			return nil, err
		}
		return cryptocore.DecryptWithAD(rec[1+cryptocore.IVSize:], *ss.sealingKey, iv, []byte(conversationID))
	default:
		return nil, fmt.Errorf("store: unknown ratchet record version %d", rec[0])
	}
}

var _ ratchet.Store = (*SessionStore)(nil)
