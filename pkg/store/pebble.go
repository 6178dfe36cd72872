package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"chatd/pkg/logger"
	"chatd/pkg/models"
)

const lockStripes = 64

// Store wraps a pebble database with the key layout from keys.go and a
// striped per-conversation lock. The lock plus a single batch commit is
// the store's transactional primitive: every composite mutation runs
// under Update and lands atomically or not at all.
type Store struct {
	db   *pebble.DB
	path string
	seq  uint64

	locks [lockStripes]sync.Mutex
}

// Open opens (or creates) the pebble database at path.
func Open(path string) (*Store, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger.Info("pebble_closed", "path", s.path)
	return err
}

func (s *Store) stripe(convID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(convID))
	return &s.locks[h.Sum32()%lockStripes]
}

// Tx stages writes for one conversation under its lock. Reads inside a
// Tx see committed state; staged writes are applied on commit. This is
// safe because the lock serializes all writers of the conversation.
type Tx struct {
	s     *Store
	batch *pebble.Batch
	now   int64
}

// Update runs fn under convID's lock and commits the staged batch with
// fsync. If fn returns an error nothing is written.
func (s *Store) Update(convID string, fn func(tx *Tx) error) error {
	if s.db == nil {
		return fmt.Errorf("store closed")
	}
	mu := s.stripe(convID)
	mu.Lock()
	defer mu.Unlock()

	tx := &Tx{s: s, batch: s.db.NewBatch(), now: time.Now().UTC().UnixNano()}
	if err := fn(tx); err != nil {
		_ = tx.batch.Close()
		return err
	}
	if err := tx.batch.Commit(pebble.Sync); err != nil {
		logger.Error("batch_commit_failed", "conversation", convID, "error", err)
		return err
	}
	return nil
}

// Now returns the transaction timestamp (ns).
func (tx *Tx) Now() int64 { return tx.now }

// Conversation loads the conversation document or models.ErrNotFound.
func (tx *Tx) Conversation(convID string) (*models.Conversation, error) {
	return tx.s.GetConversation(convID)
}

// SetConversation stages the conversation document.
func (tx *Tx) SetConversation(c *models.Conversation) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return tx.batch.Set([]byte(convMetaKey(c.ID)), b, nil)
}

// NewLogKey allocates the next primary log key for convID. Keys are
// (timestamp, sequence) so iteration order is commit order even when
// two appends share a nanosecond.
func (tx *Tx) NewLogKey(convID string) string {
	seq := atomic.AddUint64(&tx.s.seq, 1)
	return msgLogKey(convID, tx.now, seq)
}

// SetMessage stages the message at its primary key plus the id index.
func (tx *Tx) SetMessage(primary string, m *models.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := tx.batch.Set([]byte(primary), b, nil); err != nil {
		return err
	}
	return tx.batch.Set([]byte(msgIdxKey(m.ID)), []byte(primary), nil)
}

// SetVersion stages an edit-history row for the message.
func (tx *Tx) SetVersion(m *models.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message version: %w", err)
	}
	seq := atomic.AddUint64(&tx.s.seq, 1)
	return tx.batch.Set([]byte(versionKey(m.ID, tx.now, seq)), b, nil)
}

// DeleteMessage stages removal of the message row, its id index, and
// its expiry index entry if present.
func (tx *Tx) DeleteMessage(primary string, m *models.Message) error {
	if err := tx.batch.Delete([]byte(primary), nil); err != nil {
		return err
	}
	if err := tx.batch.Delete([]byte(msgIdxKey(m.ID)), nil); err != nil {
		return err
	}
	if m.DisappearTS != 0 {
		return tx.batch.Delete([]byte(expiryIdxKey(m.DisappearTS, primary)), nil)
	}
	return nil
}

// DeleteExpiryIndex stages removal of one sweeper index entry.
func (tx *Tx) DeleteExpiryIndex(disappearTS int64, primary string) error {
	return tx.batch.Delete([]byte(expiryIdxKey(disappearTS, primary)), nil)
}

// SetExpiryIndex stages the sweeper index entry for an expiring message.
func (tx *Tx) SetExpiryIndex(primary string, m *models.Message) error {
	return tx.batch.Set([]byte(expiryIdxKey(m.DisappearTS, primary)), []byte(m.ID), nil)
}

// SetDirectIndex stages the unordered-pair uniqueness row.
func (tx *Tx) SetDirectIndex(a, b, convID string) error {
	return tx.batch.Set([]byte(directIdxKey(a, b)), []byte(convID), nil)
}

// DeleteDirectIndex removes the pair row (request declined or blocked).
func (tx *Tx) DeleteDirectIndex(a, b string) error {
	return tx.batch.Delete([]byte(directIdxKey(a, b)), nil)
}

// SetUserConv stages the membership index row for listing.
func (tx *Tx) SetUserConv(userID, convID string) error {
	return tx.batch.Set([]byte(userConvKey(userID, convID)), nil, nil)
}

// DeleteUserConv removes the membership row.
func (tx *Tx) DeleteUserConv(userID, convID string) error {
	return tx.batch.Delete([]byte(userConvKey(userID, convID)), nil)
}

// DeleteConversation stages removal of the conversation document. Log
// rows are deleted via the ranged delete so a declined request leaves
// nothing behind.
func (tx *Tx) DeleteConversation(convID string) error {
	if err := tx.batch.Delete([]byte(convMetaKey(convID)), nil); err != nil {
		return err
	}
	start := []byte(msgLogPrefix(convID))
	end := append(append([]byte(nil), start...), 0xff)
	return tx.batch.DeleteRange(start, end, nil)
}

// --- unlocked read paths ---

// GetConversation returns the conversation or models.ErrNotFound.
func (s *Store) GetConversation(convID string) (*models.Conversation, error) {
	v, closer, err := s.db.Get([]byte(convMetaKey(convID)))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("conversation %s: %w", convID, models.ErrNotFound)
		}
		return nil, err
	}
	defer closer.Close()
	var c models.Conversation
	if err := json.Unmarshal(v, &c); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", convID, err)
	}
	return &c, nil
}

// LookupDirect resolves the direct-conversation id for a pair, or
// models.ErrNotFound.
func (s *Store) LookupDirect(a, b string) (string, error) {
	v, closer, err := s.db.Get([]byte(directIdxKey(a, b)))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", models.ErrNotFound
		}
		return "", err
	}
	defer closer.Close()
	return string(v), nil
}

// StoredMessage pairs a decoded message with its primary log key; the
// key doubles as the paging cursor.
type StoredMessage struct {
	Key string
	Msg *models.Message
}

// ListMessages returns messages of a conversation in log order,
// starting strictly after the cursor key when given. limit <= 0 means
// no cap.
func (s *Store) ListMessages(convID, after string, limit int) ([]StoredMessage, error) {
	prefix := []byte(msgLogPrefix(convID))
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	seek := prefix
	if after != "" {
		seek = append([]byte(after), 0x00)
	}
	var out []StoredMessage
	for iter.SeekGE(seek); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("decode message at %s: %w", iter.Key(), err)
		}
		out = append(out, StoredMessage{Key: string(iter.Key()), Msg: &m})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// GetMessage resolves a message id to its primary key and document.
func (s *Store) GetMessage(msgID string) (string, *models.Message, error) {
	v, closer, err := s.db.Get([]byte(msgIdxKey(msgID)))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", nil, fmt.Errorf("message %s: %w", msgID, models.ErrNotFound)
		}
		return "", nil, err
	}
	primary := string(v)
	closer.Close()

	mv, mcloser, err := s.db.Get([]byte(primary))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", nil, fmt.Errorf("message %s: %w", msgID, models.ErrNotFound)
		}
		return "", nil, err
	}
	defer mcloser.Close()
	var m models.Message
	if err := json.Unmarshal(mv, &m); err != nil {
		return "", nil, fmt.Errorf("decode message %s: %w", msgID, err)
	}
	return primary, &m, nil
}

// ListMessageVersions returns the edit history of a message in
// chronological order.
func (s *Store) ListMessageVersions(msgID string) ([]*models.Message, error) {
	prefix := []byte(versionPrefixFor(msgID))
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []*models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("decode version at %s: %w", iter.Key(), err)
		}
		out = append(out, &m)
	}
	return out, iter.Error()
}

// ListUserConversations returns every conversation the user is a member
// of, in no particular order; callers sort by activity.
func (s *Store) ListUserConversations(userID string) ([]*models.Conversation, error) {
	prefix := []byte(userConvPrefix(userID))
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []*models.Conversation
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		convID := strings.TrimPrefix(string(iter.Key()), string(prefix))
		c, err := s.GetConversation(convID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, c)
	}
	return out, iter.Error()
}

// ExpiredRef identifies one message due for deletion.
type ExpiredRef struct {
	ConvID      string
	Primary     string
	MsgID       string
	DisappearTS int64
}

// ScanExpired returns up to limit messages whose scheduled-deletion
// time is <= now, ordered by due time. limit <= 0 means no cap.
func (s *Store) ScanExpired(now int64, limit int) ([]ExpiredRef, error) {
	prefix := []byte(expiryPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []ExpiredRef
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		rest := strings.TrimPrefix(string(iter.Key()), expiryPrefix)
		i := strings.Index(rest, ":")
		if i < 0 {
			continue
		}
		ts, err := strconv.ParseInt(rest[:i], 10, 64)
		if err != nil {
			continue
		}
		if ts > now {
			break
		}
		primary := rest[i+1:]
		out = append(out, ExpiredRef{
			ConvID:      convIDFromLogKey(primary),
			Primary:     primary,
			MsgID:       string(iter.Value()),
			DisappearTS: ts,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}
