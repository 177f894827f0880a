package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-delivery/internal/model"
	"github.com/capitalize-ai/chat-delivery/pkg/logger"
)

// Write conflicts are retried with jittered exponential backoff.
const (
	maxConflictRetries   = 64
	conflictBackoffStart = time.Millisecond
	conflictBackoffMax   = 50 * time.Millisecond
)

// Options configures a Badger-backed store.
type Options struct {
	Dir      string
	InMemory bool
}

// BadgerStore is a Store on top of one Badger database.
type BadgerStore struct {
	db     *badger.DB
	logger *logger.Logger
}

// Open opens (or creates) the database described by opts.
func Open(opts Options, log *logger.Logger) (*BadgerStore, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts = bopts.WithLogger(nil).WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", opts.Dir, err)
	}
	return &BadgerStore{db: db, logger: log}, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) view(ctx context.Context, fn func(o ops) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(ops{txn: txn})
	})
}

// update runs fn in a read-write transaction, retrying on write conflicts
// until the retry budget or ctx runs out.
func (s *BadgerStore) update(ctx context.Context, fn func(o ops) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = conflictBackoffStart
	policy.MaxInterval = conflictBackoffMax

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := s.db.Update(func(txn *badger.Txn) error {
			return fn(ops{txn: txn})
		})
		if errors.Is(err, badger.ErrConflict) {
			s.logger.Debug("badger write conflict, retrying", zap.Int("attempt", attempts))
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(maxConflictRetries))

	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("transaction aborted after %d conflicts: %w", attempts, err)
	}
	return err
}

// WithinTx runs fn against a transaction-bound view of the store.
func (s *BadgerStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	return s.update(ctx, func(o ops) error {
		return fn(txStore{o: o})
	})
}

// EnsureUsers returns the users with the given external ids, creating the missing ones.
func (s *BadgerStore) EnsureUsers(ctx context.Context, externalIDs []string) ([]model.User, error) {
	var users []model.User
	err := s.update(ctx, func(o ops) error {
		var err error
		users, err = o.ensureUsers(externalIDs)
		return err
	})
	return users, err
}

// GetUser loads a user by its internal id.
func (s *BadgerStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var user *model.User
	err := s.view(ctx, func(o ops) error {
		var err error
		user, err = o.getUser(id)
		return err
	})
	return user, err
}

// GetUserByExternalID loads a user by the id clients know it under.
func (s *BadgerStore) GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	var user *model.User
	err := s.view(ctx, func(o ops) error {
		var err error
		user, err = o.getUserByExternalID(externalID)
		return err
	})
	return user, err
}

// CreateConversation stores a conversation together with its participants.
func (s *BadgerStore) CreateConversation(ctx context.Context, conv *model.Conversation, participants []model.Participant) error {
	return s.update(ctx, func(o ops) error {
		return o.createConversation(conv, participants)
	})
}

// GetConversation loads a conversation.
func (s *BadgerStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var conv *model.Conversation
	err := s.view(ctx, func(o ops) error {
		var err error
		conv, err = o.getConversation(id)
		return err
	})
	return conv, err
}

// UpdateConversation overwrites an existing conversation.
func (s *BadgerStore) UpdateConversation(ctx context.Context, conv *model.Conversation) error {
	return s.update(ctx, func(o ops) error {
		return o.updateConversation(conv)
	})
}

// ListConversationIDs returns the conversations a user record takes part in.
func (s *BadgerStore) ListConversationIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.view(ctx, func(o ops) error {
		ids = o.listConversationIDs(userID)
		return nil
	})
	return ids, err
}

// ListParticipants returns the participant records of a conversation, oldest first.
func (s *BadgerStore) ListParticipants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	var participants []model.Participant
	err := s.view(ctx, func(o ops) error {
		var err error
		participants, err = o.listParticipants(conversationID)
		return err
	})
	return participants, err
}

// AddParticipants stores participant records and their per-user index entries.
func (s *BadgerStore) AddParticipants(ctx context.Context, participants []model.Participant) error {
	return s.update(ctx, func(o ops) error {
		return o.addParticipants(participants)
	})
}

// DeleteParticipant removes a participant record and its index entry.
func (s *BadgerStore) DeleteParticipant(ctx context.Context, participant model.Participant) error {
	return s.update(ctx, func(o ops) error {
		return o.deleteParticipant(participant)
	})
}

// InsertMessage stores a message and moves the seen marker of every user in
// its seenBy set to it.
func (s *BadgerStore) InsertMessage(ctx context.Context, msg *model.Message) error {
	return s.update(ctx, func(o ops) error {
		return o.insertMessage(msg)
	})
}

// GetMessage loads a message by id.
func (s *BadgerStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var msg *model.Message
	err := s.view(ctx, func(o ops) error {
		var err error
		msg, _, err = o.getMessage(id)
		return err
	})
	return msg, err
}

// LatestMessage returns the newest message of a conversation.
func (s *BadgerStore) LatestMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	var msg *model.Message
	err := s.view(ctx, func(o ops) error {
		var err error
		msg, err = o.latestMessage(conversationID)
		return err
	})
	return msg, err
}

// ListMessages returns one page of a conversation, newest first.
func (s *BadgerStore) ListMessages(ctx context.Context, conversationID, before string, limit int) ([]model.Message, bool, error) {
	var (
		msgs    []model.Message
		hasMore bool
	)
	err := s.view(ctx, func(o ops) error {
		var err error
		msgs, hasMore, err = o.listMessages(conversationID, before, limit)
		return err
	})
	return msgs, hasMore, err
}

// ScanMessages visits a conversation's messages newest first.
func (s *BadgerStore) ScanMessages(ctx context.Context, conversationID string, fn func(model.Message) bool) error {
	return s.view(ctx, func(o ops) error {
		return o.scanMessages(conversationID, fn)
	})
}

// AdvanceStatus moves a message's status forward.
func (s *BadgerStore) AdvanceStatus(ctx context.Context, messageID string, status model.MessageStatus) (*model.Message, bool, error) {
	var (
		msg     *model.Message
		changed bool
	)
	err := s.update(ctx, func(o ops) error {
		var err error
		msg, changed, err = o.advanceStatus(messageID, status)
		return err
	})
	return msg, changed, err
}

// PullSeenBy takes userID off the message holding their seen marker.
func (s *BadgerStore) PullSeenBy(ctx context.Context, conversationID, userID, exceptMessageID string) (int, error) {
	var n int
	err := s.update(ctx, func(o ops) error {
		var err error
		n, err = o.pullSeenBy(conversationID, userID, exceptMessageID)
		return err
	})
	return n, err
}

// AddSeenBy puts userID's seen marker on a message.
func (s *BadgerStore) AddSeenBy(ctx context.Context, messageID, userID string) (*model.Message, error) {
	var msg *model.Message
	err := s.update(ctx, func(o ops) error {
		var err error
		msg, err = o.addSeenBy(messageID, userID)
		return err
	})
	return msg, err
}

// Key layout:
//
//	user:{id}                         -> model.User
//	userext:{externalId}              -> user id
//	conv:{id}                         -> model.Conversation
//	part:{convId}:{participantId}     -> model.Participant
//	upart:{userId}:{convId}           -> participant id
//	msg:{convId}:{nanos%019d}:{msgId} -> model.Message
//	msgid:{msgId}                     -> msg key
//	seen:{convId}:{userId}            -> id of the message holding the user's seen marker
func userKey(id string) []byte { return []byte("user:" + id) }
func userExtKey(ext string) []byte { return []byte("userext:" + ext) }
func convKey(id string) []byte { return []byte("conv:" + id) }
func partPrefix(convID string) []byte { return []byte("part:" + convID + ":") }
func userPartPrefix(uid string) []byte { return []byte("upart:" + uid + ":") }
func msgPrefix(convID string) []byte { return []byte("msg:" + convID + ":") }
func msgIndexKey(msgID string) []byte { return []byte("msgid:" + msgID) }
func seenKey(convID, userID string) []byte { return []byte("seen:" + convID + ":" + userID) }
func partKey(p model.Participant) []byte { return append(partPrefix(p.ConversationID), p.ID...) }
func userPartKey(p model.Participant) []byte {
	return append(userPartPrefix(p.UserID), p.ConversationID...)
}

func msgKey(m *model.Message) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", m.ConversationID, m.CreatedAt.UnixNano(), m.ID))
}

// ops implements the store operations against one transaction.
type ops struct {
	txn *badger.Txn
}

func (o ops) get(key []byte) ([]byte, error) {
	item, err := o.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (o ops) getJSON(key []byte, v any) error {
	data, err := o.get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (o ops) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return o.txn.Set(key, data)
}

// scan calls fn for every value under prefix, oldest key first.
func (o ops) scan(prefix []byte, fn func(key, val []byte) error) error {
	it := o.txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 50, Prefix: prefix})
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), val); err != nil {
			return err
		}
	}
	return nil
}

func (o ops) ensureUsers(externalIDs []string) ([]model.User, error) {
	users := make([]model.User, 0, len(externalIDs))
	for _, ext := range externalIDs {
		user, err := o.getUserByExternalID(ext)
		if err == nil {
			users = append(users, *user)
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		created := model.User{
			ID:             uuid.Must(uuid.NewV7()).String(),
			ExternalUserID: ext,
			CreatedAt:      time.Now().UTC(),
		}
		if err := o.setJSON(userKey(created.ID), created); err != nil {
			return nil, err
		}
		if err := o.txn.Set(userExtKey(ext), []byte(created.ID)); err != nil {
			return nil, err
		}
		users = append(users, created)
	}
	return users, nil
}

func (o ops) getUser(id string) (*model.User, error) {
	var user model.User
	if err := o.getJSON(userKey(id), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (o ops) getUserByExternalID(ext string) (*model.User, error) {
	id, err := o.get(userExtKey(ext))
	if err != nil {
		return nil, err
	}
	return o.getUser(string(id))
}

func (o ops) createConversation(conv *model.Conversation, participants []model.Participant) error {
	if err := o.setJSON(convKey(conv.ID), conv); err != nil {
		return err
	}
	return o.addParticipants(participants)
}

func (o ops) getConversation(id string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := o.getJSON(convKey(id), &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (o ops) updateConversation(conv *model.Conversation) error {
	if _, err := o.get(convKey(conv.ID)); err != nil {
		return err
	}
	return o.setJSON(convKey(conv.ID), conv)
}

func (o ops) listConversationIDs(userID string) []string {
	prefix := userPartPrefix(userID)
	it := o.txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()

	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
	}
	return ids
}

func (o ops) listParticipants(conversationID string) ([]model.Participant, error) {
	var participants []model.Participant
	err := o.scan(partPrefix(conversationID), func(_, val []byte) error {
		var p model.Participant
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		participants = append(participants, p)
		return nil
	})
	return participants, err
}

func (o ops) addParticipants(participants []model.Participant) error {
	for _, p := range participants {
		if err := o.setJSON(partKey(p), p); err != nil {
			return err
		}
		if err := o.txn.Set(userPartKey(p), []byte(p.ID)); err != nil {
			return err
		}
	}
	return nil
}

func (o ops) deleteParticipant(p model.Participant) error {
	if _, err := o.get(partKey(p)); err != nil {
		return err
	}
	if err := o.txn.Delete(partKey(p)); err != nil {
		return err
	}
	return o.txn.Delete(userPartKey(p))
}

func (o ops) insertMessage(msg *model.Message) error {
	key := msgKey(msg)
	if err := o.setJSON(key, msg); err != nil {
		return err
	}
	if err := o.txn.Set(msgIndexKey(msg.ID), key); err != nil {
		return err
	}
	for _, userID := range msg.SeenBy {
		if _, err := o.pullSeenBy(msg.ConversationID, userID, msg.ID); err != nil {
			return err
		}
		if err := o.txn.Set(seenKey(msg.ConversationID, userID), []byte(msg.ID)); err != nil {
			return err
		}
	}
	return nil
}

func (o ops) getMessage(id string) (*model.Message, []byte, error) {
	key, err := o.get(msgIndexKey(id))
	if err != nil {
		return nil, nil, err
	}
	var msg model.Message
	if err := o.getJSON(key, &msg); err != nil {
		return nil, nil, err
	}
	return &msg, key, nil
}

// reverse iterates a conversation's messages newest first, starting after
// the key from when it is set.
func (o ops) reverse(conversationID string, from []byte, fn func(model.Message) (bool, error)) error {
	prefix := msgPrefix(conversationID)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	it := o.txn.NewIterator(opts)
	defer it.Close()

	seek := from
	if seek == nil {
		seek = append(slices.Clone(prefix), []byte("9999999999999999999")...)
	}
	it.Seek(seek)
	if from != nil && it.ValidForPrefix(prefix) && string(it.Item().Key()) == string(from) {
		it.Next()
	}

	for ; it.ValidForPrefix(prefix); it.Next() {
		var msg model.Message
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		})
		if err != nil {
			return err
		}
		more, err := fn(msg)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (o ops) latestMessage(conversationID string) (*model.Message, error) {
	var latest *model.Message
	err := o.reverse(conversationID, nil, func(m model.Message) (bool, error) {
		latest = &m
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (o ops) listMessages(conversationID, before string, limit int) ([]model.Message, bool, error) {
	var from []byte
	if before != "" {
		key, err := o.get(msgIndexKey(before))
		if err != nil {
			return nil, false, err
		}
		if !bytes.HasPrefix(key, msgPrefix(conversationID)) {
			return nil, false, ErrNotFound
		}
		from = key
	}

	msgs := make([]model.Message, 0, limit)
	hasMore := false
	err := o.reverse(conversationID, from, func(m model.Message) (bool, error) {
		if len(msgs) == limit {
			hasMore = true
			return false, nil
		}
		msgs = append(msgs, m)
		return true, nil
	})
	return msgs, hasMore, err
}

func (o ops) scanMessages(conversationID string, fn func(model.Message) bool) error {
	return o.reverse(conversationID, nil, func(m model.Message) (bool, error) {
		return fn(m), nil
	})
}

func (o ops) advanceStatus(messageID string, status model.MessageStatus) (*model.Message, bool, error) {
	msg, key, err := o.getMessage(messageID)
	if err != nil {
		return nil, false, err
	}
	if !msg.Status.Advances(status) {
		return msg, false, nil
	}
	msg.Status = status
	if err := o.setJSON(key, msg); err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

// pullSeenBy only touches the message named by the user's seen index, so
// concurrent seen updates of different users do not read each other's keys.
func (o ops) pullSeenBy(conversationID, userID, exceptMessageID string) (int, error) {
	held, err := o.get(seenKey(conversationID, userID))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if string(held) == exceptMessageID {
		return 0, nil
	}
	if err := o.txn.Delete(seenKey(conversationID, userID)); err != nil {
		return 0, err
	}

	msg, key, err := o.getMessage(string(held))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !msg.SeenByUser(userID) {
		return 0, nil
	}
	msg.SeenBy = slices.DeleteFunc(msg.SeenBy, func(id string) bool { return id == userID })
	if err := o.setJSON(key, msg); err != nil {
		return 0, err
	}
	return 1, nil
}

func (o ops) addSeenBy(messageID, userID string) (*model.Message, error) {
	msg, key, err := o.getMessage(messageID)
	if err != nil {
		return nil, err
	}
	if err := o.txn.Set(seenKey(msg.ConversationID, userID), []byte(msg.ID)); err != nil {
		return nil, err
	}
	if msg.SeenByUser(userID) {
		return msg, nil
	}
	msg.SeenBy = append(msg.SeenBy, userID)
	if err := o.setJSON(key, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// txStore is a Store bound to a running transaction.
type txStore struct {
	o ops
}

func (t txStore) EnsureUsers(_ context.Context, externalIDs []string) ([]model.User, error) {
	return t.o.ensureUsers(externalIDs)
}

func (t txStore) GetUser(_ context.Context, id string) (*model.User, error) {
	return t.o.getUser(id)
}

func (t txStore) GetUserByExternalID(_ context.Context, externalID string) (*model.User, error) {
	return t.o.getUserByExternalID(externalID)
}

func (t txStore) CreateConversation(_ context.Context, conv *model.Conversation, participants []model.Participant) error {
	return t.o.createConversation(conv, participants)
}

func (t txStore) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	return t.o.getConversation(id)
}

func (t txStore) UpdateConversation(_ context.Context, conv *model.Conversation) error {
	return t.o.updateConversation(conv)
}

func (t txStore) ListConversationIDs(_ context.Context, userID string) ([]string, error) {
	return t.o.listConversationIDs(userID), nil
}

func (t txStore) ListParticipants(_ context.Context, conversationID string) ([]model.Participant, error) {
	return t.o.listParticipants(conversationID)
}

func (t txStore) AddParticipants(_ context.Context, participants []model.Participant) error {
	return t.o.addParticipants(participants)
}

func (t txStore) DeleteParticipant(_ context.Context, participant model.Participant) error {
	return t.o.deleteParticipant(participant)
}

func (t txStore) InsertMessage(_ context.Context, msg *model.Message) error {
	return t.o.insertMessage(msg)
}

func (t txStore) GetMessage(_ context.Context, id string) (*model.Message, error) {
	msg, _, err := t.o.getMessage(id)
	return msg, err
}

func (t txStore) LatestMessage(_ context.Context, conversationID string) (*model.Message, error) {
	return t.o.latestMessage(conversationID)
}

func (t txStore) ListMessages(_ context.Context, conversationID, before string, limit int) ([]model.Message, bool, error) {
	return t.o.listMessages(conversationID, before, limit)
}

func (t txStore) ScanMessages(_ context.Context, conversationID string, fn func(model.Message) bool) error {
	return t.o.scanMessages(conversationID, fn)
}

func (t txStore) AdvanceStatus(_ context.Context, messageID string, status model.MessageStatus) (*model.Message, bool, error) {
	return t.o.advanceStatus(messageID, status)
}

func (t txStore) PullSeenBy(_ context.Context, conversationID, userID, exceptMessageID string) (int, error) {
	return t.o.pullSeenBy(conversationID, userID, exceptMessageID)
}

func (t txStore) AddSeenBy(_ context.Context, messageID, userID string) (*model.Message, error) {
	return t.o.addSeenBy(messageID, userID)
}

// Close is a no-op; the transaction is owned by WithinTx.
func (t txStore) Close() error {
	return nil
}
