package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Store provides conversation persistence on top of a Driver.
//
// Every mutation of a (model, id) key goes through a per-key lock, so two
// concurrent appends to the same conversation can no longer overwrite each
// other. The lock is process local; separate processes sharing a data
// directory are not coordinated.
type Store struct {
	driver Driver
	locks  *keyLocker
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for best-effort paths.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a new instance of Store.
func New(driver Driver, opts ...Option) *Store {
	s := &Store{
		driver: driver,
		locks:  newKeyLocker(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// CreateConversation allocates a new local id in model and writes its
// metadata record.
//
// Creation is best-effort and never fails the caller: if anything goes wrong
// the error is logged and a random fallback id, not backed by any record, is
// returned instead.
func (s *Store) CreateConversation(ctx context.Context, model string) string {
	id, err := s.createConversation(ctx, model)
	if err != nil {
		fallback := FallbackID()
		s.logger.Error("failed to create conversation, using fallback id",
			"model", model,
			"fallback_id", fallback,
			"error", err,
		)
		return fallback
	}
	return id
}

func (s *Store) createConversation(ctx context.Context, model string) (string, error) {
	if err := ValidateName(model); err != nil {
		return "", err
	}

	// The day sequence is only a readability aid. Holding the namespace lock
	// keeps it accurate inside this process; the random suffix is what keeps
	// ids unique.
	unlock := s.locks.Lock(namespaceKey(model))
	defer unlock()

	now := s.now()
	date := now.Format("20060102")
	count, err := s.driver.CountConversations(ctx, model, date)
	if err != nil {
		return "", errors.Wrapf(err, "failed to count conversations for %s", model)
	}

	id := fmt.Sprintf("%s_%d_%s", date, count+1, randomHex(8))
	if err := s.driver.CreateConversation(ctx, &Conversation{
		CreatedAt:   now.UTC(),
		ID:          id,
		Model:       model,
		DisplayName: DefaultDisplayName,
	}); err != nil {
		return "", errors.Wrapf(err, "failed to write conversation %s", id)
	}

	s.logger.Info("conversation created", "model", model, "conversation_id", id)
	return id, nil
}

// AppendMessage adds msg to the conversation after normalizing it.
//
// It returns false without error when a message with the same sender and text
// already exists anywhere in the history. A missing or unreadable document is
// rebuilt from scratch holding only msg; any prior history in an unreadable
// document is lost.
func (s *Store) AppendMessage(ctx context.Context, model, id string, msg *Message) (bool, error) {
	if err := validateKey(model, id); err != nil {
		return false, err
	}
	if msg == nil {
		return false, errors.Wrap(ErrInvalidMessage, "message is required")
	}
	now := s.now()
	if err := msg.Normalize(model, now); err != nil {
		return false, err
	}

	unlock := s.locks.Lock(conversationKey(model, id))
	defer unlock()

	history, err := s.driver.ListMessages(ctx, model, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCorrupt):
		s.logger.Warn("conversation document missing or unreadable, rebuilding with new message",
			"model", model,
			"conversation_id", id,
			"error", err,
		)
		conv := &Conversation{
			CreatedAt:   now.UTC(),
			ID:          id,
			Model:       model,
			DisplayName: DefaultDisplayName,
		}
		if err := s.driver.ResetConversation(ctx, conv, []*Message{msg}); err != nil {
			return false, errors.Wrapf(err, "failed to rebuild conversation %s", id)
		}
		return true, nil
	default:
		return false, errors.Wrapf(err, "failed to read conversation %s", id)
	}

	for _, existing := range history {
		if existing.SameContent(msg) {
			s.logger.Debug("skipping duplicate message",
				"model", model,
				"conversation_id", id,
				"sender", msg.Sender,
			)
			return false, nil
		}
	}

	if err := s.driver.AppendMessage(ctx, model, id, msg); err != nil {
		return false, errors.Wrapf(err, "failed to append message to %s", id)
	}
	return true, nil
}

// ListMessages returns the conversation's messages in stored order.
//
// A conversation that does not exist yields an empty slice, the same as one
// with no messages. Use GetConversation to tell the two apart.
func (s *Store) ListMessages(ctx context.Context, model, id string) ([]*Message, error) {
	if err := validateKey(model, id); err != nil {
		return nil, err
	}
	msgs, err := s.driver.ListMessages(ctx, model, id)
	switch {
	case err == nil:
		if msgs == nil {
			msgs = []*Message{}
		}
		return msgs, nil
	case errors.Is(err, ErrNotFound):
		return []*Message{}, nil
	case errors.Is(err, ErrCorrupt):
		s.logger.Warn("unreadable conversation document, returning no messages",
			"model", model,
			"conversation_id", id,
			"error", err,
		)
		return []*Message{}, nil
	default:
		return nil, errors.Wrapf(err, "failed to list messages of %s", id)
	}
}

// GetConversation returns the metadata record, or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, model, id string) (*Conversation, error) {
	if err := validateKey(model, id); err != nil {
		return nil, err
	}
	return s.driver.GetConversation(ctx, model, id)
}

// RenameConversation sets the display name. The conversation must exist.
func (s *Store) RenameConversation(ctx context.Context, model, id, name string) error {
	if err := validateKey(model, id); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.Wrap(ErrInvalidArgument, "name must not be empty")
	}

	unlock := s.locks.Lock(conversationKey(model, id))
	defer unlock()

	return s.driver.UpdateConversation(ctx, &UpdateConversation{
		Model:       model,
		ID:          id,
		DisplayName: &name,
	})
}

// SetUpstreamID records the upstream session id. The conversation must exist.
func (s *Store) SetUpstreamID(ctx context.Context, model, id, upstreamID string) error {
	if err := validateKey(model, id); err != nil {
		return err
	}
	if upstreamID == "" {
		return errors.Wrap(ErrInvalidArgument, "upstream id must not be empty")
	}

	unlock := s.locks.Lock(conversationKey(model, id))
	defer unlock()

	return s.driver.UpdateConversation(ctx, &UpdateConversation{
		Model:      model,
		ID:         id,
		UpstreamID: &upstreamID,
	})
}

// DeleteConversation removes the conversation irreversibly.
func (s *Store) DeleteConversation(ctx context.Context, model, id string) error {
	if err := validateKey(model, id); err != nil {
		return err
	}

	unlock := s.locks.Lock(conversationKey(model, id))
	defer unlock()

	return s.driver.DeleteConversation(ctx, model, id)
}

// ListConversations returns the model's conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, model string) ([]*ConversationSummary, error) {
	if err := ValidateName(model); err != nil {
		return nil, err
	}
	list, err := s.driver.ListConversations(ctx, model)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list conversations of %s", model)
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedTs > list[j].UpdatedTs
	})
	return list, nil
}

// ValidateName checks that a model or conversation id can be used as a path segment.
func ValidateName(name string) error {
	if name == "" {
		return errors.Wrap(ErrInvalidArgument, "empty name")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return errors.Wrapf(ErrInvalidArgument, "invalid name %q", name)
	}
	return nil
}

func validateKey(model, id string) error {
	if err := ValidateName(model); err != nil {
		return errors.Wrap(err, "model")
	}
	if err := ValidateName(id); err != nil {
		return errors.Wrap(err, "conversation id")
	}
	return nil
}

// FallbackID returns a random id used when a conversation could not be created.
func FallbackID() string {
	return "new_" + randomHex(32)
}

func randomHex(n int) string {
	h := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}

func namespaceKey(model string) string {
	return model + "\x00"
}

func conversationKey(model, id string) string {
	return model + "\x00" + id
}
