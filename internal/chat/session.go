// Package chat owns the conversation state of one active thread and runs
// send-message transactions against the weather agent.
//
// A transaction moves through
//
//	Idle -> GuardrailCheck -> RefusalSettled
//	Idle -> GuardrailCheck -> Streaming -> Settled | Failed
//
// Off-topic input is refused locally. On-topic input is appended together with
// an empty assistant placeholder, the agent response is decoded line by line
// and appended to the placeholder, and a failed transaction removes both of
// its messages again. Every transcript change is saved to the ThreadStore and
// published to the Observer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/weather-chat/internal/agent"
	"github.com/xaenox/weather-chat/internal/guardrail"
	"github.com/xaenox/weather-chat/internal/models"
	"github.com/xaenox/weather-chat/internal/storage"
	"github.com/xaenox/weather-chat/internal/stream"
)

// ErrBusy is returned when an operation needs the session idle but a
// transaction is in flight.
var ErrBusy = errors.New("a message is still being answered")

// RefusalMessage answers off-topic input without contacting the agent.
const RefusalMessage = "I can only help with climate and weather-related questions. " +
	"Please ask about weather conditions, forecasts, temperatures, air quality, wind, humidity, or similar topics."

const readBufferSize = 4096

// State is a consistent snapshot of a session.
type State struct {
	ThreadID  string
	Messages  []models.Message
	IsLoading bool
	// Error is empty unless the last transaction failed and nobody dismissed it.
	Error string
}

// Observer receives a snapshot after every state change, in order. It must not
// call back into methods that change the session.
type Observer func(state State)

type Config struct {
	ThreadID string
	Agent    agent.Options
}

type Option func(*Session)

func WithObserver(observer Observer) Option {
	return func(s *Session) { s.observer = observer }
}

func WithGuardrail(g guardrail.Guardrail) Option {
	return func(s *Session) { s.guard = g }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// transaction identifies the messages a single SendMessage call added.
type transaction struct {
	userID        string
	placeholderID string
}

type Session struct {
	// mu guards the fields below; publishMu keeps observer calls in mutation order.
	mu        sync.Mutex
	publishMu sync.Mutex

	threadID  string
	messages  []models.Message
	isLoading bool
	lastErr   string
	tx        *transaction

	store    storage.ThreadStore
	endpoint agent.Endpoint
	guard    guardrail.Guardrail
	opts     agent.Options
	observer Observer
	now      func() time.Time
	logger   *zap.Logger
}

// New creates a session for cfg.ThreadID and loads its stored transcript.
func New(ctx context.Context, cfg Config, store storage.ThreadStore, endpoint agent.Endpoint, logger *zap.Logger, options ...Option) *Session {
	s := &Session{
		threadID: cfg.ThreadID,
		messages: []models.Message{},
		store:    store,
		endpoint: endpoint,
		guard:    guardrail.NewKeywordGuardrail(),
		opts:     cfg.Agent,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range options {
		opt(s)
	}
	s.messages = s.load(ctx, cfg.ThreadID)
	return s
}

func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SendMessage runs one transaction for text. Blank text is ignored and
// ErrBusy is returned while another transaction is in flight; neither changes
// the state. A transport failure is recorded in State.Error and returned.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if s.isLoading {
		s.mu.Unlock()
		return ErrBusy
	}

	user := s.newMessage(models.RoleUser, text)
	history := models.CloneMessages(s.messages)
	threadID := s.threadID

	if !s.guard.IsOnTopic(text, history) {
		s.messages = append(s.messages, user, s.newMessage(models.RoleAssistant, RefusalMessage))
		s.lastErr = ""
		s.logger.Info("Refused off-topic message", zap.String("thread_id", threadID))
		s.unlockAndPublish(ctx, true)
		return nil
	}

	placeholder := s.newMessage(models.RoleAssistant, "")
	tx := &transaction{userID: user.ID, placeholderID: placeholder.ID}
	s.messages = append(s.messages, user)
	s.isLoading = true
	s.lastErr = ""
	s.tx = tx
	s.unlockAndPublish(ctx, true)

	req := agent.BuildRequest(s.opts, history, user, threadID)

	s.mu.Lock()
	s.messages = append(s.messages, placeholder)
	s.unlockAndPublish(ctx, true)

	if err := s.stream(ctx, req, placeholder.ID); err != nil {
		s.logger.Error("Chat request failed",
			zap.Error(err),
			zap.String("thread_id", threadID))
		s.rollback(ctx, tx, err)
		return err
	}

	s.mu.Lock()
	if s.tx == tx {
		s.isLoading = false
		s.tx = nil
	}
	s.unlockAndPublish(ctx, false)
	return nil
}

// stream drives the response body through the decoder, appending every
// visible increment to the placeholder. The body is closed on every path.
func (s *Session) stream(ctx context.Context, req *agent.Request, placeholderID string) error {
	body, err := s.endpoint.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer body.Close()

	dec := stream.NewDecoder()
	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			s.appendToMessage(ctx, placeholderID, dec.Feed(string(buf[:n])))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading agent stream: %w", err)
		}
	}
	s.appendToMessage(ctx, placeholderID, dec.Flush())
	return nil
}

// appendToMessage appends text to the message with id. The message is found by
// id since the transcript may have changed since the placeholder was added.
func (s *Session) appendToMessage(ctx context.Context, id, text string) {
	if text == "" {
		return
	}

	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Content += text
			s.unlockAndPublish(ctx, true)
			return
		}
	}
	s.mu.Unlock()
}

// rollback removes the transaction's own messages, which restores the transcript
// the user saw before sending, and records err.
func (s *Session) rollback(ctx context.Context, tx *transaction, err error) {
	s.mu.Lock()
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.ID != tx.userID && m.ID != tx.placeholderID {
			kept = append(kept, m)
		}
	}
	s.messages = kept

	// A ClearChat or newer transaction owns the flags now.
	if s.tx == tx {
		s.isLoading = false
		s.lastErr = errorMessage(err)
		s.tx = nil
	}
	s.unlockAndPublish(ctx, true)
}

// ClearChat empties the transcript, resets the flags and deletes the stored thread.
func (s *Session) ClearChat(ctx context.Context) {
	s.mu.Lock()
	s.messages = []models.Message{}
	s.isLoading = false
	s.lastErr = ""
	s.tx = nil
	if err := s.store.Delete(context.WithoutCancel(ctx), s.threadID); err != nil {
		s.logger.Warn("Failed to delete thread", zap.Error(err), zap.String("thread_id", s.threadID))
	}
	s.unlockAndPublish(ctx, false)
}

// DismissError clears the error. It does nothing when there is none.
func (s *Session) DismissError() {
	s.mu.Lock()
	if s.lastErr == "" {
		s.mu.Unlock()
		return
	}
	s.lastErr = ""
	s.unlockAndPublish(context.Background(), false)
}

// ResendLast sends the most recent user message again.
func (s *Session) ResendLast(ctx context.Context) error {
	s.mu.Lock()
	if s.isLoading {
		s.mu.Unlock()
		return ErrBusy
	}
	var last string
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == models.RoleUser {
			last = s.messages[i].Content
			break
		}
	}
	s.mu.Unlock()

	return s.SendMessage(ctx, last)
}

// SwitchThread makes threadID the active thread and loads its transcript.
// Switching is refused with ErrBusy while a transaction is in flight, so a
// response can never land in another thread's record.
func (s *Session) SwitchThread(ctx context.Context, threadID string) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("thread id must not be empty")
	}

	s.mu.Lock()
	if s.isLoading {
		s.mu.Unlock()
		return ErrBusy
	}
	if threadID == s.threadID {
		s.mu.Unlock()
		return nil
	}
	s.threadID = threadID
	s.messages = s.load(ctx, threadID)
	s.logger.Info("Switched thread", zap.String("thread_id", threadID), zap.Int("messages", len(s.messages)))
	s.unlockAndPublish(ctx, false)
	return nil
}

// load reads a transcript, falling back to an empty one when the store fails.
func (s *Session) load(ctx context.Context, threadID string) []models.Message {
	messages, err := s.store.Load(ctx, threadID)
	if err != nil {
		s.logger.Warn("Failed to load thread", zap.Error(err), zap.String("thread_id", threadID))
		return []models.Message{}
	}
	return messages
}

// unlockAndPublish must be called with mu held. It optionally saves the
// transcript, releases mu and hands the snapshot to the observer. Store
// failures are logged only; the in-memory transcript stays authoritative.
func (s *Session) unlockAndPublish(ctx context.Context, persist bool) {
	snap := s.snapshotLocked()
	if persist {
		if err := s.store.Save(context.WithoutCancel(ctx), snap.ThreadID, snap.Messages); err != nil {
			s.logger.Warn("Failed to save thread", zap.Error(err), zap.String("thread_id", snap.ThreadID))
		}
	}

	s.publishMu.Lock()
	s.mu.Unlock()
	defer s.publishMu.Unlock()

	if s.observer != nil {
		s.observer(snap)
	}
}

func (s *Session) snapshotLocked() State {
	return State{
		ThreadID:  s.threadID,
		Messages:  models.CloneMessages(s.messages),
		IsLoading: s.isLoading,
		Error:     s.lastErr,
	}
}

func (s *Session) newMessage(role models.Role, content string) models.Message {
	return models.Message{
		ID:        fmt.Sprintf("%s-%s", role, uuid.NewString()),
		Role:      role,
		Content:   content,
		Timestamp: s.now(),
	}
}

func errorMessage(err error) string {
	if err == nil || err.Error() == "" {
		return "An unexpected error occurred"
	}
	return err.Error()
}
