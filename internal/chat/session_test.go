package chat

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/weather-chat/internal/agent"
	"github.com/xaenox/weather-chat/internal/models"
	"github.com/xaenox/weather-chat/internal/storage"
)

// chunkBody returns one chunk per Read, then err (io.EOF when nil).
type chunkBody struct {
	mu     sync.Mutex
	chunks []string
	err    error
	closed bool
}

func (b *chunkBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	b.chunks[0] = b.chunks[0][n:]
	if b.chunks[0] == "" {
		b.chunks = b.chunks[1:]
	}
	return n, nil
}

func (b *chunkBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *chunkBody) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type fakeEndpoint struct {
	mu       sync.Mutex
	requests []*agent.Request
	stream   func(ctx context.Context, req *agent.Request) (io.ReadCloser, error)
}

func (e *fakeEndpoint) Stream(ctx context.Context, req *agent.Request) (io.ReadCloser, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	return e.stream(ctx, req)
}

func (e *fakeEndpoint) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func bodyEndpoint(body *chunkBody) *fakeEndpoint {
	return &fakeEndpoint{stream: func(context.Context, *agent.Request) (io.ReadCloser, error) {
		return body, nil
	}}
}

func errorEndpoint(err error) *fakeEndpoint {
	return &fakeEndpoint{stream: func(context.Context, *agent.Request) (io.ReadCloser, error) {
		return nil, err
	}}
}

func newTestSession(t *testing.T, store storage.ThreadStore, endpoint agent.Endpoint, options ...Option) *Session {
	t.Helper()
	cfg := Config{ThreadID: "2", Agent: agent.DefaultOptions()}
	return New(context.Background(), cfg, store, endpoint, zap.NewNop(), options...)
}

func seed(t *testing.T, store storage.ThreadStore, threadID string, contents ...string) []models.Message {
	t.Helper()
	var messages []models.Message
	for i, c := range contents {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		messages = append(messages, models.Message{ID: threadID + "-" + c, Role: role, Content: c, Timestamp: time.Now()})
	}
	require.NoError(t, store.Save(context.Background(), threadID, messages))
	return messages
}

func TestSendMessageStreamsIntoPlaceholder(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage(zap.NewNop())
	body := &chunkBody{chunks: []string{"f:{\"messageId\":\"m\"}\n0:\"Hel", "lo\"\n", "0:\" world\"\n", "e:{}\nd:{}\n"}}
	endpoint := bodyEndpoint(body)

	var contents []string
	var mu sync.Mutex
	observer := func(state State) {
		mu.Lock()
		defer mu.Unlock()
		if n := len(state.Messages); n == 2 && state.Messages[1].Role == models.RoleAssistant {
			contents = append(contents, state.Messages[1].Content)
		}
	}

	s := newTestSession(t, store, endpoint, WithObserver(observer))
	require.NoError(t, s.SendMessage(ctx, "  What's the weather in Mumbai?  "))

	state := s.State()
	require.Len(t, state.Messages, 2)
	assert.Equal(t, models.RoleUser, state.Messages[0].Role)
	assert.Equal(t, "What's the weather in Mumbai?", state.Messages[0].Content)
	assert.Equal(t, models.RoleAssistant, state.Messages[1].Role)
	assert.Equal(t, "Hello world", state.Messages[1].Content)
	assert.False(t, state.IsLoading)
	assert.Empty(t, state.Error)
	assert.True(t, body.isClosed())

	// increments arrive in order and only ever grow the placeholder
	assert.Equal(t, []string{"", "Hello", "Hello world", "Hello world"}, contents)

	stored, err := store.Load(ctx, "2")
	require.NoError(t, err)
	assertSameTranscript(t, state.Messages, stored)
}

func assertSameTranscript(t *testing.T, want, got []models.Message) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Role, got[i].Role)
		assert.Equal(t, want[i].Content, got[i].Content)
	}
}

func TestSendMessageBuildsRequestFromPriorTranscript(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage(zap.NewNop())
	seed(t, store, "2", "Weather in Oslo?", "Snowy.")
	endpoint := bodyEndpoint(&chunkBody{chunks: []string{"0:\"Ok\"\n"}})

	s := newTestSession(t, store, endpoint)
	require.NoError(t, s.SendMessage(ctx, "yes"))

	require.Equal(t, 1, endpoint.calls())
	req := endpoint.requests[0]
	require.Len(t, req.Messages, 4)
	assert.Equal(t, agent.GuardrailInstruction, req.Messages[0].Content)
	assert.Equal(t, "Weather in Oslo?", req.Messages[1].Content)
	assert.Equal(t, "Snowy.", req.Messages[2].Content)
	assert.Equal(t, "yes", req.Messages[3].Content)
	assert.Equal(t, "2", req.ThreadID)
	assert.Len(t, s.State().Messages, 4)
}

func TestSendMessageRefusesOffTopic(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage(zap.NewNop())
	seed(t, store, "2", "Tell me a joke", "Sorry, I can't.")
	endpoint := errorEndpoint(errors.New("must not be called"))

	s := newTestSession(t, store, endpoint)
	require.NoError(t, s.SendMessage(ctx, "yes"))

	state := s.State()
	require.Len(t, state.Messages, 4)
	assert.Equal(t, "yes", state.Messages[2].Content)
	assert.Equal(t, models.RoleAssistant, state.Messages[3].Role)
	assert.Equal(t, RefusalMessage, state.Messages[3].Content)
	assert.False(t, state.IsLoading)
	assert.Empty(t, state.Error)
	assert.Equal(t, 0, endpoint.calls())

	stored, err := store.Load(ctx, "2")
	require.NoError(t, err)
	assert.Len(t, stored, 4)
}

func TestSendMessageRollsBackOnTransportFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage(zap.NewNop())
	seeded := seed(t, store, "2", "Weather in Pune?", "Sunny.")

	s := newTestSession(t, store, errorEndpoint(&agent.StatusError{Code: 500, Status: "500 Internal Server Error"}))
	err := s.SendMessage(ctx, "And tomorrow?")
	require.Error(t, err)

	state := s.State()
	assert.Len(t, state.Messages, len(seeded))
	assert.Equal(t, seeded[0].ID, state.Messages[0].ID)
	assert.Equal(t, seeded[1].ID, state.Messages[1].ID)
	assert.False(t, state.IsLoading)
	assert.Equal(t, "Request failed: 500 Internal Server Error", state.Error)

	stored, err := store.Load(ctx, "2")
	require.NoError(t, err)
	assert.Len(t, stored, len(seeded))
}

func TestSendMessageRollsBackOnReadFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage(zap.NewNop())
	body := &chunkBody{chunks: []string{"0:\"Partial\"\n"}, err: errors.New("connection reset")}

	s := newTestSession(t, store, bodyEndpoint(body))
	err := s.SendMessage(ctx, "Rain in Delhi?")
	require.Error(t, err)

	state := s.State()
	assert.Empty(t, state.Messages)
	assert.False(t, state.IsLoading)
	assert.Contains(t, state.Error, "connection reset")
	assert.True(t, body.isClosed())
}

func TestSendMessageKeepsEmptyAnswer(t *testing.T) {
	body := &chunkBody{chunks: []string{"f:{}\nnot json\n"}}
	s := newTestSession(t, storage.NewMemoryStorage(zap.NewNop()), bodyEndpoint(body))

	require.NoError(t, s.SendMessage(context.Background(), "forecast for Rome"))

	state := s.State()
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "", state.Messages[1].Content)
	assert.False(t, state.IsLoading)
	assert.Empty(t, state.Error)
}

func TestSendMessageIgnoresBlankText(t *testing.T) {
	endpoint := errorEndpoint(errors.New("must not be called"))
	s := newTestSession(t, storage.NewMemoryStorage(zap.NewNop()), endpoint)

	require.NoError(t, s.SendMessage(context.Background(), "   "))
	assert.Empty(t, s.State().Messages)
	assert.Equal(t, 0, endpoint.calls())
}

func TestSendMessageWhileLoading(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})
	body := &chunkBody{chunks: []string{"0:\"Done\"\n"}}
	endpoint := &fakeEndpoint{stream: func(context.Context, *agent.Request) (io.ReadCloser, error) {
		close(started)
		<-release
		return body, nil
	}}

	s := newTestSession(t, storage.NewMemoryStorage(zap.NewNop()), endpoint)

	done := make(chan error, 1)
	go func() { done <- s.SendMessage(ctx, "Wind speed in Chennai?") }()
	<-started

	before := s.State()
	require.True(t, before.IsLoading)

	assert.ErrorIs(t, s.SendMessage(ctx, "Humidity in Chennai?"), ErrBusy)
	assert.ErrorIs(t, s.ResendLast(ctx), ErrBusy)
	assert.ErrorIs(t, s.SwitchThread(ctx, "other"), ErrBusy)
	assert.Equal(t, before, s.State())

	close(release)
	require.NoError(t, <-done)

	state := s.State()
	assert.False(t, state.IsLoading)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "Done", state.Messages[1].Content)
	assert.Equal(t, 1, endpoint.calls())
}

func TestDismissError(t *testing.T) {
	var published int
	observer := func(State) { published++ }
	s := newTestSession(t, storage.NewMemoryStorage(zap.NewNop()), errorEndpoint(errors.New("offline")), WithObserver(observer))

	s.DismissError()
	assert.Equal(t, 0, published)
	assert.Empty(t, s.State().Error)

	require.Error(t, s.SendMessage(context.Background(), "temperature in Leeds"))
	require.Equal(t, "offline", s.State().Error)

	count := published
	s.DismissError()
	assert.Empty(t, s.State().Error)
	assert.Equal(t, count+1, published)

	s.DismissError()
	assert.Equal(t, count+1, published)
}

func TestNewSendClearsPreviousError(t *testing.T) {
	calls := 0
	endpoint := &fakeEndpoint{stream: func(context.Context, *agent.Request) (io.ReadCloser, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("offline")
		}
		return &chunkBody{chunks: []string{"0:\"Cloudy\"\n"}}, nil
	}}
	s := newTestSession(t, storage.NewMemoryStorage(zap.NewNop()), endpoint)

	require.Error(t, s.SendMessage(context.Background(), "cloud cover in Lima"))
	require.NoError(t, s.SendMessage(context.Background(), "cloud cover in Lima"))

	state := s.State()
	assert.Empty(t, state.Error)
	assert.Len(t, state.Messages, 2)
}

func TestClearChat(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage(zap.NewNop())
	seed(t, store, "2", "Weather in Pune?", "Sunny.")
	seed(t, store, "other", "fog?")

	s := newTestSession(t, store, errorEndpoint(errors.New("offline")))
	require.Error(t, s.SendMessage(ctx, "and now?"))
	require.NotEmpty(t, s.State().Error)

	s.ClearChat(ctx)

	state := s.State()
	assert.Empty(t, state.Messages)
	assert.False(t, state.IsLoading)
	assert.Empty(t, state.Error)

	items, err := store.ListThreads(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "other", items[0].ThreadID)
}

func TestSwitchThread(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage(zap.NewNop())
	seed(t, store, "2", "Weather in Pune?", "Sunny.")
	seed(t, store, "9", "Storm warnings?")

	s := newTestSession(t, store, errorEndpoint(errors.New("unused")))
	assert.Len(t, s.State().Messages, 2)

	require.NoError(t, s.SwitchThread(ctx, "9"))
	assert.Equal(t, "9", s.ThreadID())
	require.Len(t, s.State().Messages, 1)
	assert.Equal(t, "Storm warnings?", s.State().Messages[0].Content)

	require.NoError(t, s.SwitchThread(ctx, "fresh"))
	assert.Empty(t, s.State().Messages)

	assert.Error(t, s.SwitchThread(ctx, "  "))
	assert.Equal(t, "fresh", s.ThreadID())
}

func TestResendLast(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage(zap.NewNop())
	seed(t, store, "2", "UV index in Sydney?", "High.")
	endpoint := bodyEndpoint(&chunkBody{chunks: []string{"0:\"Very high.\"\n"}})

	s := newTestSession(t, store, endpoint)
	require.NoError(t, s.ResendLast(ctx))

	require.Equal(t, 1, endpoint.calls())
	state := s.State()
	require.Len(t, state.Messages, 4)
	assert.Equal(t, "UV index in Sydney?", state.Messages[2].Content)
	assert.Equal(t, "Very high.", state.Messages[3].Content)
}

// failingStore loses every write; the session keeps working from memory.
type failingStore struct {
	storage.ThreadStore
}

func (failingStore) Load(context.Context, string) ([]models.Message, error) {
	return nil, errors.New("store unavailable")
}

func (failingStore) Save(context.Context, string, []models.Message) error {
	return errors.New("quota exceeded")
}

func (failingStore) Delete(context.Context, string) error {
	return errors.New("store unavailable")
}

func TestStoreFailuresAreContained(t *testing.T) {
	endpoint := bodyEndpoint(&chunkBody{chunks: []string{"0:\"Mild\"\n"}})
	s := newTestSession(t, failingStore{}, endpoint)

	require.NoError(t, s.SendMessage(context.Background(), "temperature in Nice"))

	state := s.State()
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "Mild", state.Messages[1].Content)
	assert.Empty(t, state.Error)

	s.ClearChat(context.Background())
	assert.Empty(t, s.State().Messages)
}
