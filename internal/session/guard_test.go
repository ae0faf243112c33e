package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/universal-console/agentlink/internal/logging"
	"github.com/universal-console/agentlink/internal/protocol"
)

// fakeTransport blocks create, message and command calls until block is
// closed, when block is non-nil.
type fakeTransport struct {
	mu       sync.Mutex
	block    chan struct{}
	started  chan string
	sendErr  error
	panicMsg string
	messages []string
	deleted  []string
	aborted  []string
	sessions []protocol.Session
	created  int
	// emptyCreate makes CreateSession succeed with no session.
	emptyCreate bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{started: make(chan string, 16)}
}

func (f *fakeTransport) wait(ctx context.Context) error {
	if f.block == nil {
		return nil
	}
	select {
	case <-f.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) CreateSession(ctx context.Context, req protocol.CreateSessionRequest) (*protocol.Session, error) {
	f.started <- "create"
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	if f.emptyCreate {
		return nil, nil
	}
	return &protocol.Session{ID: "ses_new", Title: req.Title}, nil
}

func (f *fakeTransport) GetSession(ctx context.Context, id string) (*protocol.Session, error) {
	return &protocol.Session{ID: id, Title: "fetched"}, nil
}

func (f *fakeTransport) ListSessions(ctx context.Context) ([]protocol.Session, error) {
	return f.sessions, nil
}

func (f *fakeTransport) DeleteSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeTransport) AbortSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, id)
	return nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, id string, req protocol.MessageRequest) (*protocol.MessageResponse, error) {
	f.started <- id
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.messages = append(f.messages, id)
	f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &protocol.MessageResponse{Info: protocol.MessageInfo{ID: "msg_1", SessionID: id}}, nil
}

func (f *fakeTransport) SendCommand(ctx context.Context, id string, req protocol.CommandRequest) (*protocol.MessageResponse, error) {
	f.started <- id
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return &protocol.MessageResponse{Info: protocol.MessageInfo{ID: "cmd_1", SessionID: id}}, nil
}

func newTestGuard(tr Transport, opts ...Option) *Guard {
	return NewGuard(tr, append([]Option{WithLogger(logging.NewNop())}, opts...)...)
}

func msg(text string) protocol.MessageRequest {
	return protocol.MessageRequest{Parts: []protocol.Part{protocol.TextPart(text)}}
}

// syncBuffer is a log sink that background goroutines can write to.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSendMessageCompletesBeforeDeadline(t *testing.T) {
	tr := newFakeTransport()
	g := newTestGuard(tr)
	_, err := g.GetSession(context.Background(), "S")
	require.NoError(t, err)

	res, err := g.SendMessage(context.Background(), "S", msg("hi"))
	require.NoError(t, err)
	assert.False(t, res.Pending)
	assert.Equal(t, "msg_1", res.Response.Info.ID)

	_, busy := g.InFlight()
	assert.False(t, busy)
	assert.Equal(t, "S", g.Sessions().Current())
}

func TestUncachedSessionDoesNotBecomeCurrent(t *testing.T) {
	tr := newFakeTransport()
	g := newTestGuard(tr)
	_, err := g.GetSession(context.Background(), "S")
	require.NoError(t, err)
	require.NoError(t, g.Select("S"))

	_, err = g.SendMessage(context.Background(), "ghost", msg("hi"))
	require.NoError(t, err)
	assert.Equal(t, "S", g.Sessions().Current())

	_, err = g.SendCommand(context.Background(), "ghost", protocol.CommandRequest{Command: "init"})
	require.NoError(t, err)
	assert.Equal(t, "S", g.Sessions().Current())
	assert.False(t, g.Sessions().Has("ghost"))
}

func TestFailureAfterSoftDeadlineIsOnlyLogged(t *testing.T) {
	var logs syncBuffer
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	tr.sendErr = errors.New("upstream timeout")
	logger, err := logging.NewLogger(logging.Config{Level: logging.DebugLevel, Writer: &logs})
	require.NoError(t, err)
	g := NewGuard(tr, WithLogger(logger), WithSoftDeadline(20*time.Millisecond))

	res, err := g.SendMessage(context.Background(), "S", msg("slow"))
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Nil(t, res.Response)
	_, busy := g.InFlight()
	assert.True(t, busy)

	close(tr.block)
	require.Eventually(t, func() bool {
		_, busy := g.InFlight()
		return !busy && strings.Contains(logs.String(), "background message failed")
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, logs.String(), "upstream timeout")
	assert.Contains(t, logs.String(), "ctx_session_id=S")
}

func TestCreateSessionWithoutBodyIsProtocolError(t *testing.T) {
	tr := newFakeTransport()
	tr.emptyCreate = true
	g := newTestGuard(tr)

	s, err := g.CreateSession(context.Background(), protocol.CreateSessionRequest{})
	assert.Nil(t, s)
	var pe *protocol.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, protocol.ErrorTypeProtocol, pe.Type)
	assert.Equal(t, "server returned no session", pe.Message)

	_, busy := g.InFlight()
	assert.False(t, busy)
	assert.Equal(t, 0, g.Sessions().Len())
	assert.Equal(t, "", g.Sessions().Current())
}

func TestSendMessageErrorBeforeDeadlineIsReturned(t *testing.T) {
	tr := newFakeTransport()
	tr.sendErr = errors.New("bad request")
	g := newTestGuard(tr)

	_, err := g.SendMessage(context.Background(), "S", msg("hi"))
	assert.EqualError(t, err, "bad request")
	_, busy := g.InFlight()
	assert.False(t, busy)
}

func TestSameSessionIsRejectedWhileInFlight(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	g := newTestGuard(tr, WithSoftDeadline(20*time.Millisecond))

	res, err := g.SendMessage(context.Background(), "S", msg("first"))
	require.NoError(t, err)
	assert.True(t, res.Pending)

	_, err = g.SendMessage(context.Background(), "S", msg("second"))
	require.ErrorIs(t, err, ErrSessionBusy)
	var be *BusyError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "S", be.Active)

	_, err = g.SendMessage(context.Background(), "T", msg("other"))
	require.ErrorIs(t, err, ErrOperationInProgress)

	_, err = g.SendCommand(context.Background(), "T", protocol.CommandRequest{Command: "init"})
	require.ErrorIs(t, err, ErrOperationInProgress)

	_, err = g.CreateSession(context.Background(), protocol.CreateSessionRequest{})
	require.ErrorIs(t, err, ErrOperationInProgress)

	close(tr.block)
	require.Eventually(t, func() bool {
		_, busy := g.InFlight()
		return !busy
	}, time.Second, 5*time.Millisecond)

	res, err = g.SendMessage(context.Background(), "T", msg("now"))
	require.NoError(t, err)
	assert.False(t, res.Pending)
}

func TestConcurrentSubmissionsAdmitExactlyOne(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	g := newTestGuard(tr, WithSoftDeadline(time.Hour))

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.SendCommand(context.Background(), "S", protocol.CommandRequest{Command: "x"})
			errs <- err
		}()
	}

	<-tr.started
	for i := 0; i < n-1; i++ {
		assert.ErrorIs(t, <-errs, ErrSessionBusy)
	}
	close(tr.block)
	wg.Wait()
	assert.NoError(t, <-errs)
}

func TestSessionIdleClearsMarker(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	defer close(tr.block)
	g := newTestGuard(tr, WithSoftDeadline(10*time.Millisecond))

	res, err := g.SendMessage(context.Background(), "S", msg("hi"))
	require.NoError(t, err)
	require.True(t, res.Pending)

	g.SessionIdle("T")
	id, busy := g.InFlight()
	assert.True(t, busy)
	assert.Equal(t, "S", id)

	g.SessionIdle("S")
	_, busy = g.InFlight()
	assert.False(t, busy)
}

func TestReleaseIsScopedToOperation(t *testing.T) {
	g := newTestGuard(newFakeTransport())

	first, err := g.acquire("S")
	require.NoError(t, err)
	g.SessionIdle("S")

	second, err := g.acquire("S")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	g.release(first)
	id, busy := g.InFlight()
	assert.True(t, busy)
	assert.Equal(t, "S", id)

	g.release(second)
	_, busy = g.InFlight()
	assert.False(t, busy)
}

func TestSessionEndedRemovesFromRegistry(t *testing.T) {
	tr := newFakeTransport()
	g := newTestGuard(tr)

	s, err := g.CreateSession(context.Background(), protocol.CreateSessionRequest{Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, "ses_new", g.Sessions().Current())
	assert.True(t, g.Sessions().Has(s.ID))

	_, err = g.GetSession(context.Background(), "ses_other")
	require.NoError(t, err)
	require.Equal(t, 2, g.Sessions().Len())

	_, err = g.acquire("ses_new")
	require.NoError(t, err)

	g.SessionEnded("ses_new")
	assert.False(t, g.Sessions().Has("ses_new"))
	assert.Equal(t, "", g.Sessions().Current())
	_, busy := g.InFlight()
	assert.False(t, busy)
	assert.True(t, g.Sessions().Has("ses_other"))
}

func TestCreateSessionTwiceIsBusy(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	g := newTestGuard(tr)

	done := make(chan error, 1)
	go func() {
		_, err := g.CreateSession(context.Background(), protocol.CreateSessionRequest{})
		done <- err
	}()
	<-tr.started

	_, err := g.CreateSession(context.Background(), protocol.CreateSessionRequest{})
	require.ErrorIs(t, err, ErrSessionBusy)
	assert.Equal(t, "session creation already in progress", err.Error())

	_, err = g.SendMessage(context.Background(), "S", msg("x"))
	require.ErrorIs(t, err, ErrOperationInProgress)
	assert.Contains(t, err.Error(), "(new session)")

	close(tr.block)
	require.NoError(t, <-done)
}

func TestCallerCancelDoesNotCancelMessage(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	g := newTestGuard(tr, WithSoftDeadline(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := g.SendMessage(ctx, "S", msg("x"))
		errc <- err
	}()
	<-tr.started
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	_, busy := g.InFlight()
	assert.True(t, busy)

	close(tr.block)
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.messages) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTransportPanicReleasesMarker(t *testing.T) {
	tr := newFakeTransport()
	tr.panicMsg = "transport bug"
	g := newTestGuard(tr)

	_, err := g.SendMessage(context.Background(), "S", msg("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport bug")
	_, busy := g.InFlight()
	assert.False(t, busy)
}

func TestDeleteAbortAndSelect(t *testing.T) {
	tr := newFakeTransport()
	tr.sessions = []protocol.Session{
		{ID: "a", Time: protocol.SessionTime{Created: 1}},
		{ID: "b", Time: protocol.SessionTime{Created: 2}},
		{ID: "c", Time: protocol.SessionTime{Created: 3}},
	}
	g := newTestGuard(tr)

	_, err := g.ListSessions(context.Background())
	require.NoError(t, err)
	ids := []string{}
	for _, s := range g.Sessions().List() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)

	require.NoError(t, g.Select("b"))
	require.ErrorIs(t, g.Select("zzz"), ErrUnknownSession)

	require.NoError(t, g.AbortSession(context.Background(), "b"))
	assert.Equal(t, "", g.Sessions().Current())
	require.NoError(t, g.DeleteSession(context.Background(), "a"))
	assert.Equal(t, 1, g.Sessions().Len())
	assert.Equal(t, []string{"b"}, tr.aborted)
	assert.Equal(t, []string{"a"}, tr.deleted)
}
