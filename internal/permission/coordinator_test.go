package permission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/universal-console/agentlink/internal/dispatch"
	"github.com/universal-console/agentlink/internal/events"
	"github.com/universal-console/agentlink/internal/logging"
)

type call struct {
	sessionID, requestID string
	approved             bool
	reason               string
}

type fakeResponder struct {
	mu    sync.Mutex
	fails int
	calls []call
}

func (f *fakeResponder) RespondPermission(ctx context.Context, sessionID, requestID string, approved bool, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{sessionID, requestID, approved, reason})
	if f.fails > 0 {
		f.fails--
		return errors.New("server busy")
	}
	return nil
}

func (f *fakeResponder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestCoordinator(r Responder, opts ...Option) (*Coordinator, *sleepRecorder) {
	rec := &sleepRecorder{}
	c := NewCoordinator(r, append([]Option{WithLogger(logging.NewNop()), WithSleep(rec.sleep)}, opts...)...)
	return c, rec
}

func request(id string) events.PermissionRequest {
	return events.PermissionRequest{SessionID: "s1", RequestID: id, Operation: "write", ResourcePath: "a.md"}
}

func TestRequestsStayPendingWithoutDecider(t *testing.T) {
	r := &fakeResponder{}
	c, _ := newTestCoordinator(r)
	defer c.Close()

	c.Handle(request("r2"))
	c.Handle(request("r1"))
	c.Handle(request("r2"))

	pending := c.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "r2", pending[0].RequestID)
	assert.Equal(t, "r1", pending[1].RequestID)
	assert.Zero(t, r.callCount())
}

func TestRespondSucceedsFirstTry(t *testing.T) {
	r := &fakeResponder{}
	c, rec := newTestCoordinator(r)
	defer c.Close()

	c.Handle(request("r1"))
	require.NoError(t, c.Respond(context.Background(), "s1", "r1", true, ""))
	assert.Empty(t, c.Pending())
	assert.Equal(t, []call{{"s1", "r1", true, ""}}, r.calls)
	assert.Empty(t, rec.delays)
}

func TestRespondRetriesOnce(t *testing.T) {
	r := &fakeResponder{fails: 1}
	c, rec := newTestCoordinator(r)
	defer c.Close()

	require.NoError(t, c.Respond(context.Background(), "s1", "r1", false, "no"))
	assert.Equal(t, 2, r.callCount())
	assert.Equal(t, []time.Duration{DefaultRetryDelay}, rec.delays)
}

func TestRespondFailsAfterTwoAttempts(t *testing.T) {
	r := &fakeResponder{fails: 5}
	c, _ := newTestCoordinator(r)
	defer c.Close()

	c.Handle(request("r1"))
	err := c.Respond(context.Background(), "s1", "r1", true, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server busy")
	assert.Equal(t, 2, r.callCount())
	assert.Len(t, c.Pending(), 1)
}

func TestDeciderAnswersThroughDispatcher(t *testing.T) {
	r := &fakeResponder{}
	decider := DeciderFunc(func(ctx context.Context, req events.PermissionRequest) (Decision, error) {
		return Decision{Approved: req.Operation == "read", Reason: "policy"}, nil
	})
	c, _ := newTestCoordinator(r, WithDecider(decider))

	d := dispatch.New(logging.NewNop())
	unsub := c.Attach(d)
	defer unsub()

	d.Dispatch(request("r1"))
	require.Eventually(t, func() bool { return r.callCount() == 1 }, time.Second, 5*time.Millisecond)
	c.Close()

	assert.Equal(t, []call{{"s1", "r1", false, "policy"}}, r.calls)
	assert.Empty(t, c.Pending())
}

func TestCloseCancelsDecider(t *testing.T) {
	r := &fakeResponder{}
	started := make(chan struct{})
	decider := DeciderFunc(func(ctx context.Context, req events.PermissionRequest) (Decision, error) {
		close(started)
		<-ctx.Done()
		return Decision{}, ctx.Err()
	})
	c, _ := newTestCoordinator(r, WithDecider(decider))

	c.Handle(request("r1"))
	<-started
	c.Close()
	assert.Zero(t, r.callCount())
	assert.Len(t, c.Pending(), 1)
}

func TestForgetDropsSessionRequests(t *testing.T) {
	c, _ := newTestCoordinator(&fakeResponder{})
	defer c.Close()

	c.Handle(request("r1"))
	other := request("r2")
	other.SessionID = "s2"
	c.Handle(other)

	c.Forget("s1")
	pending := c.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "s2", pending[0].SessionID)
}
