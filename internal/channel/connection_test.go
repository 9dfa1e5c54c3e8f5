package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/commlink/internal/history"
	"github.com/lalith-99/commlink/internal/models"
	"github.com/lalith-99/commlink/internal/ratelimit"
	"github.com/lalith-99/commlink/internal/transport"
)

type fakeSession struct {
	events chan transport.Event
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	backlog    []models.MessageRecord // newest first, like the wire
	backlogErr error
	sendFn     func(models.Draft) (models.MessageRecord, error)
	err        error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		events: make(chan transport.Event, 16),
		done:   make(chan struct{}),
	}
}

func (s *fakeSession) Events() <-chan transport.Event { return s.events }
func (s *fakeSession) Done() <-chan struct{}          { return s.done }

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSession) Close() error {
	s.terminate(nil)
	return nil
}

func (s *fakeSession) terminate(cause error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()
		close(s.done)
		close(s.events)
	})
}

// drop simulates the server side going away.
func (s *fakeSession) drop() {
	s.terminate(errors.New("connection reset"))
}

func (s *fakeSession) deliver(rec models.MessageRecord) {
	s.events <- transport.Event{ChannelID: rec.ChannelID, Record: rec}
}

func (s *fakeSession) Send(ctx context.Context, draft models.Draft) (models.MessageRecord, error) {
	s.mu.Lock()
	fn := s.sendFn
	s.mu.Unlock()
	if fn == nil {
		return models.MessageRecord{}, errors.New("send not scripted")
	}
	return fn(draft)
}

func (s *fakeSession) Backlog(ctx context.Context, limit int) ([]models.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backlogErr != nil {
		return nil, s.backlogErr
	}
	out := make([]models.MessageRecord, len(s.backlog))
	copy(out, s.backlog)
	return out, nil
}

// fakeDialer replays scripted dial outcomes; the last one repeats.
type fakeDialer struct {
	mu       sync.Mutex
	outcomes []func() (transport.Session, error)
	calls    int
}

func (d *fakeDialer) Dial(ctx context.Context, ch models.Channel, identity models.Identity) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	if i >= len(d.outcomes) {
		i = len(d.outcomes) - 1
	}
	d.calls++
	return d.outcomes[i]()
}

func dialOK(s *fakeSession) func() (transport.Session, error) {
	return func() (transport.Session, error) { return s, nil }
}

func dialErr(err error) func() (transport.Session, error) {
	return func() (transport.Session, error) { return nil, err }
}

func testChannel() models.Channel {
	return models.Channel{
		ID:        uuid.New(),
		Kind:      models.KindGroup,
		MemberIDs: []uuid.UUID{uuid.New()},
	}
}

func testIdentity() models.Identity {
	return models.Identity{
		UserID:      uuid.New(),
		DisplayName: "Unit 12",
		Badge:       "D-12",
		Token:       "token",
	}
}

func newTestConnection(t *testing.T, ch models.Channel, dialer transport.Dialer, limiter *ratelimit.Limiter) *Connection {
	t.Helper()
	conn := New(Config{
		Channel:        ch,
		Identity:       testIdentity(),
		Dialer:         dialer,
		Limiter:        limiter,
		Syncer:         history.NewSyncer(100, zap.NewNop()),
		Logger:         zap.NewNop(),
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	})
	t.Cleanup(conn.Close)
	return conn
}

// stateRecorder collects transitions for assertions.
type stateRecorder struct {
	mu     sync.Mutex
	states []models.ConnectionState
}

func (r *stateRecorder) record(s models.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) seen() []models.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ConnectionState, len(r.states))
	copy(out, r.states)
	return out
}

func waitForState(t *testing.T, conn *Connection, want models.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return conn.State() == want
	}, 2*time.Second, time.Millisecond)
}

func rec(id string, ch uuid.UUID, at time.Time, body string) models.MessageRecord {
	return models.MessageRecord{
		ID:        id,
		ChannelID: ch,
		Body:      body,
		CreatedAt: at,
	}
}

func TestConnectReachesConnected(t *testing.T) {
	ch := testChannel()
	session := newFakeSession()
	dialer := &fakeDialer{outcomes: []func() (transport.Session, error){dialOK(session)}}

	conn := newTestConnection(t, ch, dialer, nil)
	recorder := &stateRecorder{}
	conn.OnStateChange(recorder.record)

	require.NoError(t, conn.Connect())
	waitForState(t, conn, models.StateConnected)

	assert.Equal(t,
		[]models.ConnectionState{models.StateConnecting, models.StateConnected},
		recorder.seen(),
	)
}

func TestConnectRetriesAfterFailure(t *testing.T) {
	ch := testChannel()
	session := newFakeSession()
	dialer := &fakeDialer{outcomes: []func() (transport.Session, error){
		dialErr(errors.New("gateway down")),
		dialOK(session),
	}}

	conn := newTestConnection(t, ch, dialer, nil)
	recorder := &stateRecorder{}
	conn.OnStateChange(recorder.record)

	require.NoError(t, conn.Connect())
	waitForState(t, conn, models.StateConnected)

	assert.Equal(t,
		[]models.ConnectionState{
			models.StateConnecting,
			models.StateReconnecting,
			models.StateConnecting,
			models.StateConnected,
		},
		recorder.seen(),
	)
}

func TestLiveEventsAppendToLog(t *testing.T) {
	ch := testChannel()
	session := newFakeSession()
	dialer := &fakeDialer{outcomes: []func() (transport.Session, error){dialOK(session)}}

	conn := newTestConnection(t, ch, dialer, nil)
	require.NoError(t, conn.Connect())
	waitForState(t, conn, models.StateConnected)

	session.deliver(rec("m1", ch.ID, time.Unix(1000, 0), "status check"))

	require.Eventually(t, func() bool { return conn.Log().Len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "m1", conn.Snapshot()[0].ID)
}

func TestForeignChannelEventDropped(t *testing.T) {
	ch := testChannel()
	session := newFakeSession()
	dialer := &fakeDialer{outcomes: []func() (transport.Session, error){dialOK(session)}}

	conn := newTestConnection(t, ch, dialer, nil)
	require.NoError(t, conn.Connect())
	waitForState(t, conn, models.StateConnected)

	session.deliver(rec("m1", uuid.New(), time.Unix(1000, 0), "wrong channel"))
	session.deliver(rec("m2", ch.ID, time.Unix(1001, 0), "right channel"))

	require.Eventually(t, func() bool { return conn.Log().Len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "m2", conn.Snapshot()[0].ID)
}

// Forcing Connected → Reconnecting → Connecting → Connected with a
// history fetch that includes the already-seen message must converge
// without duplicates.
func TestReconnectConvergence(t *testing.T) {
	ch := testChannel()
	m1 := rec("m1", ch.ID, time.Unix(1000, 0), "first")
	m2 := rec("m2", ch.ID, time.Unix(1001, 0), "second")

	session1 := newFakeSession()
	session2 := newFakeSession()
	session2.backlog = []models.MessageRecord{m2, m1} // newest first

	dialer := &fakeDialer{outcomes: []func() (transport.Session, error){
		dialOK(session1),
		dialOK(session2),
	}}

	conn := newTestConnection(t, ch, dialer, nil)
	recorder := &stateRecorder{}
	conn.OnStateChange(recorder.record)
	require.NoError(t, conn.Connect())
	waitForState(t, conn, models.StateConnected)

	session1.deliver(m1)
	require.Eventually(t, func() bool { return conn.Log().Len() == 1 }, time.Second, time.Millisecond)

	session1.drop()
	require.Eventually(t, func() bool { return conn.Log().Len() == 2 }, 2*time.Second, time.Millisecond)

	snap := conn.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "m1", snap[0].ID)
	assert.Equal(t, "m2", snap[1].ID)
	assert.Equal(t,
		[]models.ConnectionState{
			models.StateConnecting,
			models.StateConnected,
			models.StateReconnecting,
			models.StateConnecting,
			models.StateConnected,
		},
		recorder.seen(),
	)
}

func TestSendAppendsConfirmedRecord(t *testing.T) {
	ch := testChannel()
	session := newFakeSession()
	confirmed := rec("srv-1", ch.ID, time.Unix(1000, 0), "10-4")
	session.sendFn = func(draft models.Draft) (models.MessageRecord, error) {
		return confirmed, nil
	}
	dialer := &fakeDialer{outcomes: []func() (transport.Session, error){dialOK(session)}}

	conn := newTestConnection(t, ch, dialer, ratelimit.New(time.Hour))
	require.NoError(t, conn.Connect())
	waitForState(t, conn, models.StateConnected)

	got, err := conn.Send(context.Background(), models.Draft{Body: "10-4"})
	require.NoError(t, err)
	assert.Equal(t, confirmed, got)

	// The live echo of our own message is deduplicated.
	session.deliver(confirmed)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, conn.Log().Len())
}

func TestSendRateLimited(t *testing.T) {
	ch := testChannel()
	session := newFakeSession()
	session.sendFn = func(draft models.Draft) (models.MessageRecord, error) {
		return rec(uuid.NewString(), ch.ID, time.Now(), draft.Body), nil
	}
	dialer := &fakeDialer{outcomes: []func() (transport.Session, error){dialOK(session)}}

	conn := newTestConnection(t, ch, dialer, ratelimit.New(time.Hour))
	require.NoError(t, conn.Connect())
	waitForState(t, conn, models.StateConnected)

	_, err := conn.Send(context.Background(), models.Draft{Body: "first"})
	require.NoError(t, err)

	_, err = conn.Send(context.Background(), models.Draft{Body: "second"})
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))
	assert.Equal(t, 1, conn.Log().Len())
}

func TestSendRejectedSurfacesToCaller(t *testing.T) {
	ch := testChannel()
	session := newFakeSession()
	session.sendFn = func(draft models.Draft) (models.MessageRecord, error) {
		return models.MessageRecord{}, &transport.SendRejectedError{
			Code: transport.CodeInvalid, Reason: "empty message body",
		}
	}
	dialer := &fakeDialer{outcomes: []func() (transport.Session, error){dialOK(session)}}

	conn := newTestConnection(t, ch, dialer, ratelimit.New(time.Hour))
	require.NoError(t, conn.Connect())
	waitForState(t, conn, models.StateConnected)

	_, err := conn.Send(context.Background(), models.Draft{})
	var rejected *transport.SendRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 0, conn.Log().Len())
}

func TestSendBeforeConnectFails(t *testing.T) {
	ch := testChannel()
	dialer := &fakeDialer{outcomes: []func() (transport.Session, error){dialOK(newFakeSession())}}
	conn := newTestConnection(t, ch, dialer, nil)

	_, err := conn.Send(context.Background(), models.Draft{Body: "hello"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHistoryUnavailableDegradesWithoutDisconnect(t *testing.T) {
	ch := testChannel()
	session := newFakeSession()
	session.backlogErr = transport.ErrHistoryUnavailable
	dialer := &fakeDialer{outcomes: []func() (transport.Session, error){dialOK(session)}}

	conn := newTestConnection(t, ch, dialer, nil)
	degraded := make(chan error, 1)
	conn.OnHistoryDegraded(func(err error) { degraded <- err })

	require.NoError(t, conn.Connect())
	waitForState(t, conn, models.StateConnected)

	select {
	case err := <-degraded:
		assert.ErrorIs(t, err, transport.ErrHistoryUnavailable)
	case <-time.After(time.Second):
		t.Fatal("history degradation never reported")
	}

	// Live traffic still flows.
	session.deliver(rec("m1", ch.ID, time.Unix(1000, 0), "still here"))
	require.Eventually(t, func() bool { return conn.Log().Len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, models.StateConnected, conn.State())
}

// teardownSession blocks in Close until released, holding the connection
// in the window between the session dying and the retry loop taking over.
type teardownSession struct {
	*fakeSession
	closeEntered chan struct{}
	closeRelease chan struct{}
	enteredOnce  sync.Once
}

func (s *teardownSession) Close() error {
	s.enteredOnce.Do(func() { close(s.closeEntered) })
	<-s.closeRelease
	return s.fakeSession.Close()
}

func TestSendDuringSessionTeardown(t *testing.T) {
	ch := testChannel()
	session1 := &teardownSession{
		fakeSession:  newFakeSession(),
		closeEntered: make(chan struct{}),
		closeRelease: make(chan struct{}),
	}
	session2 := newFakeSession()
	session2.sendFn = func(draft models.Draft) (models.MessageRecord, error) {
		return rec("srv-1", ch.ID, time.Now(), draft.Body), nil
	}
	dialer := &fakeDialer{outcomes: []func() (transport.Session, error){
		func() (transport.Session, error) { return session1, nil },
		dialOK(session2),
	}}

	conn := newTestConnection(t, ch, dialer, ratelimit.New(time.Hour))
	require.NoError(t, conn.Connect())
	waitForState(t, conn, models.StateConnected)

	session1.drop()
	select {
	case <-session1.closeEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("session teardown never started")
	}

	// The dead session has been released but the state is still
	// Connected. A send here must fail cleanly, not dereference a
	// session that is gone.
	_, err := conn.Send(context.Background(), models.Draft{Body: "10-4"})
	require.ErrorIs(t, err, ErrNotConnected)

	// Once the retry loop re-establishes the channel, the send goes
	// through: the failed attempt must not have burned the cooldown slot.
	close(session1.closeRelease)
	require.Eventually(t, func() bool {
		_, err := conn.Send(context.Background(), models.Draft{Body: "copy, en route"})
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseIsTerminal(t *testing.T) {
	ch := testChannel()
	session := newFakeSession()
	dialer := &fakeDialer{outcomes: []func() (transport.Session, error){dialOK(session)}}

	conn := newTestConnection(t, ch, dialer, nil)
	require.NoError(t, conn.Connect())
	waitForState(t, conn, models.StateConnected)

	conn.Close()
	waitForState(t, conn, models.StateClosed)

	assert.ErrorIs(t, conn.Connect(), ErrClosed)
	_, err := conn.Send(context.Background(), models.Draft{Body: "too late"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseWhileReconnectingGoesStraightToClosed(t *testing.T) {
	ch := testChannel()
	dialer := &fakeDialer{outcomes: []func() (transport.Session, error){
		dialErr(errors.New("gateway down")),
	}}

	conn := New(Config{
		Channel:        ch,
		Identity:       testIdentity(),
		Dialer:         dialer,
		Logger:         zap.NewNop(),
		InitialBackoff: time.Hour, // park the loop in Reconnecting
		MaxBackoff:     time.Hour,
	})
	require.NoError(t, conn.Connect())
	waitForState(t, conn, models.StateReconnecting)

	conn.Close()
	waitForState(t, conn, models.StateClosed)
}

// The end-to-end dispatch scenario: A sends "10-4" at t0, B reconnects
// 50ms later and history-fetches. B must hold exactly one "10-4" with
// CreatedAt t0, ahead of anything B appends afterward.
func TestDispatchScenario(t *testing.T) {
	ch := testChannel()
	t0 := time.Unix(1000, 0)
	tenFour := rec("srv-1", ch.ID, t0, "10-4")

	// B was connected, then its session drops; the reconnect backlog
	// already contains A's message, and so does the live echo.
	sessionB1 := newFakeSession()
	sessionB2 := newFakeSession()
	sessionB2.backlog = []models.MessageRecord{tenFour}
	sessionB2.sendFn = func(draft models.Draft) (models.MessageRecord, error) {
		return rec("srv-2", ch.ID, t0.Add(3*time.Second), draft.Body), nil
	}
	dialer := &fakeDialer{outcomes: []func() (transport.Session, error){
		dialOK(sessionB1),
		dialOK(sessionB2),
	}}

	conn := newTestConnection(t, ch, dialer, ratelimit.New(time.Millisecond))
	require.NoError(t, conn.Connect())
	waitForState(t, conn, models.StateConnected)

	sessionB1.drop()
	waitForState(t, conn, models.StateConnected)
	require.Eventually(t, func() bool { return conn.Log().Len() == 1 }, time.Second, time.Millisecond)

	// The live push races the history merge; dedup keeps one copy.
	sessionB2.deliver(tenFour)

	_, err := conn.Send(context.Background(), models.Draft{Body: "copy, en route"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return conn.Log().Len() == 2 }, time.Second, time.Millisecond)
	snap := conn.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "10-4", snap[0].Body)
	assert.True(t, snap[0].CreatedAt.Equal(t0))
	assert.Equal(t, "copy, en route", snap[1].Body)
}
