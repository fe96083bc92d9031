package distribution

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTokens = map[string]Identity{
	"token-a": {Subject: "alice", Scopes: []string{"telemetry"}},
	"token-b": {Subject: "bob", Scopes: []string{"telemetry", "control"}},
	"token-c": {Subject: "carol", Scopes: []string{"telemetry"}},
}

func tokenAuthenticator() Authenticator {
	return AuthenticatorFunc(func(_ context.Context, token string) (Identity, error) {
		id, ok := testTokens[token]
		if !ok {
			return Identity{}, ErrUnauthorized
		}
		return id, nil
	})
}

func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	opts.Address = "127.0.0.1:0"
	if opts.Authenticator == nil {
		opts.Authenticator = tokenAuthenticator()
	}
	s := NewServer(opts)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, s *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) send(t *testing.T, line string) {
	t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (c *testClient) readLine(t *testing.T) (string, error) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.reader.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

func (c *testClient) expectLine(t *testing.T) string {
	t.Helper()
	line, err := c.readLine(t)
	require.NoError(t, err)
	return line
}

// authenticate performs the handshake and returns the assigned subscriber id.
func (c *testClient) authenticate(t *testing.T, token string) string {
	t.Helper()
	c.send(t, "AUTH "+token)
	line := c.expectLine(t)
	require.True(t, strings.HasPrefix(line, "OK "), "got %q", line)
	return strings.TrimPrefix(line, "OK ")
}

func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()
	for {
		_, err := c.readLine(t)
		if err != nil {
			var netErr net.Error
			require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "connection was not closed")
			return
		}
	}
}

func TestAuthenticationHandshake(t *testing.T) {
	s := startServer(t, Options{})

	var mu sync.Mutex
	var outcomes []error
	s.SetAuthHandler(func(_ string, _ Identity, err error) {
		mu.Lock()
		outcomes = append(outcomes, err)
		mu.Unlock()
	})

	c := dial(t, s)
	id := c.authenticate(t, "token-a")
	assert.Contains(t, id, "#")

	require.Eventually(t, func() bool { return s.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{id}, s.GetConnectedClients())

	bad := dial(t, s)
	bad.send(t, "AUTH nope")
	assert.Equal(t, "ERR unauthorized", bad.expectLine(t))
	bad.expectClosed(t)

	assert.Equal(t, 1, s.GetClientCount())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outcomes) == 2
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.NoError(t, outcomes[0])
	assert.True(t, errors.Is(outcomes[1], ErrUnauthorized))
	mu.Unlock()
}

func TestFirstLineMustBeAuth(t *testing.T) {
	s := startServer(t, Options{})

	c := dial(t, s)
	c.send(t, "HELLO")
	assert.Equal(t, "ERR expected AUTH <token>", c.expectLine(t))
	c.expectClosed(t)
	assert.Equal(t, 0, s.GetClientCount())
}

func TestAuthGraceExpires(t *testing.T) {
	s := startServer(t, Options{AuthGrace: 100 * time.Millisecond})

	var received atomic.Int32
	s.SetDataHandler(func(Message) { received.Add(1) })

	c := dial(t, s)
	assert.Equal(t, "ERR authentication timeout", c.expectLine(t))
	c.expectClosed(t)
	assert.Zero(t, received.Load())
	require.Eventually(t, func() bool { return len(s.Subscribers()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestBroadcastReachesActiveSubscribersOnly(t *testing.T) {
	s := startServer(t, Options{})

	a := dial(t, s)
	a.authenticate(t, "token-a")
	b := dial(t, s)
	b.authenticate(t, "token-b")
	pending := dial(t, s)
	require.Eventually(t, func() bool { return s.GetClientCount() == 2 }, time.Second, 10*time.Millisecond)

	n := s.BroadcastData([]byte("BEGIN REPORT\ncycle=1\nEND REPORT\n"))
	assert.Equal(t, 2, n)

	for _, c := range []*testClient{a, b} {
		assert.Equal(t, "BEGIN REPORT", c.expectLine(t))
		assert.Equal(t, "cycle=1", c.expectLine(t))
		assert.Equal(t, "END REPORT", c.expectLine(t))
	}

	// the unauthenticated connection receives nothing
	require.NoError(t, pending.conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err := pending.reader.ReadString('\n')
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout())
}

type flakyTransport struct {
	SubscriberTransport
	failing atomic.Bool
}

func (f *flakyTransport) WriteMessage(data []byte, deadline time.Time) error {
	if f.failing.Load() {
		return errors.New("broken pipe")
	}
	return f.SubscriberTransport.WriteMessage(data, deadline)
}

func TestFailedDeliveryRemovesSubscriber(t *testing.T) {
	var mu sync.Mutex
	var transports []*flakyTransport
	s := startServer(t, Options{
		NewTransport: func(conn net.Conn) SubscriberTransport {
			ft := &flakyTransport{SubscriberTransport: NewTCPTransport(conn, MaxLineLength)}
			mu.Lock()
			transports = append(transports, ft)
			mu.Unlock()
			return ft
		},
	})

	a := dial(t, s)
	a.authenticate(t, "token-a")
	b := dial(t, s)
	bID := b.authenticate(t, "token-b")
	require.Eventually(t, func() bool { return s.GetClientCount() == 2 }, time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Len(t, transports, 2)
	transports[1].failing.Store(true)
	mu.Unlock()

	assert.Equal(t, 1, s.BroadcastData([]byte("payload")))
	assert.Equal(t, 1, s.GetClientCount())
	assert.NotContains(t, s.GetConnectedClients(), bID)
	assert.Equal(t, "payload", a.expectLine(t))

	err := s.SendToClient(bID, []byte("x"))
	assert.True(t, errors.Is(err, ErrUnknownClient))
}

func TestSendToClient(t *testing.T) {
	s := startServer(t, Options{})

	a := dial(t, s)
	id := a.authenticate(t, "token-a")
	require.Eventually(t, func() bool { return s.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, s.SendToClient(id, []byte("direct")))
	assert.Equal(t, "direct", a.expectLine(t))

	assert.True(t, errors.Is(s.SendToClient("nobody#1", []byte("x")), ErrUnknownClient))
}

func TestCapacityRejectsBeyondMaxClients(t *testing.T) {
	s := startServer(t, Options{MaxClients: 2})

	msgs := make(chan Message, 8)
	s.SetDataHandler(func(msg Message) { msgs <- msg })

	a := dial(t, s)
	aID := a.authenticate(t, "token-a")
	b := dial(t, s)
	b.authenticate(t, "token-b")

	third := dial(t, s)
	third.expectClosed(t)

	require.Eventually(t, func() bool { return s.GetClientCount() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), s.Rejected())
	assert.Len(t, s.Subscribers(), 2)

	a.send(t, "hello")
	select {
	case msg := <-msgs:
		assert.Equal(t, aID, msg.ClientID)
	case <-time.After(2 * time.Second):
		t.Fatal("data handler not invoked")
	}
	assert.Empty(t, msgs, "the rejected connection never reaches the handler")
}

func TestInboundDataAndPing(t *testing.T) {
	s := startServer(t, Options{})

	msgs := make(chan Message, 4)
	s.SetDataHandler(func(msg Message) { msgs <- msg })

	c := dial(t, s)
	id := c.authenticate(t, "token-b")

	c.send(t, "PING")
	assert.Equal(t, "PONG", c.expectLine(t))

	c.send(t, "STATUS")
	select {
	case msg := <-msgs:
		assert.Equal(t, id, msg.ClientID)
		assert.Equal(t, "STATUS", string(msg.Data))
		assert.Equal(t, "bob", msg.Identity.Subject)
		assert.True(t, msg.Identity.HasScope("control"))
	case <-time.After(2 * time.Second):
		t.Fatal("data handler not invoked")
	}
	assert.Empty(t, msgs, "PING is not application data")
}

func TestInboundRateLimit(t *testing.T) {
	s := startServer(t, Options{InboundRate: 1, InboundBurst: 1})

	var received atomic.Int32
	s.SetDataHandler(func(Message) { received.Add(1) })

	c := dial(t, s)
	c.authenticate(t, "token-a")
	for i := 0; i < 3; i++ {
		c.send(t, "data")
	}

	require.Eventually(t, func() bool { return received.Load() >= 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), received.Load())
}

func TestOversizedLineClosesSubscriber(t *testing.T) {
	s := startServer(t, Options{})

	errs := make(chan error, 1)
	s.SetErrorHandler(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	c := dial(t, s)
	c.authenticate(t, "token-a")
	c.send(t, strings.Repeat("x", MaxLineLength+10))
	c.expectClosed(t)

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, ErrLineTooLong))
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not invoked")
	}
	assert.Equal(t, 0, s.GetClientCount())
}

func TestHeartbeatEvictsIdleSubscribers(t *testing.T) {
	s := startServer(t, Options{
		HeartbeatInterval: 50 * time.Millisecond,
		ClientTimeout:     200 * time.Millisecond,
	})

	idle := dial(t, s)
	idle.authenticate(t, "token-a")

	line := idle.expectLine(t)
	assert.True(t, strings.HasPrefix(line, "HEARTBEAT "), "got %q", line)
	_, err := time.Parse(time.RFC3339, strings.TrimPrefix(line, "HEARTBEAT "))
	assert.NoError(t, err)

	idle.expectClosed(t)
	assert.Equal(t, 0, s.GetClientCount())
}

func TestLifecycle(t *testing.T) {
	s := NewServer(Options{Address: "127.0.0.1:0", Authenticator: tokenAuthenticator(), HeartbeatInterval: time.Second, ClientTimeout: time.Second})
	assert.True(t, errors.Is(s.Start(context.Background()), ErrInvalidOptions), "timeout must exceed interval")

	s = NewServer(Options{Address: "127.0.0.1:0"})
	assert.True(t, errors.Is(s.Start(context.Background()), ErrInvalidOptions), "authenticator required")

	s = NewServer(Options{Address: "127.0.0.1:0", Authenticator: tokenAuthenticator()})
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.True(t, errors.Is(s.Start(context.Background()), ErrServerRunning))

	c := dial(t, s)
	c.authenticate(t, "token-a")
	require.Eventually(t, func() bool { return s.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
	assert.Equal(t, 0, s.GetClientCount())
	assert.Equal(t, "", s.Addr())
	c.expectClosed(t)

	// restartable
	require.NoError(t, s.Start(context.Background()))
	c2 := dial(t, s)
	c2.authenticate(t, "token-a")
	s.Stop()
}

func TestRestartAfterStopTimeout(t *testing.T) {
	const stopTimeout = time.Second
	s := NewServer(Options{Address: "127.0.0.1:0", Authenticator: tokenAuthenticator(), StopTimeout: stopTimeout})

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	s.SetDataHandler(func(Message) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})

	require.NoError(t, s.Start(context.Background()))
	c := dial(t, s)
	c.authenticate(t, "token-a")
	c.send(t, "hello")
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("data handler not invoked")
	}

	// the dispatcher is stuck in the handler, so Stop gives up after the timeout
	began := time.Now()
	s.Stop()
	assert.GreaterOrEqual(t, time.Since(began), stopTimeout)
	assert.False(t, s.IsRunning())

	// the stuck goroutine belongs to the previous run and does not hold up this one
	require.NoError(t, s.Start(context.Background()))
	c2 := dial(t, s)
	c2.authenticate(t, "token-b")
	require.Eventually(t, func() bool { return s.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

	began = time.Now()
	s.Stop()
	assert.Less(t, time.Since(began), stopTimeout)
	c2.expectClosed(t)
}
