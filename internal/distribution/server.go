package distribution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// SubscriberState is the lifecycle state of one subscriber connection.
type SubscriberState int

const (
	Connecting SubscriberState = iota
	Authenticating
	Active
	IdleTimeout
	Closed
)

func (s SubscriberState) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Authenticating:
		return "Authenticating"
	case Active:
		return "Active"
	case IdleTimeout:
		return "IdleTimeout"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state by name.
func (s SubscriberState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Message is one line of application data received from an active subscriber.
type Message struct {
	ClientID   string
	Identity   Identity
	Data       []byte
	ReceivedAt time.Time
}

// SubscriberInfo is a point-in-time view of one roster entry.
type SubscriberInfo struct {
	ID           string          `json:"id"`
	Subject      string          `json:"subject,omitempty"`
	State        SubscriberState `json:"state"`
	ConnectedAt  time.Time       `json:"connectedAt"`
	LastActivity time.Time       `json:"lastActivity"`
}

// Metrics receives roster and delivery counts. All methods must be safe for
// concurrent use.
type Metrics interface {
	SetSubscribers(n int)
	IncSubscriberRejected(reason string)
	AddDeliveries(n int)
}

// Rejection reasons passed to Metrics.IncSubscriberRejected.
const (
	RejectCapacity = "capacity"
	RejectAuth     = "auth"
	RejectProtocol = "protocol"
	RejectTimeout  = "timeout"
)

// Options configures a Server.
type Options struct {
	Address           string
	MaxClients        int
	HeartbeatInterval time.Duration
	// ClientTimeout evicts active subscribers idle for longer; must exceed HeartbeatInterval.
	ClientTimeout time.Duration
	AuthGrace     time.Duration
	WriteTimeout  time.Duration
	// InboundQueue bounds messages waiting for the data handler. A full queue
	// blocks the producing subscriber's reader.
	InboundQueue int
	// ErrorQueue bounds errors waiting for the error handler. A full queue drops errors.
	ErrorQueue int
	// InboundRate limits application messages per subscriber per second; zero is unlimited.
	InboundRate  float64
	InboundBurst int
	// BroadcastConcurrency bounds parallel writes during a broadcast.
	BroadcastConcurrency int
	// StopTimeout bounds how long Stop waits for the server's goroutines.
	StopTimeout time.Duration

	Authenticator Authenticator
	// Listen opens the listening socket; defaults to net.Listen.
	Listen func(network, address string) (net.Listener, error)
	// NewTransport wraps accepted connections; defaults to NewTCPTransport.
	NewTransport func(conn net.Conn) SubscriberTransport
	Logger       *slog.Logger
	Metrics      Metrics
}

// Defaults.
const (
	DefaultMaxClients        = 10
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultClientTimeout     = 60 * time.Second
	DefaultAuthGrace         = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultInboundQueue      = 64
	DefaultErrorQueue        = 16
	defaultBroadcastWorkers  = 16
	DefaultStopTimeout       = 5 * time.Second
)

type subscriber struct {
	id          string
	transport   SubscriberTransport
	limiter     *rate.Limiter
	connectedAt time.Time
	// lastActivity is unix nanoseconds.
	lastActivity atomic.Int64

	// state and identity are guarded by Server.mu.
	state    SubscriberState
	identity Identity

	closeOnce sync.Once
}

func (sub *subscriber) touch() {
	sub.lastActivity.Store(time.Now().UnixNano())
}

func (sub *subscriber) idleSince() time.Time {
	return time.Unix(0, sub.lastActivity.Load())
}

func (sub *subscriber) close() {
	sub.closeOnce.Do(func() {
		_ = sub.transport.Close()
	})
}

// run holds the channels and goroutines of one Start/Stop period. A goroutine
// that outlives a timed-out Stop stays counted here, never in a later run.
type run struct {
	listener net.Listener
	done     chan struct{}
	inbound  chan Message
	errs     chan error
	wg       sync.WaitGroup
}

// Server distributes telemetry to authenticated subscribers.
type Server struct {
	opts   Options
	logger *slog.Logger

	lifecycleMu sync.Mutex
	current     *run
	running     atomic.Bool

	// mu guards the roster. It counts pending connections toward MaxClients.
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	active      int

	handlerMu    sync.RWMutex
	dataHandler  func(Message)
	errorHandler func(error)
	authHandler  func(clientID string, identity Identity, err error)

	seq      atomic.Uint64
	rejected atomic.Uint64
}

// NewServer creates a stopped server.
func NewServer(opts Options) *Server {
	if opts.MaxClients <= 0 {
		opts.MaxClients = DefaultMaxClients
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = DefaultClientTimeout
	}
	if opts.AuthGrace <= 0 {
		opts.AuthGrace = DefaultAuthGrace
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.InboundQueue <= 0 {
		opts.InboundQueue = DefaultInboundQueue
	}
	if opts.ErrorQueue <= 0 {
		opts.ErrorQueue = DefaultErrorQueue
	}
	if opts.BroadcastConcurrency <= 0 {
		opts.BroadcastConcurrency = defaultBroadcastWorkers
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Listen == nil {
		opts.Listen = net.Listen
	}
	if opts.NewTransport == nil {
		opts.NewTransport = func(conn net.Conn) SubscriberTransport {
			return NewTCPTransport(conn, MaxLineLength)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		opts:        opts,
		logger:      logger.With("component", "distribution"),
		subscribers: make(map[string]*subscriber),
	}
}

// SetDataHandler registers the callback for inbound application data. It runs on
// the dispatcher goroutine; a slow handler applies backpressure to subscribers.
func (s *Server) SetDataHandler(fn func(Message)) {
	s.handlerMu.Lock()
	s.dataHandler = fn
	s.handlerMu.Unlock()
}

// SetErrorHandler registers the callback for transport-level failures. It runs on
// the dispatcher goroutine.
func (s *Server) SetErrorHandler(fn func(error)) {
	s.handlerMu.Lock()
	s.errorHandler = fn
	s.handlerMu.Unlock()
}

// SetAuthHandler registers a callback for every authentication outcome. It runs
// on the connection's goroutine and must not block.
func (s *Server) SetAuthHandler(fn func(clientID string, identity Identity, err error)) {
	s.handlerMu.Lock()
	s.authHandler = fn
	s.handlerMu.Unlock()
}

// Start listens and launches the accept loop, the heartbeat sweep and the dispatcher.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.current != nil {
		return ErrServerRunning
	}
	if s.opts.Authenticator == nil {
		return fmt.Errorf("%w: authenticator is required", ErrInvalidOptions)
	}
	if s.opts.ClientTimeout <= s.opts.HeartbeatInterval {
		return fmt.Errorf("%w: client timeout %v must exceed heartbeat interval %v",
			ErrInvalidOptions, s.opts.ClientTimeout, s.opts.HeartbeatInterval)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	listener, err := s.opts.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Address, err)
	}

	r := &run{
		listener: listener,
		done:     make(chan struct{}),
		inbound:  make(chan Message, s.opts.InboundQueue),
		errs:     make(chan error, s.opts.ErrorQueue),
	}
	s.current = r
	s.running.Store(true)

	r.wg.Add(3)
	go s.acceptLoop(r)
	go s.heartbeatLoop(r)
	go s.dispatch(r)

	s.logger.Info("Distribution server listening", "address", listener.Addr().String(), "maxClients", s.opts.MaxClients)
	return nil
}

// Stop closes the listener and every subscriber and waits for the server's
// goroutines, at most Options.StopTimeout. Stop on a stopped server is a no-op.
func (s *Server) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	r := s.current
	if r == nil {
		return
	}
	s.current = nil
	s.running.Store(false)

	close(r.done)
	_ = r.listener.Close()

	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		sub.state = Closed
		subs = append(subs, sub)
	}
	s.subscribers = make(map[string]*subscriber)
	s.active = 0
	s.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	s.reportSubscribers(0)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.StopTimeout):
		s.logger.Warn("Distribution server goroutines did not exit in time", "timeout", s.opts.StopTimeout)
	}
	s.logger.Info("Distribution server stopped")
}

// IsRunning reports whether the server is started.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the listening address, or "" when stopped.
func (s *Server) Addr() string {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.listener.Addr().String()
}

// Rejected returns the number of connections closed on accept because the server was full.
func (s *Server) Rejected() uint64 {
	return s.rejected.Load()
}

// GetClientCount returns the number of active subscribers.
func (s *Server) GetClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// GetConnectedClients returns the ids of active subscribers, sorted.
func (s *Server) GetConnectedClients() []string {
	s.mu.RLock()
	ids := make([]string, 0, s.active)
	for id, sub := range s.subscribers {
		if sub.state == Active {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Subscribers returns every roster entry, pending ones included, sorted by id.
func (s *Server) Subscribers() []SubscriberInfo {
	s.mu.RLock()
	out := make([]SubscriberInfo, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		out = append(out, SubscriberInfo{
			ID:           sub.id,
			Subject:      sub.identity.Subject,
			State:        sub.state,
			ConnectedAt:  sub.connectedAt,
			LastActivity: sub.idleSince(),
		})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BroadcastData writes data to every active subscriber and returns the number of
// successful deliveries. A subscriber whose write fails is removed.
func (s *Server) BroadcastData(data []byte) int {
	targets := s.activeSnapshot()
	if len(targets) == 0 {
		return 0
	}

	var delivered atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.opts.BroadcastConcurrency)
	for _, sub := range targets {
		g.Go(func() error {
			if err := s.write(sub, data); err != nil {
				s.removeSubscriber(sub, Closed, fmt.Errorf("%w: %s: %v", ErrDelivery, sub.id, err))
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(delivered.Load())
	if s.opts.Metrics != nil {
		s.opts.Metrics.AddDeliveries(n)
	}
	return n
}

// SendToClient writes data to one active subscriber.
func (s *Server) SendToClient(id string, data []byte) error {
	s.mu.RLock()
	sub, ok := s.subscribers[id]
	active := ok && sub.state == Active
	s.mu.RUnlock()
	if !active {
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}

	if err := s.write(sub, data); err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrDelivery, id, err)
		s.removeSubscriber(sub, Closed, err)
		return err
	}
	return nil
}

func (s *Server) activeSnapshot() []*subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*subscriber, 0, s.active)
	for _, sub := range s.subscribers {
		if sub.state == Active {
			out = append(out, sub)
		}
	}
	return out
}

func (s *Server) write(sub *subscriber, data []byte) error {
	return sub.transport.WriteMessage(data, time.Now().Add(s.opts.WriteTimeout))
}

func (s *Server) acceptLoop(r *run) {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Failed to accept connection", "error", err)
			s.reportError(r, fmt.Errorf("accept: %w", err))
			continue
		}

		transport := s.opts.NewTransport(conn)
		sub, ok := s.admit(transport)
		if !ok {
			s.rejected.Add(1)
			s.logger.Info("Rejected connection at capacity", "remote", transport.RemoteAddr(), "maxClients", s.opts.MaxClients)
			if s.opts.Metrics != nil {
				s.opts.Metrics.IncSubscriberRejected(RejectCapacity)
			}
			_ = transport.Close()
			continue
		}

		r.wg.Add(1)
		go s.handleSubscriber(r, sub)
	}
}

// admit registers a new pending subscriber unless the roster is full.
func (s *Server) admit(transport SubscriberTransport) (*subscriber, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subscribers) >= s.opts.MaxClients {
		return nil, false
	}

	sub := &subscriber{
		id:          fmt.Sprintf("%s#%d", transport.RemoteAddr(), s.seq.Add(1)),
		transport:   transport,
		limiter:     s.newLimiter(),
		connectedAt: time.Now(),
		state:       Connecting,
	}
	sub.touch()
	s.subscribers[sub.id] = sub
	return sub, true
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.opts.InboundRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.opts.InboundBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.opts.InboundRate), burst)
}

func (s *Server) handleSubscriber(r *run, sub *subscriber) {
	defer r.wg.Done()

	identity, err := s.authenticate(r, sub)
	s.notifyAuth(sub.id, identity, err)
	if err != nil {
		s.removeSubscriber(sub, Closed, nil)
		return
	}

	_ = sub.transport.SetReadDeadline(time.Time{})
	for {
		line, err := sub.transport.ReadLine()
		if err != nil {
			if s.removeSubscriber(sub, Closed, nil) && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.reportError(r, fmt.Errorf("subscriber %s: %w", sub.id, err))
			}
			return
		}
		sub.touch()

		switch {
		case line == "":
			continue
		case line == "PING":
			if err := s.write(sub, []byte("PONG\n")); err != nil {
				s.removeSubscriber(sub, Closed, fmt.Errorf("%w: %s: %v", ErrDelivery, sub.id, err))
				return
			}
			continue
		}

		if !sub.limiter.Allow() {
			s.logger.Warn("Inbound rate limit exceeded, message dropped", "client", sub.id)
			continue
		}

		msg := Message{
			ClientID:   sub.id,
			Identity:   identity,
			Data:       []byte(line),
			ReceivedAt: time.Now(),
		}
		select {
		case r.inbound <- msg:
		case <-r.done:
			return
		}
	}
}

// authenticate runs the Connecting -> Authenticating -> Active handshake.
func (s *Server) authenticate(r *run, sub *subscriber) (Identity, error) {
	s.setState(sub, Authenticating)
	_ = sub.transport.SetReadDeadline(time.Now().Add(s.opts.AuthGrace))

	line, err := sub.transport.ReadLine()
	if err != nil {
		s.rejectMetric(RejectTimeout)
		s.replyAndClose(sub, "ERR authentication timeout")
		return Identity{}, fmt.Errorf("no AUTH line: %w", err)
	}

	verb, token, _ := strings.Cut(line, " ")
	if verb != "AUTH" || strings.TrimSpace(token) == "" {
		s.rejectMetric(RejectProtocol)
		s.replyAndClose(sub, "ERR expected AUTH <token>")
		return Identity{}, fmt.Errorf("%w: expected AUTH line", ErrUnauthorized)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.AuthGrace)
	defer cancel()
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	identity, err := s.opts.Authenticator.Authenticate(ctx, strings.TrimSpace(token))
	if err != nil {
		s.rejectMetric(RejectAuth)
		s.replyAndClose(sub, "ERR unauthorized")
		return Identity{}, err
	}

	// OK goes out before activation so it precedes any broadcast
	if err := s.write(sub, []byte("OK "+sub.id+"\n")); err != nil {
		return Identity{}, fmt.Errorf("%w: %s: %v", ErrDelivery, sub.id, err)
	}
	n, ok := s.activate(sub, identity)
	if !ok {
		return Identity{}, ErrServerNotRunning
	}
	s.reportSubscribers(n)
	s.logger.Info("Subscriber authenticated", "client", sub.id, "subject", identity.Subject)
	return identity, nil
}

func (s *Server) replyAndClose(sub *subscriber, reply string) {
	_ = s.write(sub, []byte(reply+"\n"))
	sub.close()
}

func (s *Server) setState(sub *subscriber, state SubscriberState) {
	s.mu.Lock()
	sub.state = state
	s.mu.Unlock()
}

// activate admits sub to the broadcast roster. It fails if sub was removed
// while authenticating.
func (s *Server) activate(sub *subscriber, identity Identity) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.subscribers[sub.id]; !ok || current != sub {
		return 0, false
	}
	sub.identity = identity
	sub.state = Active
	sub.touch()
	s.active++
	return s.active, true
}

// removeSubscriber takes sub off the roster and closes its transport. It reports
// whether this call removed it.
func (s *Server) removeSubscriber(sub *subscriber, final SubscriberState, cause error) bool {
	s.mu.Lock()
	current, ok := s.subscribers[sub.id]
	removed := ok && current == sub
	var n int
	if removed {
		if sub.state == Active {
			s.active--
		}
		sub.state = final
		delete(s.subscribers, sub.id)
	}
	n = s.active
	s.mu.Unlock()

	sub.close()
	if !removed {
		return false
	}

	s.reportSubscribers(n)
	if cause != nil {
		s.logger.Warn("Subscriber removed", "client", sub.id, "state", final.String(), "error", cause)
	} else {
		s.logger.Info("Subscriber removed", "client", sub.id, "state", final.String())
	}
	return true
}

func (s *Server) heartbeatLoop(r *run) {
	defer r.wg.Done()
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-r.done:
			return
		}
	}
}

// sweep evicts idle subscribers and sends a heartbeat to the rest.
func (s *Server) sweep() {
	now := time.Now()
	var alive []*subscriber
	for _, sub := range s.activeSnapshot() {
		if now.Sub(sub.idleSince()) > s.opts.ClientTimeout {
			s.removeSubscriber(sub, IdleTimeout, nil)
			continue
		}
		alive = append(alive, sub)
	}

	heartbeat := []byte("HEARTBEAT " + now.UTC().Format(time.RFC3339) + "\n")
	for _, sub := range alive {
		if err := s.write(sub, heartbeat); err != nil {
			s.removeSubscriber(sub, Closed, fmt.Errorf("%w: %s: %v", ErrDelivery, sub.id, err))
		}
	}
}

func (s *Server) dispatch(r *run) {
	defer r.wg.Done()
	for {
		select {
		case msg := <-r.inbound:
			s.handlerMu.RLock()
			fn := s.dataHandler
			s.handlerMu.RUnlock()
			if fn != nil {
				fn(msg)
			}
		case err := <-r.errs:
			s.handlerMu.RLock()
			fn := s.errorHandler
			s.handlerMu.RUnlock()
			if fn != nil {
				fn(err)
			}
		case <-r.done:
			return
		}
	}
}

// reportError queues err for the error handler, dropping it when the queue is full.
func (s *Server) reportError(r *run, err error) {
	select {
	case r.errs <- err:
	default:
		s.logger.Warn("Error queue full, dropping error", "error", err)
	}
}

func (s *Server) notifyAuth(id string, identity Identity, err error) {
	s.handlerMu.RLock()
	fn := s.authHandler
	s.handlerMu.RUnlock()
	if fn != nil {
		fn(id, identity, err)
	}
}

func (s *Server) rejectMetric(reason string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.IncSubscriberRejected(reason)
	}
}

func (s *Server) reportSubscribers(n int) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.SetSubscribers(n)
	}
}
