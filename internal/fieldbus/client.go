package fieldbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/plant-monitor/pmc/internal/telemetry"
)

// ConnectionState is the state of one device endpoint.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
	Faulted
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	case Faulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state by name in JSON status snapshots.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Endpoint is a snapshot of one registered device.
type Endpoint struct {
	Address       string          `json:"address"`
	Port          int             `json:"port"`
	UnitID        uint8           `json:"unitId"`
	State         ConnectionState `json:"state"`
	LastError     string          `json:"lastError,omitempty"`
	LastConnected time.Time       `json:"lastConnected,omitempty"`
	ChangedAt     time.Time       `json:"changedAt"`
}

// Key identifies the endpoint as host:port.
func (e Endpoint) Key() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// DialFunc opens a transport to a device.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures a Client.
type Options struct {
	ReadTimeout         time.Duration
	ConnectTimeout      time.Duration
	ChannelsPerCategory int
	// UnitID is sent in every request. Zero means 1.
	UnitID uint8
	// Function is the read function code. Zero means FuncReadHoldingRegisters.
	Function byte
	Dial     DialFunc
	Logger   *slog.Logger
}

const (
	defaultReadTimeout    = 2 * time.Second
	defaultConnectTimeout = 3 * time.Second
)

type device struct {
	// ioMu serialises request/response exchanges on conn and guards conn.
	ioMu sync.Mutex
	conn net.Conn

	// endpoint is guarded by Client.mu.
	endpoint Endpoint
}

// Client polls sensors on a set of field devices.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	devices []*device
	index   map[string]int

	tid atomic.Uint32
}

// NewClient creates a client with no registered devices.
func NewClient(opts Options) *Client {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ChannelsPerCategory <= 0 || opts.ChannelsPerCategory > MaxChannelsPerCategory {
		opts.ChannelsPerCategory = DefaultChannelsPerCategory
	}
	if opts.UnitID == 0 {
		opts.UnitID = 1
	}
	if opts.Function == 0 {
		opts.Function = FuncReadHoldingRegisters
	}
	if opts.Dial == nil {
		var d net.Dialer
		opts.Dial = d.DialContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		opts:   opts,
		logger: logger.With("component", "fieldbus"),
		index:  make(map[string]int),
	}
}

// ChannelsPerCategory returns the number of sensors per category on each device.
func (c *Client) ChannelsPerCategory() int {
	return c.opts.ChannelsPerCategory
}

// AddDevice registers a device endpoint in the Disconnected state.
func (c *Client) AddDevice(address string, port int) error {
	address = strings.TrimSpace(address)
	if !validHost(address) {
		return fmt.Errorf("%w: invalid device address %q", ErrConfiguration, address)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: invalid device port %d", ErrConfiguration, port)
	}

	ep := Endpoint{
		Address:   address,
		Port:      port,
		UnitID:    c.opts.UnitID,
		State:     Disconnected,
		ChangedAt: time.Now(),
	}
	key := normalizeKey(ep.Key())

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.index[key]; exists {
		return fmt.Errorf("%w: %w: %s", ErrConfiguration, ErrDuplicateDevice, ep.Key())
	}
	c.index[key] = len(c.devices)
	c.devices = append(c.devices, &device{endpoint: ep})
	c.logger.Info("Device registered", "endpoint", ep.Key(), "index", len(c.devices)-1)
	return nil
}

// ConnectAll dials every device that is not Connected. Each device's outcome is
// tracked independently; the returned error joins every failure.
func (c *Client) ConnectAll(ctx context.Context) error {
	c.mu.RLock()
	devices := append([]*device(nil), c.devices...)
	c.mu.RUnlock()

	errs := make([]error, len(devices))
	var g errgroup.Group
	for i, d := range devices {
		if c.stateOf(d) == Connected {
			continue
		}
		g.Go(func() error {
			errs[i] = c.connect(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Reconnect re-dials one device, identified by its host:port key.
func (c *Client) Reconnect(ctx context.Context, endpoint string) error {
	c.mu.RLock()
	i, ok := c.index[normalizeKey(endpoint)]
	var d *device
	if ok {
		d = c.devices[i]
	}
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown device %s", ErrConfiguration, endpoint)
	}
	return c.connect(ctx, d)
}

// DisconnectAll closes every connection and marks all devices Disconnected.
func (c *Client) DisconnectAll() {
	c.mu.RLock()
	devices := append([]*device(nil), c.devices...)
	c.mu.RUnlock()

	for _, d := range devices {
		d.ioMu.Lock()
		if d.conn != nil {
			_ = d.conn.Close()
			d.conn = nil
		}
		d.ioMu.Unlock()
		c.setState(d, Disconnected, nil)
	}
}

// Devices returns a snapshot of every registered endpoint in registration order.
func (c *Client) Devices() []Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Endpoint, len(c.devices))
	for i, d := range c.devices {
		out[i] = d.endpoint
	}
	return out
}

// IsSensorOnline reports whether the device owning sensorID is Connected.
func (c *Client) IsSensorOnline(sensorID int) bool {
	addr, err := ParseSensorID(sensorID, c.opts.ChannelsPerCategory)
	if err != nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if addr.DeviceIndex >= len(c.devices) {
		return false
	}
	return c.devices[addr.DeviceIndex].endpoint.State == Connected
}

// EndpointForSensor returns the host:port key of the device owning sensorID.
func (c *Client) EndpointForSensor(sensorID int) (string, bool) {
	addr, err := ParseSensorID(sensorID, c.opts.ChannelsPerCategory)
	if err != nil {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if addr.DeviceIndex >= len(c.devices) {
		return "", false
	}
	return c.devices[addr.DeviceIndex].endpoint.Key(), true
}

// CategoryForSensor reports the measurement category a sensor id reads.
func (c *Client) CategoryForSensor(sensorID int) (telemetry.Category, bool) {
	addr, err := ParseSensorID(sensorID, c.opts.ChannelsPerCategory)
	if err != nil {
		return 0, false
	}
	return addr.Category, true
}

// GetAvailableSensors returns the ids of every sensor on a Connected device, ascending.
func (c *Client) GetAvailableSensors() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []int
	for i, d := range c.devices {
		if d.endpoint.State != Connected {
			continue
		}
		for _, cat := range telemetry.Categories {
			for ch := 0; ch < c.opts.ChannelsPerCategory; ch++ {
				ids = append(ids, SensorID(i, cat, ch))
			}
		}
	}
	return ids
}

// ReadTemperature reads a temperature sensor in degrees Celsius.
func (c *Client) ReadTemperature(ctx context.Context, sensorID int) (float64, error) {
	return c.readValue(ctx, sensorID, telemetry.CategoryTemperature)
}

// ReadPressure reads a pressure sensor in PSI.
func (c *Client) ReadPressure(ctx context.Context, sensorID int) (float64, error) {
	return c.readValue(ctx, sensorID, telemetry.CategoryPressure)
}

// ReadRadiation reads a radiation sensor in mSv/h.
func (c *Client) ReadRadiation(ctx context.Context, sensorID int) (float64, error) {
	return c.readValue(ctx, sensorID, telemetry.CategoryRadiation)
}

// Read reads any sensor, deriving its category from the id.
func (c *Client) Read(ctx context.Context, sensorID int) (telemetry.SensorReading, error) {
	addr, err := ParseSensorID(sensorID, c.opts.ChannelsPerCategory)
	if err != nil {
		return telemetry.SensorReading{}, err
	}
	value, err := c.read(ctx, addr)
	if err != nil {
		return telemetry.SensorReading{}, err
	}
	return telemetry.SensorReading{
		SensorID:  sensorID,
		Value:     value,
		Timestamp: time.Now(),
		Category:  addr.Category,
	}, nil
}

func (c *Client) readValue(ctx context.Context, sensorID int, want telemetry.Category) (float64, error) {
	addr, err := ParseSensorID(sensorID, c.opts.ChannelsPerCategory)
	if err != nil {
		return 0, err
	}
	if addr.Category != want {
		return 0, fmt.Errorf("%w: sensor %d is %s, not %s", ErrUnknownSensor, sensorID, addr.Category, want)
	}
	return c.read(ctx, addr)
}

// read performs one request/response exchange. The device table lock is only
// taken for state lookups and transitions, never across I/O.
func (c *Client) read(ctx context.Context, addr SensorAddress) (float64, error) {
	c.mu.RLock()
	if addr.DeviceIndex >= len(c.devices) {
		c.mu.RUnlock()
		return 0, fmt.Errorf("%w: %d", ErrUnknownSensor, addr.ID())
	}
	d := c.devices[addr.DeviceIndex]
	ep := d.endpoint
	c.mu.RUnlock()

	switch ep.State {
	case Faulted:
		return 0, fmt.Errorf("%w: %s", ErrDeviceFaulted, ep.Key())
	case Disconnected:
		return 0, fmt.Errorf("%w: %s not connected", ErrConnection, ep.Key())
	}

	d.ioMu.Lock()
	defer d.ioMu.Unlock()

	conn := d.conn
	if conn == nil {
		// faulted or disconnected while waiting for the I/O lock
		if c.stateOf(d) == Faulted {
			return 0, fmt.Errorf("%w: %s", ErrDeviceFaulted, ep.Key())
		}
		return 0, fmt.Errorf("%w: %s not connected", ErrConnection, ep.Key())
	}

	req := Request{
		TransactionID: uint16(c.tid.Add(1)),
		UnitID:        ep.UnitID,
		Function:      c.opts.Function,
		Address:       addr.Register(),
		Quantity:      1,
	}

	deadline := time.Now().Add(c.opts.ReadTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	resp, err := exchange(conn, req)
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			perr.Endpoint = ep.Key()
			if !perr.Desync {
				c.logger.Warn("Rejected device response", "endpoint", ep.Key(), "sensor", addr.ID(), "error", perr.Detail)
				return 0, perr
			}
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		_ = conn.Close()
		d.conn = nil
		c.setState(d, Faulted, err)
		c.logger.Error("Device read failed, marking faulted", "endpoint", ep.Key(), "sensor", addr.ID(), "error", err)
		return 0, fmt.Errorf("%w: %s: %w", ErrConnection, ep.Key(), err)
	}

	return ScalingFor(addr.Category).Apply(resp.Registers[0]), nil
}

func exchange(conn net.Conn, req Request) (Response, error) {
	if _, err := conn.Write(EncodeRequest(req)); err != nil {
		return Response{}, err
	}
	frame, err := ReadFrame(conn)
	if err != nil {
		return Response{}, err
	}
	resp, err := DecodeResponse(frame)
	if err != nil {
		return Response{}, err
	}
	if err := validateResponse(req, resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (c *Client) connect(ctx context.Context, d *device) error {
	d.ioMu.Lock()
	defer d.ioMu.Unlock()

	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}

	c.mu.RLock()
	key := d.endpoint.Key()
	c.mu.RUnlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	conn, err := c.opts.Dial(dialCtx, "tcp", key)
	if err != nil {
		c.setState(d, Faulted, err)
		c.logger.Warn("Device connect failed", "endpoint", key, "error", err)
		return fmt.Errorf("%w: %s: %v", ErrConnection, key, err)
	}

	d.conn = conn
	c.setState(d, Connected, nil)
	c.logger.Info("Device connected", "endpoint", key)
	return nil
}

func (c *Client) stateOf(d *device) ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return d.endpoint.State
}

func (c *Client) setState(d *device, state ConnectionState, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	d.endpoint.State = state
	d.endpoint.ChangedAt = now
	switch {
	case cause != nil:
		d.endpoint.LastError = cause.Error()
	case state == Connected:
		d.endpoint.LastError = ""
		d.endpoint.LastConnected = now
	}
}

func normalizeKey(key string) string {
	return strings.ToLower(key)
}

// validHost accepts IP literals and RFC 1123 host names.
func validHost(host string) bool {
	if host == "" {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	if len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(host, "."), ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if !isAlnum && r != '-' {
				return false
			}
		}
	}
	return true
}
