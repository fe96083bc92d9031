// Package simulator provides an in-process field device that answers register
// reads over TCP. It backs the fieldbus tests and the --simulate mode of pmc.
package simulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plant-monitor/pmc/internal/fieldbus"
	"github.com/plant-monitor/pmc/internal/telemetry"
)

// Fault selects how the device misbehaves for injected requests.
type Fault int

const (
	FaultNone Fault = iota
	// FaultDrop closes the connection instead of answering.
	FaultDrop
	// FaultStall reads the request and never answers.
	FaultStall
	// FaultBadTransaction answers with a transaction id that does not echo the request.
	FaultBadTransaction
	// FaultException answers with a device failure exception.
	FaultException
	// FaultBadLength answers with a length field beyond any valid frame.
	FaultBadLength
)

// badLength is the length field written under FaultBadLength.
const badLength = 300

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultDrop:
		return "drop"
	case FaultStall:
		return "stall"
	case FaultBadTransaction:
		return "bad-transaction"
	case FaultException:
		return "exception"
	case FaultBadLength:
		return "bad-length"
	default:
		return fmt.Sprintf("fault(%d)", int(f))
	}
}

// Nominal values seeded into every channel at construction.
var Nominal = map[telemetry.Category]float64{
	telemetry.CategoryTemperature: 285.0,
	telemetry.CategoryPressure:    1500.0,
	telemetry.CategoryRadiation:   0.2,
}

// Options configures a Device.
type Options struct {
	// Address to listen on; defaults to 127.0.0.1:0.
	Address string
	// Channels per category to serve; defaults to fieldbus.DefaultChannelsPerCategory.
	Channels int
	// MaxConnections beyond which new connections are closed on accept; defaults to 10.
	MaxConnections int
	// IdleTimeout closes a connection that sends no request for this long; defaults to 30s.
	IdleTimeout time.Duration
	// AllowedCIDRs restricts clients by source address. Empty allows all.
	AllowedCIDRs []string
	Logger       *slog.Logger
}

// Device is a simulated field device.
type Device struct {
	opts     Options
	logger   *slog.Logger
	networks []*net.IPNet

	regMu     sync.RWMutex
	registers map[uint16]uint16

	faultMu    sync.Mutex
	fault      Fault
	faultsLeft int

	listener net.Listener
	stopChan chan struct{}
	wg       sync.WaitGroup

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	requests atomic.Uint64
	rejected atomic.Uint64
}

// New creates a device with every served channel set to its nominal value.
func New(opts Options) (*Device, error) {
	if opts.Address == "" {
		opts.Address = "127.0.0.1:0"
	}
	if opts.Channels <= 0 || opts.Channels > fieldbus.MaxChannelsPerCategory {
		opts.Channels = fieldbus.DefaultChannelsPerCategory
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var networks []*net.IPNet
	for _, cidr := range opts.AllowedCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed CIDR %q: %w", cidr, err)
		}
		networks = append(networks, network)
	}

	d := &Device{
		opts:      opts,
		logger:    logger.With("component", "simulator"),
		networks:  networks,
		registers: make(map[uint16]uint16),
		conns:     make(map[net.Conn]struct{}),
	}
	for _, c := range telemetry.Categories {
		for ch := 0; ch < opts.Channels; ch++ {
			d.SetValue(c, ch, Nominal[c])
		}
	}
	return d, nil
}

// Start listens and serves in the background.
func (d *Device) Start() error {
	listener, err := net.Listen("tcp", d.opts.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.opts.Address, err)
	}
	d.listener = listener
	d.stopChan = make(chan struct{})

	d.wg.Add(1)
	go d.acceptLoop(listener)
	d.logger.Info("Simulated device listening", "address", listener.Addr().String())
	return nil
}

// Addr returns the listening address.
func (d *Device) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// HostPort splits the listening address for fieldbus.Client.AddDevice.
func (d *Device) HostPort() (string, int) {
	tcp, ok := d.Addr().(*net.TCPAddr)
	if !ok {
		return "", 0
	}
	return tcp.IP.String(), tcp.Port
}

// Stop closes the listener and every connection and waits for handlers to exit.
func (d *Device) Stop() {
	if d.stopChan == nil {
		return
	}
	select {
	case <-d.stopChan:
		return
	default:
		close(d.stopChan)
	}
	_ = d.listener.Close()

	d.connsMu.Lock()
	for conn := range d.conns {
		_ = conn.Close()
	}
	d.connsMu.Unlock()

	d.wg.Wait()
}

// SetRegister stores a raw register value.
func (d *Device) SetRegister(addr, value uint16) {
	d.regMu.Lock()
	d.registers[addr] = value
	d.regMu.Unlock()
}

// Register returns a raw register value and whether it is served.
func (d *Device) Register(addr uint16) (uint16, bool) {
	d.regMu.RLock()
	defer d.regMu.RUnlock()
	v, ok := d.registers[addr]
	return v, ok
}

// SetValue stores an engineering value on a channel using the client's scaling.
func (d *Device) SetValue(c telemetry.Category, channel int, value float64) {
	addr := fieldbus.SensorAddress{Category: c, Channel: channel}
	d.SetRegister(addr.Register(), fieldbus.ScalingFor(c).Raw(value))
}

// InjectFault makes the next count requests misbehave. A count of zero or less
// keeps the fault until ClearFault.
func (d *Device) InjectFault(f Fault, count int) {
	d.faultMu.Lock()
	d.fault = f
	d.faultsLeft = count
	d.faultMu.Unlock()
}

// ClearFault restores normal answers.
func (d *Device) ClearFault() {
	d.InjectFault(FaultNone, 0)
}

// Requests returns the number of requests received.
func (d *Device) Requests() uint64 {
	return d.requests.Load()
}

// Rejected returns the number of connections closed on accept.
func (d *Device) Rejected() uint64 {
	return d.rejected.Load()
}

// ConnectionCount returns the number of open client connections.
func (d *Device) ConnectionCount() int {
	d.connsMu.Lock()
	defer d.connsMu.Unlock()
	return len(d.conns)
}

func (d *Device) acceptLoop(listener net.Listener) {
	defer d.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-d.stopChan:
				return
			default:
			}
			d.logger.Warn("Failed to accept connection", "error", err)
			continue
		}

		if !d.isAllowedConnection(conn) {
			d.logger.Info("Rejected connection not in allowed CIDRs", "remote", conn.RemoteAddr().String())
			d.rejected.Add(1)
			_ = conn.Close()
			continue
		}
		if !d.track(conn) {
			d.logger.Info("Rejected connection over limit", "remote", conn.RemoteAddr().String(), "max", d.opts.MaxConnections)
			d.rejected.Add(1)
			_ = conn.Close()
			continue
		}

		d.wg.Add(1)
		go d.handleConnection(conn)
	}
}

func (d *Device) track(conn net.Conn) bool {
	d.connsMu.Lock()
	defer d.connsMu.Unlock()
	select {
	case <-d.stopChan:
		return false
	default:
	}
	if len(d.conns) >= d.opts.MaxConnections {
		return false
	}
	d.conns[conn] = struct{}{}
	return true
}

func (d *Device) untrack(conn net.Conn) {
	d.connsMu.Lock()
	delete(d.conns, conn)
	d.connsMu.Unlock()
}

func (d *Device) handleConnection(conn net.Conn) {
	defer d.wg.Done()
	defer d.untrack(conn)
	defer conn.Close()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(d.opts.IdleTimeout))
		frame, err := fieldbus.ReadFrame(conn)
		if err != nil {
			return
		}
		req, err := fieldbus.DecodeRequest(frame)
		if err != nil {
			d.logger.Warn("Malformed request", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
		d.requests.Add(1)

		out, ok := d.answer(req)
		if !ok {
			return
		}
		if out == nil {
			continue
		}
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

// answer encodes the reply to req. A nil reply with ok=true means no answer is
// sent; ok=false closes the connection.
func (d *Device) answer(req fieldbus.Request) ([]byte, bool) {
	fault := d.takeFault()
	resp, ok := d.respond(req, fault)
	if resp == nil {
		return nil, ok
	}
	out := fieldbus.EncodeResponse(*resp)
	if fault == FaultBadLength {
		binary.BigEndian.PutUint16(out[4:], badLength)
	}
	return out, ok
}

func (d *Device) respond(req fieldbus.Request, fault Fault) (*fieldbus.Response, bool) {
	resp := &fieldbus.Response{
		TransactionID: req.TransactionID,
		UnitID:        req.UnitID,
		Function:      req.Function,
	}

	switch fault {
	case FaultDrop:
		return nil, false
	case FaultStall:
		return nil, true
	case FaultBadTransaction:
		resp.TransactionID++
	case FaultException:
		resp.Exception = fieldbus.ExceptionDeviceFailure
		return resp, true
	}

	if req.Function != fieldbus.FuncReadHoldingRegisters && req.Function != fieldbus.FuncReadInputRegisters {
		resp.Exception = fieldbus.ExceptionIllegalFunction
		return resp, true
	}
	if req.Quantity == 0 || req.Quantity > fieldbus.MaxRegistersPerRead {
		resp.Exception = fieldbus.ExceptionIllegalValue
		return resp, true
	}

	d.regMu.RLock()
	defer d.regMu.RUnlock()
	registers := make([]uint16, req.Quantity)
	for i := range registers {
		v, ok := d.registers[req.Address+uint16(i)]
		if !ok {
			resp.Exception = fieldbus.ExceptionIllegalAddress
			return resp, true
		}
		registers[i] = v
	}
	resp.Registers = registers
	return resp, true
}

func (d *Device) takeFault() Fault {
	d.faultMu.Lock()
	defer d.faultMu.Unlock()
	f := d.fault
	if f != FaultNone && d.faultsLeft > 0 {
		d.faultsLeft--
		if d.faultsLeft == 0 {
			d.fault = FaultNone
		}
	}
	return f
}

func (d *Device) isAllowedConnection(conn net.Conn) bool {
	if len(d.networks) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, network := range d.networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
