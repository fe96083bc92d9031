package distribution

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// MaxLineLength bounds a single inbound line, delimiter excluded.
const MaxLineLength = 4096

// SubscriberTransport is a line-oriented duplex stream to one subscriber.
type SubscriberTransport interface {
	// ReadLine returns the next line without its delimiter.
	ReadLine() (string, error)
	// WriteMessage writes data, newline-terminated, before deadline.
	WriteMessage(data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// Identity is the authenticated principal behind a subscriber.
type Identity struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
}

// HasScope reports whether the identity carries scope.
func (id Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Authenticator validates the token presented in the AUTH line.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (Identity, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

type tcpTransport struct {
	conn    net.Conn
	reader  *bufio.Reader
	maxLine int

	writeMu sync.Mutex
}

// NewTCPTransport wraps a stream connection. Lines longer than maxLine bytes
// fail with ErrLineTooLong.
func NewTCPTransport(conn net.Conn, maxLine int) SubscriberTransport {
	if maxLine <= 0 {
		maxLine = MaxLineLength
	}
	return &tcpTransport{
		conn: conn,
		// room for the line, "\r\n", and bufio's minimum
		reader:  bufio.NewReaderSize(conn, maxLine+2),
		maxLine: maxLine,
	}
}

func (t *tcpTransport) ReadLine() (string, error) {
	line, err := t.reader.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return "", ErrLineTooLong
	}
	if err != nil {
		return "", err
	}
	line = bytes.TrimRight(line, "\r\n")
	if len(line) > t.maxLine {
		return "", ErrLineTooLong
	}
	return string(line), nil
}

func (t *tcpTransport) WriteMessage(data []byte, deadline time.Time) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if _, err := t.conn.Write(data); err != nil {
		return err
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		if _, err := t.conn.Write([]byte{'\n'}); err != nil {
			return err
		}
	}
	return nil
}

func (t *tcpTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *tcpTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}
