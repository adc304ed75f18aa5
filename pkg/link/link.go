package link

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/itohio/goplasma/pkg/config"
	"github.com/itohio/goplasma/pkg/logging"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"go.uber.org/atomic"
)

const (
	// DefaultBaudRate is the baud rate of the driver's remote-control UART.
	DefaultBaudRate = 115200
	// DefaultReadTimeout bounds a single read from the port.
	DefaultReadTimeout = 100 * time.Millisecond
	// DefaultCharDelay is the minimum gap between characters the driver can keep up with.
	DefaultCharDelay = 10 * time.Millisecond

	// Terminator ends every command.
	Terminator = '\r'
	// Sentinel ends a log block reply.
	Sentinel = '#'

	maxReply = 64 * 1024
)

var (
	// ErrNoReply is returned when the device sent nothing before the read timeout.
	ErrNoReply = errors.New("no reply from device")
	// ErrUnterminated is returned when a block reply stopped before its sentinel.
	ErrUnterminated = errors.New("block reply missing sentinel")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("link closed")
)

// Framing selects how a reply is read back.
type Framing int

const (
	// NoReply commands are transmitted without reading anything back.
	NoReply Framing = iota
	// Line replies end at '\n' (a trailing '\r' is dropped), or at the first quiet read timeout.
	Line
	// Block replies end at the '#' sentinel, which is stripped.
	Block
)

func (f Framing) String() string {
	switch f {
	case NoReply:
		return "none"
	case Line:
		return "line"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("framing(%d)", int(f))
	}
}

// Port is the subset of go.bug.st/serial.Port the link needs. The simulator
// and tests provide their own implementations.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
}

var _ Port = (serial.Port)(nil)

// PortInfo describes an available serial port.
type PortInfo struct {
	Name        string
	Description string
}

// Stats counts link traffic.
type Stats struct {
	Commands  int64
	BytesSent int64
	BytesRead int64
	NoReplies int64
}

// Link owns the serial port and serializes every command/reply exchange.
type Link struct {
	mu        sync.Mutex
	port      Port
	charDelay time.Duration
	closed    bool
	sleep     func(time.Duration)
	log       logrus.FieldLogger

	commands  *atomic.Int64
	bytesSent *atomic.Int64
	bytesRead *atomic.Int64
	noReplies *atomic.Int64
}

// Option configures a Link.
type Option func(*Link)

// WithCharDelay overrides the inter-character delay.
func WithCharDelay(d time.Duration) Option {
	return func(l *Link) {
		l.charDelay = d
	}
}

// WithLogger sets the logger used for wire traffic.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Link) {
		l.log = logging.Or(log).WithField("component", "link")
	}
}

// WithSleep replaces time.Sleep for the pacing delay.
func WithSleep(sleep func(time.Duration)) Option {
	return func(l *Link) {
		l.sleep = sleep
	}
}

// New wraps an already open port.
func New(port Port, opts ...Option) *Link {
	l := &Link{
		port:      port,
		charDelay: DefaultCharDelay,
		sleep:     time.Sleep,
		log:       logging.Discard().WithField("component", "link"),
		commands:  atomic.NewInt64(0),
		bytesSent: atomic.NewInt64(0),
		bytesRead: atomic.NewInt64(0),
		noReplies: atomic.NewInt64(0),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open opens the configured serial port.
func Open(cfg config.SerialConfig, opts ...Option) (*Link, error) {
	baudRate := cfg.BaudRate
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = DefaultReadTimeout
	}

	port, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}

	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", cfg.Port, err)
	}

	if cfg.CharDelay > 0 {
		opts = append([]Option{WithCharDelay(cfg.CharDelay)}, opts...)
	}
	return New(port, opts...), nil
}

// Ports returns a list of available serial ports.
func Ports() ([]PortInfo, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]PortInfo, 0, len(ports))
	for _, name := range ports {
		result = append(result, PortInfo{
			Name:        name,
			Description: name,
		})
	}
	return result, nil
}

// Send transmits text followed by '\r' and reads back a reply according to framing.
// The whole exchange holds the link lock, so commands from different goroutines never
// interleave on the wire.
func (l *Link) Send(text string, framing Framing) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	l.commands.Inc()

	if err := l.port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("reset input buffer: %w", err)
	}

	if err := l.transmit(text); err != nil {
		return nil, fmt.Errorf("send %q: %w", text, err)
	}

	var (
		reply []byte
		err   error
	)
	switch framing {
	case NoReply:
		l.log.Debugf("-> %q", text)
		return nil, nil
	case Line:
		reply, err = l.readLine()
	case Block:
		reply, err = l.readBlock()
	default:
		return nil, fmt.Errorf("send %q: unknown framing %v", text, framing)
	}

	if errors.Is(err, ErrNoReply) {
		l.noReplies.Inc()
	}
	if err != nil {
		l.log.Debugf("-> %q <- error: %v", text, err)
		return reply, fmt.Errorf("send %q: %w", text, err)
	}

	l.log.Debugf("-> %q <- %q", text, reply)
	return reply, nil
}

// Stats returns a snapshot of the traffic counters.
func (l *Link) Stats() Stats {
	return Stats{
		Commands:  l.commands.Load(),
		BytesSent: l.bytesSent.Load(),
		BytesRead: l.bytesRead.Load(),
		NoReplies: l.noReplies.Load(),
	}
}

// Close closes the underlying port. Send fails afterwards.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.port.Close()
}

// transmit writes one character at a time. The driver has no receive FIFO and
// loses characters that arrive before it has consumed the previous one.
func (l *Link) transmit(text string) error {
	buf := make([]byte, 0, len(text)+1)
	buf = append(buf, text...)
	buf = append(buf, Terminator)

	for i := range buf {
		if i > 0 && l.charDelay > 0 {
			l.sleep(l.charDelay)
		}
		n, err := l.port.Write(buf[i : i+1])
		if err != nil {
			return err
		}
		l.bytesSent.Add(int64(n))
	}
	return nil
}

// readLine reads until '\n'. A read timeout after some bytes ends the line as well,
// since the firmware does not terminate every acknowledgement.
func (l *Link) readLine() ([]byte, error) {
	var line bytes.Buffer
	b := make([]byte, 1)
	for line.Len() < maxReply {
		n, err := l.port.Read(b)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		l.bytesRead.Inc()
		if b[0] == '\n' {
			if len(bytes.Trim(line.Bytes(), "\r")) == 0 {
				// Leftover of a "\n\r" terminator
				line.Reset()
				continue
			}
			break
		}
		line.WriteByte(b[0])
	}

	reply := bytes.Trim(line.Bytes(), "\r\n")
	if len(reply) == 0 {
		return nil, ErrNoReply
	}
	return reply, nil
}

// readBlock reads until the sentinel, which is not returned.
func (l *Link) readBlock() ([]byte, error) {
	var block bytes.Buffer
	buf := make([]byte, 256)
	for block.Len() < maxReply {
		n, err := l.port.Read(buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		l.bytesRead.Add(int64(n))
		if i := bytes.IndexByte(buf[:n], Sentinel); i >= 0 {
			block.Write(buf[:i])
			return block.Bytes(), nil
		}
		block.Write(buf[:n])
	}

	if block.Len() == 0 {
		return nil, ErrNoReply
	}
	return block.Bytes(), ErrUnterminated
}
