package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultMaxLineSize bounds a single record. Larger records fail with ErrLineTooLong.
const DefaultMaxLineSize = 16 << 20

var (
	// ErrEmbeddedNewline is returned when a record to be written contains '\n'.
	ErrEmbeddedNewline = errors.New("transport: record contains embedded newline")
	// ErrTruncated is returned when the stream ends in the middle of a record.
	ErrTruncated = errors.New("transport: truncated record")
	// ErrLineTooLong is returned when a record exceeds the maximum line size.
	ErrLineTooLong = errors.New("transport: record too long")
	// ErrClosed is returned when the connection has been closed locally.
	ErrClosed = errors.New("transport: connection closed")
)

// Conn is one end of a line-framed duplex connection.
// Reads are expected from a single goroutine; writes are serialized.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex // Protects writer

	maxLineSize int

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an established net.Conn.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		conn:        c,
		reader:      bufio.NewReader(c),
		maxLineSize: DefaultMaxLineSize,
		closed:      make(chan struct{}),
	}
}

// SetMaxLineSize changes the per-record limit. Values <= 0 restore the default.
func (c *Conn) SetMaxLineSize(n int) {
	if n <= 0 {
		n = DefaultMaxLineSize
	}
	c.maxLineSize = n
}

// WriteLine writes one record followed by '\n'.
func (c *Conn) WriteLine(record []byte) error {
	if bytes.IndexByte(record, '\n') >= 0 {
		return ErrEmbeddedNewline
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	buf := make([]byte, 0, len(record)+1)
	buf = append(buf, record...)
	buf = append(buf, '\n')
	if _, err := c.conn.Write(buf); err != nil {
		select {
		case <-c.closed:
			return ErrClosed
		default:
		}
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// ReadLine blocks until one complete record is available and returns it
// without its terminator. A trailing '\r' is stripped as well.
// It returns io.EOF when the peer closed the stream between records.
func (c *Conn) ReadLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		if len(line)+len(chunk) > c.maxLineSize {
			return nil, ErrLineTooLong
		}
		line = append(line, chunk...)

		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(line) > 0 {
				return nil, fmt.Errorf("%w (%d bytes)", ErrTruncated, len(line))
			}
			return nil, io.EOF
		}
		select {
		case <-c.closed:
			return nil, ErrClosed
		default:
		}
		return nil, err
	}

	line = bytes.TrimSuffix(line, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return line, nil
}

// SetReadDeadline bounds the next ReadLine. A zero value removes the deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close closes the connection. The peer observes end of stream.
// It is safe to call Close more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// truncate shortens a record for error messages.
func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}

// Preview returns a shortened, printable form of a record for log and error messages.
func Preview(record []byte) string {
	return truncate(record, 120)
}
