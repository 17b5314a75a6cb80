package tessitura

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

const (
	streamChunk   = 4096
	datagramMax   = 8192
	streamPending = 1 << 16 // unterminated bytes held before the stream buffer is discarded
)

// Transport is the byte source the engine reads frames from.
// ReadFrame never blocks longer than the configured timeout.
// Every OS error is reported as "no frame"; Alive says whether
// the source is still usable or needs a reconnect.
type Transport interface {
	ReadFrame() ([]byte, bool)
	Alive() bool
	RxBytes() uint64
	Close() error
}

// OpenTransport builds the transport named by the config
func OpenTransport(ctx context.Context, tc TransportConfig, channels int) (Transport, error) {
	switch tc.Mode {
	case ModeSerial:
		return OpenSerial(tc.Device, tc.Baud, tc.ReadTimeout())
	case ModeStream:
		return DialStream(ctx, tc.Address(), tc.ReadTimeout())
	case ModeDatagram:
		return ListenDatagram(tc.Address(), tc.ReadTimeout())
	case ModeSynthetic:
		return NewSyntheticTransport(channels, tc.ReadTimeout(), time.Now().UnixNano()), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport mode %q", ErrInvalidConfig, tc.Mode)
	}
}

// isTimeout distinguishes a read deadline from a fatal socket error
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

////////// RELIABLE STREAM

// StreamTransport reads LF-terminated frames from a connected byte stream.
// More bytes are pulled only when no LF is already buffered, so a chunk
// holding several frames is drained over several calls without a read.
type StreamTransport struct {
	conn    net.Conn
	timeout time.Duration
	buf     []byte
	alive   atomic.Bool
	rx      atomic.Uint64
}

// DialStream connects to addr, bounded by timeout
func DialStream(ctx context.Context, addr string, timeout time.Duration) (*StreamTransport, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	slog.Info("Stream transport connected", slog.String("addr", addr))
	return NewStreamTransport(conn, timeout), nil
}

// NewStreamTransport wraps an established connection
func NewStreamTransport(conn net.Conn, timeout time.Duration) *StreamTransport {
	st := &StreamTransport{
		conn:    conn,
		timeout: timeout,
		buf:     make([]byte, 0, streamChunk),
	}
	st.alive.Store(true)
	return st
}

func (st *StreamTransport) ReadFrame() ([]byte, bool) {
	if frame, ok := st.popLine(); ok {
		return frame, true
	}
	if !st.alive.Load() {
		return nil, false
	}

	if err := st.conn.SetReadDeadline(time.Now().Add(st.timeout)); err != nil {
		st.alive.Store(false)
		return nil, false
	}

	chunk := make([]byte, streamChunk)
	n, err := st.conn.Read(chunk)
	if n > 0 {
		st.rx.Add(uint64(n))
		st.buf = append(st.buf, chunk[:n]...)
	}
	if err != nil && !isTimeout(err) {
		// EOF is the peer closing, same as a reset for our purposes
		if !errors.Is(err, io.EOF) {
			slog.Debug("Stream read failed", slog.Any("Error", err))
		}
		st.alive.Store(false)
	}

	if frame, ok := st.popLine(); ok {
		return frame, true
	}
	if len(st.buf) > streamPending {
		slog.Warn("Discarding unterminated stream data", slog.Int("bytes", len(st.buf)))
		st.buf = st.buf[:0]
	}
	return nil, false
}

// popLine returns the bytes up to and including the first LF
func (st *StreamTransport) popLine() ([]byte, bool) {
	i := bytes.IndexByte(st.buf, '\n')
	if i < 0 {
		return nil, false
	}
	frame := make([]byte, i+1)
	copy(frame, st.buf[:i+1])
	st.buf = append(st.buf[:0], st.buf[i+1:]...)
	return frame, true
}

func (st *StreamTransport) Alive() bool     { return st.alive.Load() }
func (st *StreamTransport) RxBytes() uint64 { return st.rx.Load() }

func (st *StreamTransport) Close() error {
	st.alive.Store(false)
	return st.conn.Close()
}

////////// DATAGRAM

// DatagramTransport treats every received datagram as one frame
type DatagramTransport struct {
	conn    net.PacketConn
	timeout time.Duration
	alive   atomic.Bool
	rx      atomic.Uint64
}

// ListenDatagram binds a local UDP address
func ListenDatagram(addr string, timeout time.Duration) (*DatagramTransport, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	slog.Info("Datagram transport bound", slog.String("addr", conn.LocalAddr().String()))

	dt := &DatagramTransport{
		conn:    conn,
		timeout: timeout,
	}
	dt.alive.Store(true)
	return dt, nil
}

func (dt *DatagramTransport) ReadFrame() ([]byte, bool) {
	if !dt.alive.Load() {
		return nil, false
	}
	if err := dt.conn.SetReadDeadline(time.Now().Add(dt.timeout)); err != nil {
		dt.alive.Store(false)
		return nil, false
	}

	buf := make([]byte, datagramMax)
	n, _, err := dt.conn.ReadFrom(buf)
	if err != nil {
		if !isTimeout(err) {
			slog.Debug("Datagram read failed", slog.Any("Error", err))
			dt.alive.Store(false)
		}
		return nil, false
	}
	if n == 0 {
		return nil, false
	}
	dt.rx.Add(uint64(n))
	return buf[:n], true
}

// LocalAddr is where the transport is listening
func (dt *DatagramTransport) LocalAddr() net.Addr { return dt.conn.LocalAddr() }

func (dt *DatagramTransport) Alive() bool     { return dt.alive.Load() }
func (dt *DatagramTransport) RxBytes() uint64 { return dt.rx.Load() }

func (dt *DatagramTransport) Close() error {
	dt.alive.Store(false)
	return dt.conn.Close()
}
