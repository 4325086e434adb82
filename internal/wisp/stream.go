package wisp

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Stream is a wisp stream. It implements [net.Conn]. For UDP streams each
// Write is one datagram and each Read returns at most one datagram.
type Stream struct {
	mux     *Mux
	id      uint32
	st      StreamType
	address string

	// mu protects the fields below.
	mu       sync.Mutex
	queue    [][]byte
	credit   uint32
	err      error
	closed   bool
	readable chan struct{}
	granted  chan struct{}

	// done is closed once the stream is terminated locally or remotely.
	done     chan struct{}
	doneOnce sync.Once

	readDeadline  *deadline
	writeDeadline *deadline
}

var _ net.Conn = &Stream{}

func newStream(mux *Mux, id uint32, st StreamType, address string) *Stream {
	return &Stream{
		mux:           mux,
		id:            id,
		st:            st,
		address:       address,
		credit:        mux.buffer,
		readable:      make(chan struct{}, 1),
		granted:       make(chan struct{}, 1),
		done:          make(chan struct{}),
		readDeadline:  newDeadline(),
		writeDeadline: newDeadline(),
	}
}

// ID returns the stream ID.
func (s *Stream) ID() uint32 {
	return s.id
}

// deliver queues incoming data.
func (s *Stream) deliver(data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, data)
	s.mu.Unlock()
	poke(s.readable)
}

// grant replaces the remaining buffer with the value the server sent.
func (s *Stream) grant(buffer uint32) {
	s.mu.Lock()
	s.credit = buffer
	s.mu.Unlock()
	poke(s.granted)
}

// terminate marks the stream as finished. A nil err means a clean EOF.
func (s *Stream) terminate(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Read implements net.Conn.
func (s *Stream) Read(b []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, net.ErrClosed
		}
		if len(s.queue) > 0 {
			n := copy(b, s.queue[0])
			if s.st == StreamUDP || n == len(s.queue[0]) {
				s.queue = s.queue[1:]
			} else {
				s.queue[0] = s.queue[0][n:]
			}
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()

		select {
		case <-s.readable:
		case <-s.done:
			s.mu.Lock()
			pending, err := len(s.queue), s.err
			s.mu.Unlock()
			if pending > 0 {
				continue
			}
			if err == nil {
				err = io.EOF
			}
			return 0, err
		case <-s.readDeadline.wait():
			return 0, os.ErrDeadlineExceeded
		}
	}
}

// Write implements net.Conn. TCP writes consume one buffer unit per packet
// and block while the server has not granted more.
func (s *Stream) Write(b []byte) (int, error) {
	if s.st == StreamUDP {
		if err := s.writeable(); err != nil {
			return 0, err
		}
		return len(b), s.sendPacket(NewDataPacket(s.id, append([]byte{}, b...)))
	}
	written := 0
	for written < len(b) {
		if err := s.acquire(); err != nil {
			return written, err
		}
		chunk := b[written:]
		if len(chunk) > maxPayload {
			chunk = chunk[:maxPayload]
		}
		if err := s.sendPacket(NewDataPacket(s.id, append([]byte{}, chunk...))); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

// maxPayload is the largest DATA payload we send.
const maxPayload = 32 * 1024

func (s *Stream) writeable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	select {
	case <-s.done:
		if s.err != nil {
			return s.err
		}
		return io.ErrClosedPipe
	default:
		return nil
	}
}

// acquire takes one buffer unit, blocking until one is available.
func (s *Stream) acquire() error {
	for {
		if err := s.writeable(); err != nil {
			return err
		}
		s.mu.Lock()
		if s.credit > 0 {
			s.credit--
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		select {
		case <-s.granted:
		case <-s.done:
		case <-s.writeDeadline.wait():
			return os.ErrDeadlineExceeded
		}
	}
}

func (s *Stream) sendPacket(pkt *Packet) error {
	select {
	case <-s.writeDeadline.wait():
		return os.ErrDeadlineExceeded
	default:
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.writeDeadline.wait():
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := s.mux.send(ctx, pkt); err != nil {
		if ctx.Err() != nil {
			return os.ErrDeadlineExceeded
		}
		return err
	}
	return nil
}

// Close implements net.Conn. It sends a voluntary CLOSE unless the stream
// is already finished.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	select {
	case <-s.done:
	default:
		s.mux.forget(s.id)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.mux.send(ctx, NewClosePacket(s.id, CloseVoluntary))
	}
	s.terminate(net.ErrClosed)
	return nil
}

// LocalAddr implements net.Conn.
func (s *Stream) LocalAddr() net.Addr {
	return &Addr{Net: s.network(), Address: "wisp:" + s.mux.conn.LocalAddr().String()}
}

// RemoteAddr implements net.Conn.
func (s *Stream) RemoteAddr() net.Addr {
	return &Addr{Net: s.network(), Address: s.address}
}

func (s *Stream) network() string {
	if s.st == StreamUDP {
		return "udp"
	}
	return "tcp"
}

// SetDeadline implements net.Conn.
func (s *Stream) SetDeadline(t time.Time) error {
	s.readDeadline.set(t)
	s.writeDeadline.set(t)
	return nil
}

// SetReadDeadline implements net.Conn.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.readDeadline.set(t)
	return nil
}

// SetWriteDeadline implements net.Conn.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.writeDeadline.set(t)
	return nil
}

// Addr is the [net.Addr] of a wisp stream.
type Addr struct {
	Net     string
	Address string
}

var _ net.Addr = &Addr{}

// Network implements net.Addr.
func (a *Addr) Network() string {
	return a.Net
}

// String implements net.Addr.
func (a *Addr) String() string {
	return a.Address
}

// deadline is a settable deadline whose wait channel is closed when the
// deadline expires.
type deadline struct {
	mu     sync.Mutex
	timer  *time.Timer
	cancel chan struct{}
}

func newDeadline() *deadline {
	return &deadline{cancel: make(chan struct{})}
}

// set arms the deadline. The zero time disarms it.
func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && !d.timer.Stop() {
		<-d.cancel // wait for the timer callback to close it
	}
	d.timer = nil

	closed := isClosed(d.cancel)
	if t.IsZero() {
		if closed {
			d.cancel = make(chan struct{})
		}
		return
	}

	if dur := time.Until(t); dur > 0 {
		if closed {
			d.cancel = make(chan struct{})
		}
		cancel := d.cancel
		d.timer = time.AfterFunc(dur, func() {
			close(cancel)
		})
		return
	}

	if !closed {
		close(d.cancel)
	}
}

// wait returns a channel closed when the deadline expires.
func (d *deadline) wait() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel
}

func isClosed(c chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
