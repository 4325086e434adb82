// Package wisp implements a client for the wisp v1 protocol, which
// multiplexes TCP and UDP streams over a single websocket connection.
package wisp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ooni/whisper/internal/model"
	"github.com/ooni/whisper/internal/workers"
)

var (
	// ErrHandshake indicates that the server did not send the initial CONTINUE.
	ErrHandshake = errors.New("wisp: handshake failed")

	// ErrMuxClosed indicates that the websocket connection is gone.
	ErrMuxClosed = errors.New("wisp: mux closed")

	// ErrUnsupportedNetwork indicates an unsupported network for DialContext.
	ErrUnsupportedNetwork = errors.New("wisp: unsupported network")
)

// writeQueueSize is the size of the outgoing packet queue.
const writeQueueSize = 64

// Mux is a wisp client multiplexing streams over a websocket. The zero
// value is invalid; use [Dial].
type Mux struct {
	// conn is the websocket connection. We OWN it.
	conn *websocket.Conn

	// logger is the logger to use.
	logger model.Logger

	// manager controls the reader and writer workers.
	manager *workers.Manager

	// outgoing is the queue of serialized packets to write.
	outgoing chan []byte

	// buffer is the initial per-stream buffer the server granted.
	buffer uint32

	// mu protects streams and nextID.
	mu sync.Mutex

	// streams contains the open streams.
	streams map[uint32]*Stream

	// nextID is the ID of the next stream. Zero is reserved.
	nextID uint32
}

var _ model.Dialer = &Mux{}

// Dial connects to the wisp server at remoteURL. When dialer is nil we use
// the default net dialer. Dial returns after the server has granted the
// initial stream buffer.
func Dial(ctx context.Context, remoteURL string, dialer model.Dialer, logger model.Logger) (*Mux, error) {
	wsDialer := &websocket.Dialer{
		Proxy:            nil,
		HandshakeTimeout: 45 * time.Second,
	}
	if dialer != nil {
		wsDialer.NetDialContext = dialer.DialContext
	}
	conn, _, err := wsDialer.DialContext(ctx, remoteURL, nil)
	if err != nil {
		return nil, err
	}

	// the server speaks first, granting the initial buffer on stream zero
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	pkt, err := readPacket(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrHandshake, err)
	}
	if pkt.Type != TypeContinue || pkt.StreamID != 0 {
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected %s on stream %d", ErrHandshake, pkt.Type, pkt.StreamID)
	}
	conn.SetReadDeadline(time.Time{})

	m := &Mux{
		conn:     conn,
		logger:   logger,
		manager:  workers.NewManager(logger),
		outgoing: make(chan []byte, writeQueueSize),
		buffer:   pkt.Buffer(),
		mu:       sync.Mutex{},
		streams:  make(map[uint32]*Stream),
		nextID:   1,
	}
	logger.Debugf("wisp: connected to %s (buffer=%d)", remoteURL, m.buffer)
	m.manager.StartWorker(m.readWorker) // TAKES conn ownership
	m.manager.StartWorker(m.writeWorker)
	return m, nil
}

// readPacket reads and parses the next binary message.
func readPacket(conn *websocket.Conn) (*Packet, error) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return ParsePacket(data)
	}
}

// DialContext opens a new stream. The network must be one of "tcp",
// "tcp4", "tcp6", "udp", "udp4" or "udp6". The returned conn reports
// errors the server sends only on the first Read, because wisp does not
// acknowledge CONNECT.
func (m *Mux) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var st StreamType
	switch network {
	case "tcp", "tcp4", "tcp6":
		st = StreamTCP
	case "udp", "udp4", "udp6":
		st = StreamUDP
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	host, portString, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portString, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("wisp: invalid port %q: %w", portString, err)
	}

	m.mu.Lock()
	select {
	case <-m.manager.ShouldShutdown():
		m.mu.Unlock()
		return nil, ErrMuxClosed
	default:
	}
	id := m.nextID
	m.nextID++
	stream := newStream(m, id, st, address)
	m.streams[id] = stream
	m.mu.Unlock()

	if err := m.send(ctx, NewConnectPacket(id, st, host, uint16(port))); err != nil {
		m.forget(id)
		return nil, err
	}
	m.logger.Debugf("wisp: stream %d: connect %s/%s", id, network, address)
	return stream, nil
}

// Done returns a channel closed when the mux is shutting down.
func (m *Mux) Done() <-chan any {
	return m.manager.ShouldShutdown()
}

// Close closes every stream and the websocket connection and waits for
// the workers to exit. It is safe to call more than once.
func (m *Mux) Close() error {
	m.manager.StartShutdown()
	m.manager.WaitWorkersShutdown()
	return nil
}

// send enqueues pkt for writing.
func (m *Mux) send(ctx context.Context, pkt *Packet) error {
	select {
	case m.outgoing <- pkt.Bytes():
		return nil
	case <-m.manager.ShouldShutdown():
		return ErrMuxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stream returns the stream with the given id, if any.
func (m *Mux) stream(id uint32) (*Stream, bool) {
	defer m.mu.Unlock()
	m.mu.Lock()
	s, ok := m.streams[id]
	return s, ok
}

// forget removes a stream from the table.
func (m *Mux) forget(id uint32) {
	defer m.mu.Unlock()
	m.mu.Lock()
	delete(m.streams, id)
}

// readWorker dispatches incoming packets to the streams.
func (m *Mux) readWorker() {
	defer func() {
		// tear down everything else because a worker exited
		m.manager.StartShutdown()

		// we OWN the connection
		m.conn.Close()

		// any stream still open is now broken
		m.mu.Lock()
		for id, s := range m.streams {
			s.terminate(ErrMuxClosed)
			delete(m.streams, id)
		}
		m.mu.Unlock()

		m.manager.OnWorkerDone("wisp: readWorker")
	}()

	m.logger.Debug("wisp: readWorker: started")

	go func() {
		// unblock ReadMessage on shutdown
		<-m.manager.ShouldShutdown()
		m.conn.Close()
	}()

	for {
		// POSSIBLY BLOCK reading the next message
		pkt, err := readPacket(m.conn)
		if err != nil {
			select {
			case <-m.manager.ShouldShutdown():
			default:
				m.logger.Infof("wisp: readWorker: %s", err.Error())
			}
			return
		}
		m.dispatch(pkt)
	}
}

// dispatch delivers pkt to its stream.
func (m *Mux) dispatch(pkt *Packet) {
	stream, ok := m.stream(pkt.StreamID)
	if !ok {
		if pkt.StreamID != 0 {
			m.logger.Debugf("wisp: %s for unknown stream %d", pkt.Type, pkt.StreamID)
		}
		return
	}
	switch pkt.Type {
	case TypeData:
		stream.deliver(pkt.Payload)
	case TypeContinue:
		stream.grant(pkt.Buffer())
	case TypeClose:
		m.forget(pkt.StreamID)
		reason := pkt.Reason()
		m.logger.Debugf("wisp: stream %d: closed by server: %s", pkt.StreamID, reason)
		if reason == CloseVoluntary {
			stream.terminate(nil)
			return
		}
		stream.terminate(&CloseError{Reason: reason})
	default:
		m.logger.Warnf("wisp: unexpected %s on stream %d", pkt.Type, pkt.StreamID)
	}
}

// writeWorker writes the queued packets.
func (m *Mux) writeWorker() {
	defer func() {
		m.manager.StartShutdown()
		m.manager.OnWorkerDone("wisp: writeWorker")
	}()

	m.logger.Debug("wisp: writeWorker: started")

	for {
		select {
		case data := <-m.outgoing:
			// POSSIBLY BLOCK writing the message
			if err := m.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				m.logger.Infof("wisp: writeWorker: %s", err.Error())
				return
			}

		case <-m.manager.ShouldShutdown():
			m.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		}
	}
}

// CloseError is the error returned when the server closes a stream for a
// reason other than a voluntary close.
type CloseError struct {
	Reason CloseReason
}

// Error implements error.
func (e *CloseError) Error() string {
	return "wisp: stream closed: " + e.Reason.String()
}
