package vpntest

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ooni/whisper/internal/wisp"
)

// WispServer is a wisp server forwarding streams to real sockets. The
// zero value is invalid; use [NewWispServer].
type WispServer struct {
	// URL is the ws:// URL of the server.
	URL string

	// Refuse makes the server close every stream with [wisp.CloseConnRefused].
	Refuse bool

	srv *httptest.Server

	mu       sync.Mutex
	connects []string
}

// wispBuffer is the buffer granted to every stream.
const wispBuffer = 64

// NewWispServer starts a [WispServer]. Call Close when done.
func NewWispServer() *WispServer {
	ws := &WispServer{}
	ws.srv = httptest.NewServer(http.HandlerFunc(ws.serve))
	ws.URL = "ws" + strings.TrimPrefix(ws.srv.URL, "http") + "/"
	return ws
}

// Close shuts the server down.
func (ws *WispServer) Close() {
	ws.srv.CloseClientConnections()
	ws.srv.Close()
}

// Connects returns the host:port of every CONNECT received so far.
func (ws *WispServer) Connects() []string {
	defer ws.mu.Unlock()
	ws.mu.Lock()
	return append([]string{}, ws.connects...)
}

// wispSession is one websocket connection.
type wispSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	mu      sync.Mutex
	targets map[uint32]net.Conn
}

func (s *wispSession) write(pkt *wisp.Packet) error {
	defer s.writeMu.Unlock()
	s.writeMu.Lock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pkt.Bytes())
}

func (ws *WispServer) serve(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := &wispSession{conn: conn, targets: make(map[uint32]net.Conn)}
	defer func() {
		conn.Close()
		s.mu.Lock()
		for _, target := range s.targets {
			target.Close()
		}
		s.mu.Unlock()
	}()

	if err := s.write(wisp.NewContinuePacket(0, wispBuffer)); err != nil {
		return
	}
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		pkt, err := wisp.ParsePacket(data)
		if err != nil {
			return
		}
		switch pkt.Type {
		case wisp.TypeConnect:
			ws.connect(s, pkt)
		case wisp.TypeData:
			s.mu.Lock()
			target := s.targets[pkt.StreamID]
			s.mu.Unlock()
			if target == nil {
				continue
			}
			target.Write(pkt.Payload)
			if _, isUDP := target.(*net.UDPConn); !isUDP {
				s.write(wisp.NewContinuePacket(pkt.StreamID, wispBuffer))
			}
		case wisp.TypeClose:
			s.mu.Lock()
			if target := s.targets[pkt.StreamID]; target != nil {
				target.Close()
				delete(s.targets, pkt.StreamID)
			}
			s.mu.Unlock()
		}
	}
}

func (ws *WispServer) connect(s *wispSession, pkt *wisp.Packet) {
	st, host, port := pkt.Connect()
	address := net.JoinHostPort(host, strconv.Itoa(int(port)))
	ws.mu.Lock()
	ws.connects = append(ws.connects, address)
	refuse := ws.Refuse
	ws.mu.Unlock()

	network := "tcp"
	if st == wisp.StreamUDP {
		network = "udp"
	}
	var (
		target net.Conn
		err    error
	)
	if !refuse {
		target, err = net.Dial(network, address)
	}
	if refuse || err != nil {
		s.write(wisp.NewClosePacket(pkt.StreamID, wisp.CloseConnRefused))
		return
	}
	s.mu.Lock()
	s.targets[pkt.StreamID] = target
	s.mu.Unlock()

	go func(id uint32) {
		buf := make([]byte, 16*1024)
		for {
			n, err := target.Read(buf)
			if n > 0 {
				if s.write(wisp.NewDataPacket(id, append([]byte{}, buf[:n]...))) != nil {
					return
				}
			}
			if err != nil {
				s.mu.Lock()
				_, open := s.targets[id]
				delete(s.targets, id)
				s.mu.Unlock()
				if open {
					reason := wisp.CloseNetworkError
					if err == io.EOF {
						reason = wisp.CloseVoluntary
					}
					s.write(wisp.NewClosePacket(id, reason))
				}
				target.Close()
				return
			}
		}
	}(pkt.StreamID)
}
