// Package echoserver is a small WebSocket peer that echoes or broadcasts what it
// receives. It backs the asyncws tests, the wsc CLI serve command and the metrics example.
package echoserver

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/TheSmallBoat/asyncws/logs"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Mode int

const (
	Echo      Mode = iota // reply to the sender only
	Broadcast             // relay to every connected peer, sender included
)

var ErrServerClosed = errors.New("echoserver: server closed")

const writeWait = 5 * time.Second

type Server struct {
	Mode     Mode
	Upgrader websocket.Upgrader

	mu     sync.Mutex
	peers  map[*peer]struct{}
	closed bool
	wg     sync.WaitGroup
}

type peer struct {
	mu   sync.Mutex // serializes writes
	conn *websocket.Conn
}

func (p *peer) write(typ int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return p.conn.WriteMessage(typ, data)
}

func New(mode Mode) *Server {
	return &Server{Mode: mode}
}

func (s *Server) register(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if s.peers == nil {
		s.peers = make(map[*peer]struct{})
	}
	s.peers[p] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) deregister(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()

	s.wg.Done()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	p := &peer{conn: conn}
	if !s.register(p) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closed"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	defer s.deregister(p)
	defer conn.Close()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch s.Mode {
		case Broadcast:
			s.Broadcast(typ, data)
		default:
			if err := p.write(typ, data); err != nil {
				return
			}
		}
	}
}

// Broadcast writes one message to every connected peer and returns how many accepted it.
func (s *Server) Broadcast(typ int, data []byte) int {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	n := 0
	for _, p := range peers {
		if err := p.write(typ, data); err != nil {
			logs.Debug("broadcast write failed", zap.String("peer", p.conn.RemoteAddr().String()), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close sends a going-away close frame to every peer, drops them and waits for their
// handlers to return. Later upgrades are refused.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closed")
	for _, p := range peers {
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = p.conn.Close()
	}

	s.wg.Wait()
	return nil
}
