// Package rendezvous relays service advertisements and session signalling
// between peers over websockets. Hosts advertise a service with a small
// info map; clients browse a service and are told about current and future
// adverts; signals are forwarded between peers by id.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rudransh-shrivastava/nguli/internal/logger"
	"github.com/rudransh-shrivastava/nguli/internal/protocol"
	"github.com/sirupsen/logrus"
)

const (
	DefaultAdvertTTL     = 30 * time.Second
	DefaultSweepInterval = 5 * time.Second

	sendBufferSize = 64
	maxMessageSize = 64 * 1024
	writeTimeout   = 10 * time.Second
)

type Config struct {
	Addr          string
	DBPath        string
	AdvertTTL     time.Duration
	SweepInterval time.Duration
	Clock         clockwork.Clock
	Logger        *logrus.Logger
}

type Server struct {
	config     Config
	logger     *logrus.Logger
	clock      clockwork.Clock
	store      *Store
	codec      *protocol.Codec
	upgrader   websocket.Upgrader
	listener   net.Listener
	httpServer *http.Server

	mu       sync.RWMutex
	peers    map[string]*peerConn
	browsers map[string]map[*peerConn]struct{}

	done         chan struct{}
	shutdownOnce sync.Once
}

type peerConn struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (p *peerConn) enqueue(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// close stops accepting messages. Already queued messages are still
// written before the websocket is closed.
func (p *peerConn) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.AdvertTTL <= 0 {
		cfg.AdvertTTL = DefaultAdvertTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewLogger()
	}

	db, err := OpenDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		store:  NewStore(db),
		codec:  protocol.NewCodec(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		listener: listener,
		peers:    make(map[string]*peerConn),
		browsers: make(map[string]map[*peerConn]struct{}),
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// URL is the websocket address clients dial.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + "/"
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.Addr()).Info("Rendezvous server started")

	go s.sweep(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		_ = s.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down rendezvous server")
		close(s.done)

		err = s.httpServer.Close()
		_ = s.listener.Close()

		s.mu.Lock()
		for _, p := range s.peers {
			p.close()
		}
		s.mu.Unlock()

		if sqlDB, dbErr := s.store.DB.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
	})
	return err
}

func (s *Server) sweep(ctx context.Context) {
	ticker := s.clock.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.Chan():
			s.expire()
		}
	}
}

// expire drops adverts whose owner has not pinged within AdvertTTL.
func (s *Server) expire() {
	expired, err := s.store.DeleteExpired(s.clock.Now().Add(-s.config.AdvertTTL))
	if err != nil {
		s.logger.Errorf("Failed to expire advertisements: %v", err)
		return
	}

	for _, ad := range expired {
		s.logger.WithField("peer", ad.PeerID).Info("Advertisement expired")
		s.broadcast(ad.Service, nil, &protocol.PeerLost{PeerID: ad.PeerID, Service: ad.Service})
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("Failed to upgrade connection: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	p := &peerConn{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	go s.writePump(p)
	s.readPump(p)
}

func (s *Server) writePump(p *peerConn) {
	defer func() { _ = p.conn.Close() }()

	for data := range p.send {
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			s.logger.WithField("addr", p.conn.RemoteAddr().String()).Debugf("Failed to write message: %v", err)
			return
		}
	}

	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) readPump(p *peerConn) {
	remoteAddr := p.conn.RemoteAddr().String()
	s.logger.WithField("addr", remoteAddr).Debug("Peer connected")
	defer func() {
		s.unregister(p)
		s.logger.WithFields(logrus.Fields{"addr": remoteAddr, "peer": p.id}).Info("Peer disconnected")
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.WithField("addr", remoteAddr).Debugf("Failed to read message: %v", err)
			}
			return
		}

		msg, err := s.codec.DecodeFromBytes(data)
		if err != nil {
			s.sendError(p, protocol.ErrInvalidMsg, "malformed message")
			continue
		}

		if p.id == "" {
			if !s.handleHello(p, msg) {
				return
			}
			continue
		}
		s.handleMessage(p, msg)
	}
}

func (s *Server) handleHello(p *peerConn, msg protocol.Message) bool {
	hello, ok := msg.(*protocol.Hello)
	if !ok {
		s.sendError(p, protocol.ErrNotHello, "first message must be HELLO")
		return false
	}
	if hello.PeerID == "" || len(hello.PeerID) > protocol.MaxPeerIDSize {
		s.sendError(p, protocol.ErrInvalidMsg, "invalid peer id")
		return false
	}

	s.mu.Lock()
	if _, taken := s.peers[hello.PeerID]; taken {
		s.mu.Unlock()
		s.sendError(p, protocol.ErrInvalidMsg, "peer id already in use")
		return false
	}
	p.id = hello.PeerID
	s.peers[p.id] = p
	s.mu.Unlock()

	s.logger.WithField("peer", p.id).Info("Peer registered")
	return true
}

func (s *Server) handleMessage(p *peerConn, msg protocol.Message) {
	log := s.logger.WithField("peer", p.id)

	switch m := msg.(type) {
	case *protocol.Ping:
		if err := s.store.Touch(p.id, s.clock.Now()); err != nil {
			log.Warnf("Failed to refresh advertisement: %v", err)
		}
		s.send(p, &protocol.Pong{Seq: m.Seq})

	case *protocol.Advertise:
		if m.Service == "" {
			s.sendError(p, protocol.ErrInvalidMsg, "service is required")
			return
		}
		ad := Advertisement{
			PeerID:   p.id,
			Service:  m.Service,
			Info:     m.Info,
			LastSeen: s.clock.Now().UnixNano(),
		}
		if err := s.store.Upsert(ad); err != nil {
			log.Errorf("Failed to store advertisement: %v", err)
			s.sendError(p, protocol.ErrInternal, "failed to store advertisement")
			return
		}
		log.WithField("service", m.Service).Info("Peer advertised")
		s.broadcast(m.Service, p, &protocol.PeerFound{PeerID: p.id, Service: m.Service, Info: m.Info})

	case *protocol.Withdraw:
		s.withdraw(p.id)

	case *protocol.Browse:
		if m.Service == "" {
			s.sendError(p, protocol.ErrInvalidMsg, "service is required")
			return
		}
		s.mu.Lock()
		if s.browsers[m.Service] == nil {
			s.browsers[m.Service] = make(map[*peerConn]struct{})
		}
		s.browsers[m.Service][p] = struct{}{}
		s.mu.Unlock()

		ads, err := s.store.ByService(m.Service)
		if err != nil {
			log.Errorf("Failed to list advertisements: %v", err)
			s.sendError(p, protocol.ErrInternal, "failed to list advertisements")
			return
		}
		for _, ad := range ads {
			if ad.PeerID == p.id {
				continue
			}
			s.send(p, &protocol.PeerFound{PeerID: ad.PeerID, Service: ad.Service, Info: ad.Info})
		}
		log.WithField("service", m.Service).Debugf("Peer browsing, %d current adverts", len(ads))

	case *protocol.StopBrowse:
		s.mu.Lock()
		for service, set := range s.browsers {
			if m.Service == "" || m.Service == service {
				delete(set, p)
			}
		}
		s.mu.Unlock()

	case *protocol.Signal:
		s.mu.RLock()
		target, ok := s.peers[m.To]
		s.mu.RUnlock()
		if !ok {
			s.sendError(p, protocol.ErrPeerNotFound, fmt.Sprintf("peer %s not found", m.To))
			return
		}
		s.send(target, &protocol.Signal{From: p.id, To: m.To, Payload: m.Payload})

	default:
		log.Warnf("Unhandled message type %s", msg.Type())
		s.sendError(p, protocol.ErrInvalidMsg, "unexpected "+msg.Type().String())
	}
}

func (s *Server) withdraw(peerID string) {
	ad, err := s.store.Remove(peerID)
	if err != nil {
		s.logger.WithField("peer", peerID).Errorf("Failed to remove advertisement: %v", err)
		return
	}
	if ad == nil {
		return
	}
	s.broadcast(ad.Service, nil, &protocol.PeerLost{PeerID: peerID, Service: ad.Service})
}

func (s *Server) unregister(p *peerConn) {
	p.close()
	if p.id == "" {
		return
	}

	s.mu.Lock()
	owned := s.peers[p.id] == p
	if owned {
		delete(s.peers, p.id)
	}
	for _, set := range s.browsers {
		delete(set, p)
	}
	s.mu.Unlock()

	if owned {
		s.withdraw(p.id)
	}
}

// broadcast sends msg to every browser of service except skip.
func (s *Server) broadcast(service string, skip *peerConn, msg protocol.Message) {
	s.mu.RLock()
	targets := make([]*peerConn, 0, len(s.browsers[service]))
	for p := range s.browsers[service] {
		if p != skip {
			targets = append(targets, p)
		}
	}
	s.mu.RUnlock()

	for _, p := range targets {
		s.send(p, msg)
	}
}

func (s *Server) send(p *peerConn, msg protocol.Message) {
	data, err := s.codec.EncodeToBytes(msg)
	if err != nil {
		s.logger.Errorf("Failed to encode %s: %v", msg.Type(), err)
		return
	}
	if !p.enqueue(data) {
		s.logger.WithField("peer", p.id).Debug("Peer not accepting messages, closing connection")
		p.close()
	}
}

func (s *Server) sendError(p *peerConn, code protocol.ErrorCode, message string) {
	s.send(p, &protocol.Error{Code: code, Message: message})
}
