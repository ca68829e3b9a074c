package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rudransh-shrivastava/nguli/internal/discovery"
	"github.com/rudransh-shrivastava/nguli/internal/logger"
	"github.com/rudransh-shrivastava/nguli/internal/protocol"
	"github.com/rudransh-shrivastava/nguli/internal/transport"
	"github.com/sirupsen/logrus"
)

const DefaultPingInterval = 10 * time.Second

var ErrClientClosed = errors.New("rendezvous client closed")

var (
	_ discovery.Browser  = (*Client)(nil)
	_ transport.Signaler = (*Client)(nil)
)

type ClientConfig struct {
	URL string
	// PeerID defaults to a random UUID.
	PeerID       transport.PeerID
	PingInterval time.Duration
	Clock        clockwork.Clock
	Logger       *logrus.Logger
}

// Client is a peer's connection to a rendezvous server.
type Client struct {
	id     transport.PeerID
	conn   *websocket.Conn
	codec  *protocol.Codec
	clock  clockwork.Clock
	logger *logrus.Logger

	writeMu sync.Mutex
	seq     atomic.Uint64

	handlerMu sync.Mutex
	service   string
	handler   func(discovery.Event)

	signals   chan transport.Signal
	errs      chan *protocol.Error
	done      chan struct{}
	closeOnce sync.Once
}

func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.PeerID == "" {
		cfg.PeerID = transport.PeerID(uuid.NewString())
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewLogger()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rendezvous %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &Client{
		id:      cfg.PeerID,
		conn:    conn,
		codec:   protocol.NewCodec(),
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		signals: make(chan transport.Signal, 16),
		errs:    make(chan *protocol.Error, 16),
		done:    make(chan struct{}),
	}

	if err := c.send(ctx, &protocol.Hello{PeerID: string(c.id)}); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.readLoop()
	go c.pingLoop(cfg.PingInterval)

	c.logger.WithFields(logrus.Fields{"url": cfg.URL, "id": c.id}).Debug("Connected to rendezvous")
	return c, nil
}

func (c *Client) ID() transport.PeerID {
	return c.id
}

// Advertise publishes this peer as a host of service.
func (c *Client) Advertise(ctx context.Context, service string, info map[string]string) error {
	return c.send(ctx, &protocol.Advertise{Service: service, Info: info})
}

func (c *Client) Withdraw(ctx context.Context, service string) error {
	return c.send(ctx, &protocol.Withdraw{Service: service})
}

// Browse reports adverts in service to handler, starting with the ones
// already known to the server. A later Browse replaces the handler.
func (c *Client) Browse(ctx context.Context, service string, handler func(discovery.Event)) error {
	c.handlerMu.Lock()
	c.service = service
	c.handler = handler
	c.handlerMu.Unlock()

	return c.send(ctx, &protocol.Browse{Service: service})
}

func (c *Client) StopBrowse() error {
	c.handlerMu.Lock()
	service := c.service
	c.service = ""
	c.handler = nil
	c.handlerMu.Unlock()

	if service == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.send(ctx, &protocol.StopBrowse{Service: service})
}

func (c *Client) SendSignal(ctx context.Context, peer transport.PeerID, payload []byte) error {
	return c.send(ctx, &protocol.Signal{To: string(peer), Payload: payload})
}

func (c *Client) RecvSignal() <-chan transport.Signal {
	return c.signals
}

// Errors carries error replies from the server. Replies are dropped when
// nobody reads them.
func (c *Client) Errors() <-chan *protocol.Error {
	return c.errs
}

// Done is closed once the connection to the server is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	data, err := c.codec.EncodeToBytes(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type(), err)
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type(), err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer func() { _ = c.Close() }()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warnf("Lost connection to rendezvous: %v", err)
			}
			return
		}

		msg, err := c.codec.DecodeFromBytes(data)
		if err != nil {
			c.logger.Debugf("Dropping malformed message: %v", err)
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.PeerFound:
		c.dispatch(m.Service, discovery.Event{
			Kind: discovery.PeerFound,
			Peer: transport.PeerID(m.PeerID),
			Info: m.Info,
		})

	case *protocol.PeerLost:
		c.dispatch(m.Service, discovery.Event{
			Kind: discovery.PeerLost,
			Peer: transport.PeerID(m.PeerID),
		})

	case *protocol.Signal:
		select {
		case c.signals <- transport.Signal{PeerID: transport.PeerID(m.From), Payload: m.Payload}:
		case <-c.done:
		}

	case *protocol.Pong:
		c.logger.Debugf("Pong %d", m.Seq)

	case *protocol.Error:
		c.logger.Warnf("Rendezvous error %s: %s", m.Code, m.Message)
		select {
		case c.errs <- m:
		default:
		}

	default:
		c.logger.Debugf("Unhandled message type %s", msg.Type())
	}
}

func (c *Client) dispatch(service string, ev discovery.Event) {
	c.handlerMu.Lock()
	handler := c.handler
	current := c.service
	c.handlerMu.Unlock()

	if handler == nil || service != current {
		return
	}
	handler(ev)
}

// pingLoop keeps this peer's advertisement alive.
func (c *Client) pingLoop(interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.send(ctx, &protocol.Ping{Seq: c.seq.Add(1)})
			cancel()
			if err != nil && !errors.Is(err, ErrClientClosed) {
				c.logger.Warnf("Failed to ping rendezvous: %v", err)
			}
		}
	}
}
