// Package controller owns the connection lifecycle of a gamepad client:
// pairing-code discovery, the connection timeout and the input send path.
//
// All state lives in a single goroutine (Run). Discovery events, session
// callbacks and timer expiries are queued onto it and tagged with the
// attempt generation they belong to, so callbacks from a superseded
// attempt are dropped.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rudransh-shrivastava/nguli/internal/discovery"
	"github.com/rudransh-shrivastava/nguli/internal/logger"
	"github.com/rudransh-shrivastava/nguli/internal/protocol"
	"github.com/rudransh-shrivastava/nguli/internal/transport"
	"github.com/sirupsen/logrus"
)

const (
	DefaultConnectionTimeout = 5 * time.Second
	DefaultMaxReconnects     = 3
)

var (
	ErrEmptyCode         = errors.New("pairing code is empty")
	ErrConnectionTimeout = errors.New("connection timed out")
	ErrClosed            = errors.New("controller closed")
	ErrAlreadyRunning    = errors.New("controller already running")
)

type Options struct {
	Browser discovery.Browser
	Session transport.Session

	Clock  clockwork.Clock
	Logger *logrus.Logger

	ConnectionTimeout time.Duration
	InvitationTimeout time.Duration

	Reconnect ReconnectPolicy
	// MaxReconnects bounds automatic reconnects per Connect. Zero disables
	// them; a negative value selects DefaultMaxReconnects.
	MaxReconnects int
}

type Stats struct {
	FramesSent   uint64
	SendFailures uint64
}

type Controller struct {
	session   transport.Session
	discovery *discovery.Discovery
	clock     clockwork.Clock
	logger    *logrus.Logger
	codec     protocol.FrameCodec

	timeout       time.Duration
	reconnect     ReconnectPolicy
	maxReconnects int

	queue     *eventQueue
	running   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the Run goroutine.
	runCtx     context.Context
	generation uint64
	attempt    uint64
	state      State
	code       string
	peer       transport.PeerID
	timer      clockwork.Timer
	reconnects int

	// The send gate is published together with the status it belongs to.
	snapshot     atomic.Pointer[snapshot]
	framesSent   atomic.Uint64
	sendFailures atomic.Uint64

	subMu   sync.Mutex
	subs    map[int]chan Status
	nextSub int
}

// New builds a controller and registers it as the session listener.
func New(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = DefaultConnectionTimeout
	}
	if opts.MaxReconnects < 0 {
		opts.MaxReconnects = DefaultMaxReconnects
	}

	c := &Controller{
		session: opts.Session,
		discovery: discovery.New(opts.Browser, opts.Session, discovery.Options{
			InvitationTimeout: opts.InvitationTimeout,
			Logger:            opts.Logger,
		}),
		clock:         opts.Clock,
		logger:        opts.Logger,
		timeout:       opts.ConnectionTimeout,
		reconnect:     opts.Reconnect,
		maxReconnects: opts.MaxReconnects,
		queue:         newEventQueue(),
		done:          make(chan struct{}),
		runCtx:        context.Background(),
		subs:          make(map[int]chan Status),
	}
	c.snapshot.Store(&snapshot{status: Status{State: Idle}})
	opts.Session.SetListener(sessionListener{c})
	return c
}

// Run processes events until ctx is cancelled or Close is called. Any
// session still open is torn down on the way out, and later calls fail
// with ErrClosed.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.Close()
	c.runCtx = ctx

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-c.done:
			c.shutdown()
			return nil
		case <-c.queue.ready():
			for _, fn := range c.queue.drain() {
				fn()
			}
		}
	}
}

func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Connect starts a new attempt for code, replacing any attempt or session
// already in progress. It returns once the attempt is armed; the outcome
// is reported through Status and Subscribe.
func (c *Controller) Connect(ctx context.Context, code string) error {
	if code == "" {
		return ErrEmptyCode
	}
	return c.do(ctx, func() error {
		c.reconnects = 0
		return c.startAttempt(ctx, code, OutcomeNone)
	})
}

// Disconnect returns the controller to Idle. It is a no-op when already
// Idle.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.state == Idle {
			return nil
		}
		c.teardown()
		c.reset(OutcomeDisconnected)
		c.logger.Info("Disconnected")
		return nil
	})
}

// HandleFrame sends frame to the connected host. Frames arriving while no
// host is connected are dropped.
func (c *Controller) HandleFrame(frame protocol.InputFrame) {
	if !c.snapshot.Load().sending {
		return
	}

	data, err := c.codec.Encode(frame)
	if err != nil {
		c.logger.Warnf("Dropping invalid input frame: %v", err)
		return
	}

	if err := c.session.Send(data); err != nil {
		c.sendFailures.Add(1)
		c.logger.Warnf("Failed to send input frame: %v", err)
		return
	}
	c.framesSent.Add(1)
}

func (c *Controller) Status() Status {
	return c.snapshot.Load().status
}

// Subscribe returns a channel carrying the latest status. A slow reader
// only ever sees the newest value. The current status is delivered
// immediately.
func (c *Controller) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.Status()
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

func (c *Controller) Stats() Stats {
	return Stats{
		FramesSent:   c.framesSent.Load(),
		SendFailures: c.sendFailures.Load(),
	}
}

// Peers lists the hosts seen by the current browse session.
func (c *Controller) Peers() []transport.PeerID {
	return c.discovery.Peers()
}

// do runs fn on the controller goroutine and waits for its result.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	c.queue.push(func() {
		reply <- fn()
	})

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) startAttempt(ctx context.Context, code string, outcome Outcome) error {
	if c.state != Idle {
		c.teardown()
	}

	c.generation++
	c.attempt++
	gen := c.generation

	sink := func(ev discovery.Event) {
		c.queue.push(func() { c.handleDiscoveryEvent(gen, ev) })
	}
	if err := c.discovery.StartBrowsing(ctx, code, sink); err != nil {
		c.reset(OutcomeFailed)
		return fmt.Errorf("failed to start discovery: %w", err)
	}

	c.state = Connecting
	c.code = code
	c.peer = ""
	c.timer = c.clock.AfterFunc(c.timeout, func() {
		c.queue.push(func() { c.handleTimeout(gen) })
	})
	c.publish(outcome)

	c.logger.WithFields(logrus.Fields{
		"code":    code,
		"attempt": c.attempt,
	}).Info("Looking for host")
	return nil
}

func (c *Controller) handleDiscoveryEvent(gen uint64, ev discovery.Event) {
	if gen != c.generation || c.state != Connecting {
		c.logger.WithField("peer", ev.Peer).Debugf("Ignoring stale %s event", ev.Kind)
		return
	}

	switch ev.Kind {
	case discovery.PeerFound:
		if _, err := c.discovery.HandlePeerFound(c.runCtx, ev.Peer, ev.Info); err != nil {
			c.logger.WithField("peer", ev.Peer).Warnf("Invitation failed: %v", err)
		}
	case discovery.PeerLost:
		c.discovery.HandlePeerLost(ev.Peer)
	}
}

func (c *Controller) handlePeerState(peer transport.PeerID, state transport.PeerState) {
	log := c.logger.WithField("peer", peer)

	switch state {
	case transport.Connected:
		if c.state == Connected && c.peer == peer {
			return
		}
		if c.state != Connecting || !c.discovery.Invited(peer) {
			log.Warn("Dropping connection that belongs to no current attempt")
			if err := c.session.DropPeer(peer); err != nil {
				log.Debugf("Failed to drop peer: %v", err)
			}
			return
		}

		c.stopTimer()
		if err := c.discovery.StopBrowsing(); err != nil {
			log.Warnf("Failed to stop browsing: %v", err)
		}
		c.state = Connected
		c.peer = peer
		c.publish(OutcomeConnected)
		log.Info("Connected to host")

	case transport.NotConnected:
		if c.state != Connected || c.peer != peer {
			log.Debug("Peer left")
			return
		}

		c.closeSendPath()
		code := c.code
		log.Warn("Lost connection to host")

		if c.reconnect == ReconnectAuto && c.reconnects < c.maxReconnects {
			c.reconnects++
			log.Infof("Reconnecting (%d/%d)", c.reconnects, c.maxReconnects)
			if err := c.startAttempt(c.runCtx, code, OutcomePeerLost); err != nil {
				log.Errorf("Failed to reconnect: %v", err)
			}
			return
		}
		c.teardown()
		c.reset(OutcomePeerLost)

	case transport.Connecting:
		log.Debug("Peer connecting")
	}
}

func (c *Controller) handleTimeout(gen uint64) {
	if gen != c.generation || c.state != Connecting {
		c.logger.Debug("Ignoring stale connection timeout")
		return
	}

	c.timer = nil
	c.logger.WithField("code", c.code).Warnf("%v after %s", ErrConnectionTimeout, c.timeout)
	c.teardown()
	c.reset(OutcomeTimedOut)
}

// teardown releases the timer, discovery and the session. It leaves the
// published status alone.
func (c *Controller) teardown() {
	c.stopTimer()
	c.closeSendPath()
	if err := c.discovery.StopBrowsing(); err != nil {
		c.logger.Warnf("Failed to stop browsing: %v", err)
	}
	if err := c.session.Disconnect(); err != nil {
		c.logger.Warnf("Failed to disconnect session: %v", err)
	}
}

func (c *Controller) reset(outcome Outcome) {
	c.generation++
	c.state = Idle
	c.code = ""
	c.peer = ""
	c.publish(outcome)
}

func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) shutdown() {
	if c.state == Idle {
		return
	}
	c.teardown()
	c.reset(OutcomeDisconnected)
}

// closeSendPath stops HandleFrame from sending without publishing a new
// status.
func (c *Controller) closeSendPath() {
	current := c.snapshot.Load()
	if !current.sending {
		return
	}
	c.snapshot.Store(&snapshot{status: current.status})
}

func (c *Controller) publish(outcome Outcome) {
	status := &Status{
		State:   c.state,
		Code:    c.code,
		Peer:    c.peer,
		Attempt: c.attempt,
		Outcome: outcome,
	}
	c.snapshot.Store(&snapshot{status: *status, sending: c.state == Connected})

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- *status:
		default:
		}
	}
}

type snapshot struct {
	status  Status
	sending bool
}

type sessionListener struct {
	c *Controller
}

func (l sessionListener) PeerStateChanged(peer transport.PeerID, state transport.PeerState) {
	l.c.queue.push(func() { l.c.handlePeerState(peer, state) })
}

// DataReceived logs host messages; the client does not act on them.
func (l sessionListener) DataReceived(peer transport.PeerID, data []byte) {
	log := l.c.logger.WithField("peer", peer)
	frame, err := l.c.codec.Decode(data)
	if err != nil {
		log.Debugf("Dropping malformed message: %v", err)
		return
	}
	log.Debugf("Received %+v", frame)
}
