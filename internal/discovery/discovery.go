// Package discovery browses for hosts advertising a pairing code and
// invites the ones that match.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/nguli/internal/logger"
	"github.com/rudransh-shrivastava/nguli/internal/protocol"
	"github.com/rudransh-shrivastava/nguli/internal/transport"
	"github.com/sirupsen/logrus"
)

type EventKind int

const (
	PeerFound EventKind = iota
	PeerLost
)

func (k EventKind) String() string {
	switch k {
	case PeerFound:
		return "PEER_FOUND"
	case PeerLost:
		return "PEER_LOST"
	default:
		return "UNKNOWN"
	}
}

// Event is a browser observation. Info is only set for PeerFound.
type Event struct {
	Kind EventKind
	Peer transport.PeerID
	Info map[string]string
}

// Browser watches a service namespace and reports peers through handler
// until StopBrowse is called. handler may be called from any goroutine.
type Browser interface {
	Browse(ctx context.Context, service string, handler func(Event)) error
	StopBrowse() error
}

type Inviter interface {
	Invite(ctx context.Context, peer transport.PeerID, timeout time.Duration) error
}

type Options struct {
	Service           string
	InvitationTimeout time.Duration
	Logger            *logrus.Logger
}

type Discovery struct {
	browser Browser
	inviter Inviter
	service string
	timeout time.Duration
	logger  *logrus.Logger

	mu       sync.Mutex
	browsing bool
	code     string
	peers    map[transport.PeerID]map[string]string
	invited  map[transport.PeerID]struct{}
}

func New(browser Browser, inviter Inviter, opts Options) *Discovery {
	if opts.Service == "" {
		opts.Service = protocol.ServiceType
	}
	if opts.InvitationTimeout <= 0 {
		opts.InvitationTimeout = transport.DefaultInvitationTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}

	return &Discovery{
		browser: browser,
		inviter: inviter,
		service: opts.Service,
		timeout: opts.InvitationTimeout,
		logger:  opts.Logger,
		peers:   make(map[transport.PeerID]map[string]string),
		invited: make(map[transport.PeerID]struct{}),
	}
}

// StartBrowsing begins a new browse session filtered by code. A running
// session is stopped first and its bookkeeping discarded.
func (d *Discovery) StartBrowsing(ctx context.Context, code string, sink func(Event)) error {
	if err := d.StopBrowsing(); err != nil {
		d.logger.Warnf("Failed to stop previous browse session: %v", err)
	}

	d.mu.Lock()
	d.code = code
	d.peers = make(map[transport.PeerID]map[string]string)
	d.invited = make(map[transport.PeerID]struct{})
	d.browsing = true
	d.mu.Unlock()

	if err := d.browser.Browse(ctx, d.service, sink); err != nil {
		d.mu.Lock()
		d.browsing = false
		d.code = ""
		d.mu.Unlock()
		return fmt.Errorf("failed to browse %s: %w", d.service, err)
	}

	d.logger.WithField("service", d.service).Debug("Browsing for hosts")
	return nil
}

// HandlePeerFound invites peer when its advertised code matches the one
// given to StartBrowsing. It reports whether an invitation was issued.
func (d *Discovery) HandlePeerFound(ctx context.Context, peer transport.PeerID, info map[string]string) (bool, error) {
	d.mu.Lock()
	if !d.browsing {
		d.mu.Unlock()
		return false, nil
	}
	d.peers[peer] = info

	log := d.logger.WithField("peer", peer)
	if advertised, ok := info[protocol.CodeKey]; !ok || advertised != d.code {
		d.mu.Unlock()
		log.Debug("Ignoring host with a different pairing code")
		return false, nil
	}
	if _, ok := d.invited[peer]; ok {
		d.mu.Unlock()
		return false, nil
	}
	d.invited[peer] = struct{}{}
	d.mu.Unlock()

	log.Info("Found host, sending invitation")
	if err := d.inviter.Invite(ctx, peer, d.timeout); err != nil {
		d.mu.Lock()
		delete(d.invited, peer)
		d.mu.Unlock()
		return false, fmt.Errorf("failed to invite %s: %w", peer, err)
	}
	return true, nil
}

func (d *Discovery) HandlePeerLost(peer transport.PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, peer)
	d.logger.WithField("peer", peer).Debug("Host lost")
}

// Invited reports whether peer was invited during the current browse
// session. The record survives StopBrowsing until the next StartBrowsing.
func (d *Discovery) Invited(peer transport.PeerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.invited[peer]
	return ok
}

func (d *Discovery) Browsing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.browsing
}

func (d *Discovery) Peers() []transport.PeerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	peers := make([]transport.PeerID, 0, len(d.peers))
	for id := range d.peers {
		peers = append(peers, id)
	}
	return peers
}

// StopBrowsing is safe to call when not browsing.
func (d *Discovery) StopBrowsing() error {
	d.mu.Lock()
	if !d.browsing {
		d.mu.Unlock()
		return nil
	}
	d.browsing = false
	d.peers = make(map[transport.PeerID]map[string]string)
	d.mu.Unlock()

	if err := d.browser.StopBrowse(); err != nil {
		return fmt.Errorf("failed to stop browsing: %w", err)
	}
	d.logger.Debug("Stopped browsing")
	return nil
}
