package rtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PeerMonitor feeds peer connection state changes into a Coordinator. A
// failed or disconnected peer starts a fast reconnect; a peer that connects
// again completes it.
type PeerMonitor struct {
	c   *Coordinator
	log *slog.Logger
}

func NewPeerMonitor(c *Coordinator, logger *slog.Logger) *PeerMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerMonitor{c: c, log: logger}
}

// Bind registers the monitor on pc.
func (m *PeerMonitor) Bind(pc *webrtc.PeerConnection) {
	pc.OnConnectionStateChange(m.HandleState)
}

// HandleState reacts to one connection state.
func (m *PeerMonitor) HandleState(state webrtc.PeerConnectionState) {
	m.log.Debug("peer connection state", "state", state.String(), "stage", m.c.Stage())

	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		switch m.c.Stage() {
		case Disconnected, FastReconnecting, Rejoining, Migrating, Leaving, CleanUp, Idle:
			return
		}
		if err := m.c.Disconnect(StrategyFast); err != nil {
			m.log.Debug("peer disconnect ignored", "error", err)
		}
	case webrtc.PeerConnectionStateConnected:
		m.c.PeerConnected()
	}
}

// PeerSFU is an SFU session backed by a local peer connection. Joining
// produces the local offer; a fast reconnect renegotiates with an ICE
// restart.
type PeerSFU struct {
	Config webrtc.Configuration
	// Rewrite, if set, edits every local offer before it is applied.
	Rewrite func(sdp string) (string, error)
	// OnPeer is called with every new peer connection.
	OnPeer func(pc *webrtc.PeerConnection)

	mu    sync.Mutex
	pc    *webrtc.PeerConnection
	offer string
}

func (p *PeerSFU) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pc, err := webrtc.NewPeerConnection(p.Config)
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		_ = pc.Close()
		return fmt.Errorf("add audio transceiver: %w", err)
	}

	p.mu.Lock()
	old := p.pc
	p.pc, p.offer = pc, ""
	p.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	if p.OnPeer != nil {
		p.OnPeer(pc)
	}
	return nil
}

func (p *PeerSFU) Join(ctx context.Context) error { return p.negotiate(ctx, nil) }

func (p *PeerSFU) FastReconnect(ctx context.Context) error {
	return p.negotiate(ctx, &webrtc.OfferOptions{ICERestart: true})
}

// Migrate replaces the peer connection; the coordinator joins again once it
// is migrated.
func (p *PeerSFU) Migrate(ctx context.Context) error { return p.Connect(ctx) }

func (p *PeerSFU) Leave(context.Context) error {
	p.mu.Lock()
	p.offer = ""
	p.mu.Unlock()
	return nil
}

func (p *PeerSFU) Close() error {
	p.mu.Lock()
	pc := p.pc
	p.pc, p.offer = nil, ""
	p.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Close()
}

// LocalDescription returns the last applied local offer.
func (p *PeerSFU) LocalDescription() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offer
}

func (p *PeerSFU) negotiate(ctx context.Context, opts *webrtc.OfferOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return errNotConnected
	}

	offer, err := pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if p.Rewrite != nil {
		if offer.SDP, err = p.Rewrite(offer.SDP); err != nil {
			return fmt.Errorf("rewrite offer: %w", err)
		}
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	p.mu.Lock()
	p.offer = offer.SDP
	p.mu.Unlock()
	return nil
}

var errNotConnected = errors.New("peer connection not established")
