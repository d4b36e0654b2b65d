// Package rtc is the peer-to-peer core.Transport binding: one ordered,
// reliable pion DataChannel per peer. Offers and answers are exchanged
// out of band; every description carries its complete candidate set.
package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/letterlings/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	channelLabel = "letterlings"

	// DefaultMaxBuffered bounds the bytes queued on one channel before
	// Send reports backpressure.
	DefaultMaxBuffered = 1 << 20
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

type peer struct {
	id core.PeerID
	pc *webrtc.PeerConnection

	mu   sync.Mutex
	dc   *webrtc.DataChannel
	open bool
	once sync.Once
}

type Transport struct {
	cfg         webrtc.Configuration
	maxBuffered uint64

	hmu          sync.RWMutex
	onMessage    core.MessageHandler
	onConnect    core.ConnectHandler
	onDisconnect core.DisconnectHandler

	mu     sync.RWMutex
	peers  map[core.PeerID]*peer
	closed bool
}

var _ core.Transport = (*Transport)(nil)

func New(cfg webrtc.Configuration) *Transport {
	return &Transport{
		cfg:         cfg,
		maxBuffered: DefaultMaxBuffered,
		peers:       make(map[core.PeerID]*peer),
	}
}

func (t *Transport) OnMessage(fn core.MessageHandler) {
	t.hmu.Lock()
	t.onMessage = fn
	t.hmu.Unlock()
}

func (t *Transport) OnPeerConnected(fn core.ConnectHandler) {
	t.hmu.Lock()
	t.onConnect = fn
	t.hmu.Unlock()
}

func (t *Transport) OnPeerDisconnected(fn core.DisconnectHandler) {
	t.hmu.Lock()
	t.onDisconnect = fn
	t.hmu.Unlock()
}

func (t *Transport) newPeer(id core.PeerID) (*peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, core.ErrClosed
	}
	if _, ok := t.peers[id]; ok {
		return nil, fmt.Errorf("peer %s already negotiating", id)
	}
	pc, err := webrtc.NewPeerConnection(t.cfg)
	if err != nil {
		return nil, err
	}
	p := &peer{id: id, pc: pc}
	t.peers[id] = p

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", string(id)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			t.drop(p)
		}
	})
	return p, nil
}

func (t *Transport) bind(p *peer, dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.mu.Lock()
		p.open = true
		p.mu.Unlock()
		log.Info().Str("module", "rtc").Str("peer", string(p.id)).Msg("data channel open")
		t.hmu.RLock()
		fn := t.onConnect
		t.hmu.RUnlock()
		if fn != nil {
			fn(p.id)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.hmu.RLock()
		fn := t.onMessage
		t.hmu.RUnlock()
		if fn != nil {
			fn(p.id, core.Frame(msg.Data))
		}
	})
	dc.OnClose(func() { t.drop(p) })
}

// gather sets desc as local description and waits for candidate gathering
// so the returned description needs no trickle.
func gather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	done := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	return *pc.LocalDescription(), nil
}

// CreateOffer starts a connection to id from this side.
func (t *Transport) CreateOffer(ctx context.Context, id core.PeerID) (webrtc.SessionDescription, error) {
	p, err := t.newPeer(id)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	ordered := true
	dc, err := p.pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		t.drop(p)
		return webrtc.SessionDescription{}, err
	}
	t.bind(p, dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		t.drop(p)
		return webrtc.SessionDescription{}, err
	}
	local, err := gather(ctx, p.pc, offer)
	if err != nil {
		t.drop(p)
		return webrtc.SessionDescription{}, err
	}
	return local, nil
}

// AcceptOffer answers an offer received from id.
func (t *Transport) AcceptOffer(ctx context.Context, id core.PeerID, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	p, err := t.newPeer(id)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != channelLabel {
			log.Warn().Str("module", "rtc").Str("peer", string(id)).Str("label", dc.Label()).Msg("unexpected data channel")
			return
		}
		t.bind(p, dc)
	})

	if err := p.pc.SetRemoteDescription(offer); err != nil {
		t.drop(p)
		return webrtc.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		t.drop(p)
		return webrtc.SessionDescription{}, err
	}
	local, err := gather(ctx, p.pc, answer)
	if err != nil {
		t.drop(p)
		return webrtc.SessionDescription{}, err
	}
	return local, nil
}

// ApplyAnswer completes a connection started with CreateOffer.
func (t *Transport) ApplyAnswer(id core.PeerID, answer webrtc.SessionDescription) error {
	p, ok := t.get(id)
	if !ok {
		return core.ErrUnknownPeer
	}
	return p.pc.SetRemoteDescription(answer)
}

func (t *Transport) get(id core.PeerID) (*peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return p, ok
}

func (t *Transport) Send(id core.PeerID, f core.Frame) error {
	p, ok := t.get(id)
	if !ok {
		return core.ErrUnknownPeer
	}
	return t.sendTo(p, f)
}

func (t *Transport) sendTo(p *peer, f core.Frame) error {
	p.mu.Lock()
	dc, open := p.dc, p.open
	p.mu.Unlock()
	if dc == nil || !open {
		return core.ErrClosed
	}
	if dc.BufferedAmount() > t.maxBuffered {
		return core.ErrBackpressure
	}
	return dc.Send(f)
}

func (t *Transport) Broadcast(f core.Frame, exclude ...core.PeerID) {
	t.mu.RLock()
	targets := make([]*peer, 0, len(t.peers))
	for id, p := range t.peers {
		if !excluded(id, exclude) {
			targets = append(targets, p)
		}
	}
	t.mu.RUnlock()
	for _, p := range targets {
		if err := t.sendTo(p, f); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("peer", string(p.id)).Msg("broadcast drop")
		}
	}
}

func excluded(id core.PeerID, exclude []core.PeerID) bool {
	for _, e := range exclude {
		if e == id {
			return true
		}
	}
	return false
}

func (t *Transport) Disconnect(id core.PeerID) {
	if p, ok := t.get(id); ok {
		go t.drop(p)
	}
}

// drop closes p once and reports the disconnect if its channel had opened.
func (t *Transport) drop(p *peer) {
	p.once.Do(func() {
		t.mu.Lock()
		if t.peers[p.id] == p {
			delete(t.peers, p.id)
		}
		t.mu.Unlock()

		p.mu.Lock()
		wasOpen := p.open
		p.open = false
		p.mu.Unlock()

		if err := p.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("peer", string(p.id)).Msg("close error")
		}
		if !wasOpen {
			return
		}
		t.hmu.RLock()
		fn := t.onDisconnect
		t.hmu.RUnlock()
		if fn != nil {
			fn(p.id)
		}
	})
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	peers := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()
	for _, p := range peers {
		t.drop(p)
	}
	return nil
}
