package ws

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/letterlings/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Client is a participant's socket to the host authority. Its only peer
// is core.ServerPeer. Frames that arrive before OnMessage is registered
// are held until it is.
type Client struct {
	handlers
	cfg  Config
	conn *wsConn

	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
}

var _ core.Transport = (*Client)(nil)

func Dial(ctx context.Context, url string, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		cfg:   cfg,
		conn:  newWSConn(core.ServerPeer, ws, cfg.SendQueue),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go c.run()
	log.Debug().Str("module", "adapters.ws").Str("url", url).Msg("dialed")
	return c, nil
}

func (c *Client) run() {
	var pumps conc.WaitGroup
	pumps.Go(func() { c.conn.writePump(c.cfg) })
	pumps.Go(func() {
		<-c.ready
		c.conn.readPump(c.cfg, func(f core.Frame) { c.message(core.ServerPeer, f) })
	})
	pumps.Wait()
	close(c.done)
	c.disconnected(core.ServerPeer)
}

func (c *Client) OnMessage(fn core.MessageHandler) {
	c.handlers.OnMessage(fn)
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Client) Send(peer core.PeerID, f core.Frame) error {
	if peer != core.ServerPeer {
		return core.ErrUnknownPeer
	}
	return c.conn.TrySend(f)
}

func (c *Client) Broadcast(f core.Frame, _ ...core.PeerID) {
	_ = c.conn.TrySend(f)
}

func (c *Client) Disconnect(core.PeerID) { _ = c.Close() }

// Close flushes queued frames and closes the socket without waiting for
// the pumps.
func (c *Client) Close() error {
	c.conn.Close()
	c.readyOnce.Do(func() { close(c.ready) })
	return nil
}

// Done is closed once both pumps have exited.
func (c *Client) Done() <-chan struct{} { return c.done }
