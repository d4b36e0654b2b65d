package local

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/letterlings/internal/core"
)

type inbox struct {
	mu     sync.Mutex
	frames []string
	got    chan struct{}
}

func newInbox() *inbox { return &inbox{got: make(chan struct{}, 1024)} }

func (in *inbox) handle(_ core.PeerID, f core.Frame) {
	in.mu.Lock()
	in.frames = append(in.frames, string(f))
	in.mu.Unlock()
	in.got <- struct{}{}
}

func (in *inbox) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-in.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d of %d", i+1, n)
		}
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.frames...)
}

func TestOrderedDeliveryBothWays(t *testing.T) {
	hub := NewHub(0)
	server := newInbox()
	hub.OnMessage(server.handle)

	conn, err := hub.Connect("a")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	client := newInbox()
	conn.OnMessage(client.handle)

	for i := 0; i < 50; i++ {
		if err := conn.Send(core.ServerPeer, core.Frame(fmt.Sprint(i))); err != nil {
			t.Fatalf("send up: %v", err)
		}
		if err := hub.Send("a", core.Frame(fmt.Sprint(i))); err != nil {
			t.Fatalf("send down: %v", err)
		}
	}
	up := server.wait(t, 50)
	down := client.wait(t, 50)
	for i := 0; i < 50; i++ {
		if up[i] != fmt.Sprint(i) || down[i] != fmt.Sprint(i) {
			t.Fatalf("out of order at %d: up=%s down=%s", i, up[i], down[i])
		}
	}
}

func TestFramesHeldUntilHandler(t *testing.T) {
	hub := NewHub(0)
	hub.OnPeerConnected(func(peer core.PeerID) {
		_ = hub.Send(peer, core.Frame("welcome"))
	})
	conn, err := hub.Connect("a")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	client := newInbox()
	conn.OnMessage(client.handle)
	if got := client.wait(t, 1); got[0] != "welcome" {
		t.Fatalf("expected welcome, got %v", got)
	}
}

func TestBroadcastExcludes(t *testing.T) {
	hub := NewHub(0)
	a, _ := hub.Connect("a")
	b, _ := hub.Connect("b")
	ia, ib := newInbox(), newInbox()
	a.OnMessage(ia.handle)
	b.OnMessage(ib.handle)

	hub.Broadcast(core.Frame("x"), "a")
	if got := ib.wait(t, 1); got[0] != "x" {
		t.Fatalf("b expected x, got %v", got)
	}
	time.Sleep(20 * time.Millisecond)
	ia.mu.Lock()
	defer ia.mu.Unlock()
	if len(ia.frames) != 0 {
		t.Fatalf("excluded peer received %v", ia.frames)
	}
}

func TestDisconnectFiresOnBothEnds(t *testing.T) {
	hub := NewHub(0)
	gone := make(chan core.PeerID, 1)
	hub.OnPeerDisconnected(func(peer core.PeerID) { gone <- peer })

	conn, _ := hub.Connect("a")
	clientGone := make(chan struct{})
	conn.OnPeerDisconnected(func(core.PeerID) { close(clientGone) })
	client := newInbox()
	conn.OnMessage(client.handle)

	_ = hub.Send("a", core.Frame("bye"))
	hub.Disconnect("a")

	select {
	case p := <-gone:
		if p != "a" {
			t.Fatalf("unexpected peer %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("hub never saw the disconnect")
	}
	select {
	case <-clientGone:
	case <-time.After(2 * time.Second):
		t.Fatalf("client never saw the disconnect")
	}
	if got := client.wait(t, 1); got[0] != "bye" {
		t.Fatalf("pending frame must be delivered before disconnect, got %v", got)
	}
	if err := hub.Send("a", core.Frame("late")); !errors.Is(err, core.ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
	if err := conn.Send(core.ServerPeer, core.Frame("late")); !errors.Is(err, core.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestReconnectKeepsNewLink(t *testing.T) {
	hub := NewHub(0)
	gone := make(chan core.PeerID, 2)
	hub.OnPeerDisconnected(func(peer core.PeerID) { gone <- peer })
	server := newInbox()
	hub.OnMessage(server.handle)

	old, _ := hub.Connect("a")
	oldGone := make(chan struct{})
	old.OnPeerDisconnected(func(core.PeerID) { close(oldGone) })
	old.OnMessage(newInbox().handle)

	fresh, err := hub.Connect("a")
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	client := newInbox()
	fresh.OnMessage(client.handle)

	select {
	case <-oldGone:
	case <-time.After(2 * time.Second):
		t.Fatalf("replaced link never closed")
	}
	select {
	case p := <-gone:
		t.Fatalf("replacing a link must not report %s as gone", p)
	case <-time.After(50 * time.Millisecond):
	}

	if err := hub.Send("a", core.Frame("still here")); err != nil {
		t.Fatalf("send to the new link: %v", err)
	}
	if got := client.wait(t, 1); got[0] != "still here" {
		t.Fatalf("unexpected frames %v", got)
	}
	if err := fresh.Send(core.ServerPeer, core.Frame("up")); err != nil {
		t.Fatalf("send up: %v", err)
	}
	if got := server.wait(t, 1); got[0] != "up" {
		t.Fatalf("unexpected frames %v", got)
	}
}

func TestBackpressure(t *testing.T) {
	hub := NewHub(2)
	if _, err := hub.Connect("a"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// no handler registered, so nothing drains
	var err error
	for i := 0; i < 3; i++ {
		err = hub.Send("a", core.Frame("f"))
	}
	if !errors.Is(err, core.ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}
}

func TestClosedHubRefusesConnect(t *testing.T) {
	hub := NewHub(0)
	_ = hub.Close()
	if _, err := hub.Connect("a"); !errors.Is(err, core.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
