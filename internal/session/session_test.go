package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/letterlings/internal/adapters/local"
	"github.com/dkeye/letterlings/internal/app/orch"
	"github.com/dkeye/letterlings/internal/core"
	"github.com/dkeye/letterlings/internal/domain"
	"github.com/dkeye/letterlings/internal/netsync"
	"github.com/dkeye/letterlings/internal/proto"
	"github.com/dkeye/letterlings/internal/registry"
)

type recorder struct {
	mu     sync.Mutex
	states []State
	closed chan string
	errs   chan error
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan string, 8), errs: make(chan error, 8)}
}

func (r *recorder) OnStateChange(_, to State) {
	r.mu.Lock()
	r.states = append(r.states, to)
	r.mu.Unlock()
}

func (r *recorder) OnRoomClosed(reason string) { r.closed <- reason }
func (r *recorder) OnError(err error)          { r.errs <- err }

func (r *recorder) seen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

type worldLog struct {
	mu     sync.Mutex
	joined []domain.ParticipantID
	left   []domain.ParticipantID
	events []proto.Message
}

func (w *worldLog) ParticipantJoined(p domain.Participant) {
	w.mu.Lock()
	w.joined = append(w.joined, p.ID)
	w.mu.Unlock()
}

func (w *worldLog) ParticipantLeft(id domain.ParticipantID) {
	w.mu.Lock()
	w.left = append(w.left, id)
	w.mu.Unlock()
}

func (w *worldLog) Event(m proto.Message) {
	w.mu.Lock()
	w.events = append(w.events, m)
	w.mu.Unlock()
}

func (w *worldLog) counts() (joined, left, events int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.joined), len(w.left), len(w.events)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type authority struct {
	hub *local.Hub
	o   *orch.Orchestrator
}

func newAuthority(t *testing.T) *authority {
	t.Helper()
	return newAuthorityWith(t, orch.Config{})
}

func newAuthorityWith(t *testing.T, cfg orch.Config) *authority {
	t.Helper()
	hub := local.NewHub(0)
	o := orch.New(hub, registry.NewMemory(registry.Options{}), cfg)
	t.Cleanup(func() { _ = hub.Close() })
	return &authority{hub: hub, o: o}
}

func (a *authority) connector() Connector {
	return func(context.Context) (core.Transport, error) {
		return a.hub.Connect(core.PeerID(domain.NewParticipantID()))
	}
}

func testConfig() Config {
	return Config{
		ConnectTimeout:    time.Second,
		HandshakeTimeout:  time.Second,
		ReconnectInitial:  10 * time.Millisecond,
		ReconnectMax:      40 * time.Millisecond,
		ReconnectAttempts: 3,
	}
}

func newTestSession(t *testing.T, connect Connector, name string, role domain.Role) (*Session, *recorder, *worldLog) {
	t.Helper()
	rec, world := newRecorder(), &worldLog{}
	s := New(testConfig(), netsync.Config{Interval: 10 * time.Millisecond}, connect, Identity{Name: name, Role: role}, rec, world)
	t.Cleanup(s.Leave)
	return s, rec, world
}

func hostAndJoin(t *testing.T, a *authority) (*Session, *Session, *worldLog) {
	t.Helper()
	ctx := context.Background()
	host, _, hostWorld := newTestSession(t, a.connector(), "Host", "")
	code, err := host.Host(ctx, "level-1", 3)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	joiner, _, _ := newTestSession(t, a.connector(), "Ada", "")
	if err := joiner.Join(ctx, code); err != nil {
		t.Fatalf("join: %v", err)
	}
	return host, joiner, hostWorld
}

func TestHostAndJoinSynchronize(t *testing.T) {
	a := newAuthority(t)
	ctx := context.Background()

	host, hostRec, hostWorld := newTestSession(t, a.connector(), "Host", "")
	code, err := host.Host(ctx, "level-1", 3)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	if host.State() != Synchronized || !host.IsHost() || host.RoomCode() != code || host.LevelID() != "level-1" {
		t.Fatalf("host not synchronized: state=%s code=%s", host.State(), host.RoomCode())
	}
	want := []State{Connecting, AwaitingRoomInfo, Synchronized}
	got := hostRec.seen()
	if len(got) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, got)
		}
	}

	joiner, _, _ := newTestSession(t, a.connector(), "Ada", "")
	if err := joiner.Join(ctx, code); err != nil {
		t.Fatalf("join: %v", err)
	}
	snap := joiner.Snapshot()
	if len(snap) != 2 || !snap[0].IsHost || snap[1].ID != joiner.LocalID() {
		t.Fatalf("joiner mirror must list host then self: %+v", snap)
	}
	eventually(t, "host to see the joiner", func() bool {
		j, _, _ := hostWorld.counts()
		return j == 1 && len(host.Snapshot()) == 2
	})
}

func TestMirrorSizedByRoomCapacity(t *testing.T) {
	a := newAuthorityWith(t, orch.Config{MaxParticipants: 6})
	ctx := context.Background()

	host, _, _ := newTestSession(t, a.connector(), "Host", "")
	code, err := host.Host(ctx, "level-1", 0)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	var last *Session
	for i := 0; i < 5; i++ {
		joiner, _, _ := newTestSession(t, a.connector(), "Ada", "")
		if err := joiner.Join(ctx, code); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
		last = joiner
	}
	if got := len(last.Snapshot()); got != 6 {
		t.Fatalf("last joiner must mirror 6 participants, got %d", got)
	}
	eventually(t, "host to mirror the full room", func() bool {
		return len(host.Snapshot()) == 6
	})
}

func TestUpdatesReachTheOtherSide(t *testing.T) {
	a := newAuthority(t)
	host, joiner, _ := hostAndJoin(t, a)

	pos := domain.Vec2{X: 40, Y: 12}
	if err := joiner.UpdateLocal(pos, domain.Vec2{}, 7); err != nil {
		t.Fatalf("update: %v", err)
	}
	if sent, err := joiner.Tick(time.Now()); err != nil || !sent {
		t.Fatalf("first tick must send: sent=%v err=%v", sent, err)
	}

	id := joiner.LocalID()
	eventually(t, "host mirror to apply the update", func() bool {
		for _, p := range host.Snapshot() {
			if p.ID == id {
				return p.Position == pos && p.Score == 7
			}
		}
		return false
	})
	views := host.Render(time.Now())
	if len(views) != 1 || views[0].Participant.ID != id {
		t.Fatalf("host must render exactly the joiner: %+v", views)
	}
	if q, ok := host.Quality(id, time.Now()); !ok || q != netsync.QualityGood {
		t.Fatalf("fresh update must be good quality, got %s %v", q, ok)
	}
}

func TestCollectAnnouncesScore(t *testing.T) {
	a := newAuthority(t)
	host, joiner, hostWorld := hostAndJoin(t, a)

	if err := joiner.Collect("l-1", "A", 10); err != nil {
		t.Fatalf("collect: %v", err)
	}
	id := joiner.LocalID()
	eventually(t, "host to apply the claim", func() bool {
		_, _, events := hostWorld.counts()
		p, ok := findParticipant(host.Snapshot(), id)
		return events > 0 && ok && p.Score == 10
	})
	if self, _ := findParticipant(joiner.Snapshot(), id); self.Score != 10 {
		t.Fatalf("local score must include the claim, got %d", self.Score)
	}
}

func findParticipant(snap []domain.Participant, id domain.ParticipantID) (domain.Participant, bool) {
	for _, p := range snap {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Participant{}, false
}

func TestRoleChecksAreLocal(t *testing.T) {
	a := newAuthority(t)
	_, joiner, _ := hostAndJoin(t, a)

	if err := joiner.StartGame(); !errors.Is(err, domain.ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}
	if err := joiner.Spawn("e-1", "cloud", domain.Vec2{}, nil); !errors.Is(err, domain.ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}
	if err := joiner.Hint("hint", "left!"); !errors.Is(err, domain.ErrNotObserver) {
		t.Fatalf("expected ErrNotObserver, got %v", err)
	}

	idle, _, _ := newTestSession(t, a.connector(), "Idle", "")
	if err := idle.UpdateLocal(domain.Vec2{}, domain.Vec2{}, 0); !errors.Is(err, ErrNotSynchronized) {
		t.Fatalf("expected ErrNotSynchronized, got %v", err)
	}
	if idle.Render(time.Now()) != nil {
		t.Fatalf("idle session must not render")
	}
}

func TestJoinErrorsMapToDomain(t *testing.T) {
	a := newAuthority(t)
	ctx := context.Background()
	host, _, _ := newTestSession(t, a.connector(), "Host", "")
	code, err := host.Host(ctx, "level-1", 2)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	second, _, _ := newTestSession(t, a.connector(), "Two", "")
	if err := second.Join(ctx, code); err != nil {
		t.Fatalf("join: %v", err)
	}

	third, _, _ := newTestSession(t, a.connector(), "Three", "")
	if err := third.Join(ctx, code); !errors.Is(err, domain.ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
	if third.State() != Disconnected {
		t.Fatalf("failed join must end disconnected, got %s", third.State())
	}

	lost, _, _ := newTestSession(t, a.connector(), "Lost", "")
	if err := lost.Join(ctx, "9999"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	if err := lost.Join(ctx, "no!"); !errors.Is(err, domain.ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload for a malformed code, got %v", err)
	}
}

func TestConnectTimeout(t *testing.T) {
	blocking := func(ctx context.Context) (core.Transport, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s, _, _ := newTestSession(t, blocking, "Slow", "")
	s.cfg.ConnectTimeout = 30 * time.Millisecond
	if err := s.Join(context.Background(), "1234"); !errors.Is(err, domain.ErrConnectionTimeout) {
		t.Fatalf("expected ErrConnectionTimeout, got %v", err)
	}
	if s.State() != Disconnected {
		t.Fatalf("expected disconnected, got %s", s.State())
	}
}

func TestHandshakeTimeout(t *testing.T) {
	silent := local.NewHub(0)
	t.Cleanup(func() { _ = silent.Close() })
	connect := func(context.Context) (core.Transport, error) {
		return silent.Connect(core.PeerID(domain.NewParticipantID()))
	}
	s, _, _ := newTestSession(t, connect, "Waiting", "")
	s.cfg.HandshakeTimeout = 30 * time.Millisecond
	if err := s.Join(context.Background(), "1234"); !errors.Is(err, domain.ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	eventually(t, "the abandoned link to close", func() bool { return len(silent.Peers()) == 0 })
}

func TestLeaveCancelsHandshake(t *testing.T) {
	silent := local.NewHub(0)
	t.Cleanup(func() { _ = silent.Close() })
	connect := func(context.Context) (core.Transport, error) {
		return silent.Connect(core.PeerID(domain.NewParticipantID()))
	}
	s, rec, _ := newTestSession(t, connect, "Quitter", "")

	result := make(chan error, 1)
	go func() { result <- s.Join(context.Background(), "1234") }()
	eventually(t, "the handshake to start", func() bool { return s.State() == AwaitingRoomInfo })
	s.Leave()

	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("join never returned")
	}
	before := len(rec.seen())
	time.Sleep(20 * time.Millisecond)
	if after := len(rec.seen()); after != before {
		t.Fatalf("no callbacks may fire after leave, got %v", rec.seen()[before:])
	}
}

func TestLeaveNotifiesRoom(t *testing.T) {
	a := newAuthority(t)
	host, joiner, hostWorld := hostAndJoin(t, a)

	joiner.Leave()
	eventually(t, "host to see the joiner leave", func() bool {
		_, left, _ := hostWorld.counts()
		return left == 1 && len(host.Snapshot()) == 1
	})
	if joiner.State() != Disconnected {
		t.Fatalf("expected disconnected after leave, got %s", joiner.State())
	}
}

func TestJoinerReconnects(t *testing.T) {
	a := newAuthority(t)
	ctx := context.Background()
	host, _, _ := newTestSession(t, a.connector(), "Host", "")
	code, err := host.Host(ctx, "level-1", 3)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	joiner, rec, world := newTestSession(t, a.connector(), "Ada", "")
	if err := joiner.Join(ctx, code); err != nil {
		t.Fatalf("join: %v", err)
	}
	first := joiner.LocalID()

	a.hub.Disconnect(core.PeerID(first))

	eventually(t, "the joiner to rejoin", func() bool {
		return joiner.State() == Synchronized && joiner.LocalID() != first
	})
	if joiner.RoomCode() != code {
		t.Fatalf("reconnect must rejoin %s, got %s", code, joiner.RoomCode())
	}
	eventually(t, "the host to be despawned then respawned", func() bool {
		joined, left, _ := world.counts()
		return joined == 2 && left == 1
	})
	states := rec.seen()
	if states[len(states)-1] != Synchronized {
		t.Fatalf("unexpected transitions %v", states)
	}
}

func TestJoinerStopsWhenRoomIsGone(t *testing.T) {
	a := newAuthority(t)
	ctx := context.Background()
	host, _, _ := newTestSession(t, a.connector(), "Host", "")
	code, err := host.Host(ctx, "level-1", 3)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	joiner, rec, _ := newTestSession(t, a.connector(), "Ada", "")
	if err := joiner.Join(ctx, code); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Close the room without telling the joiner, then cut its link.
	if err := a.o.Registry.Remove(ctx, code); err != nil {
		t.Fatalf("remove: %v", err)
	}
	a.hub.Disconnect(core.PeerID(joiner.LocalID()))

	select {
	case err := <-rec.errs:
		if !errors.Is(err, domain.ErrRoomNotFound) {
			t.Fatalf("expected ErrRoomNotFound, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reconnect never gave up")
	}
	eventually(t, "joiner to settle disconnected", func() bool { return joiner.State() == Disconnected })
}

func TestHostLossIsTerminal(t *testing.T) {
	a := newAuthority(t)
	ctx := context.Background()
	host, hostRec, _ := newTestSession(t, a.connector(), "Host", "")
	code, err := host.Host(ctx, "level-1", 3)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	joiner, joinerRec, _ := newTestSession(t, a.connector(), "Ada", "")
	if err := joiner.Join(ctx, code); err != nil {
		t.Fatalf("join: %v", err)
	}

	a.hub.Disconnect(core.PeerID(host.LocalID()))

	select {
	case err := <-hostRec.errs:
		if !errors.Is(err, domain.ErrRoomClosed) {
			t.Fatalf("expected ErrRoomClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("host never reported the loss")
	}
	if reason := <-hostRec.closed; reason != domain.CloseHostDisconnected {
		t.Fatalf("unexpected host close reason %s", reason)
	}
	select {
	case reason := <-joinerRec.closed:
		if reason != domain.CloseHostDisconnected {
			t.Fatalf("unexpected joiner close reason %s", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("joiner never heard room_closed")
	}
	eventually(t, "both sides to disconnect", func() bool {
		return host.State() == Disconnected && joiner.State() == Disconnected
	})
	time.Sleep(50 * time.Millisecond)
	if joiner.State() != Disconnected {
		t.Fatalf("joiner must not reconnect to a closed room")
	}
}

func TestHostOrJoinTwiceFails(t *testing.T) {
	a := newAuthority(t)
	host, _, _ := hostAndJoin(t, a)
	if _, err := host.Host(context.Background(), "level-2", 2); !errors.Is(err, domain.ErrAlreadyInRoom) {
		t.Fatalf("expected ErrAlreadyInRoom, got %v", err)
	}
}

func TestReconnectPolicy(t *testing.T) {
	s := New(Config{}, netsync.Config{}, nil, Identity{}, nil, nil)
	policy := s.reconnectPolicy(context.Background())
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		if got := policy.NextBackOff(); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
	if got := policy.NextBackOff(); got >= 0 {
		t.Fatalf("expected stop after %d attempts, got %v", len(want), got)
	}
}
