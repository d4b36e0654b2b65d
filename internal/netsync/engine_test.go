package netsync

import (
	"math"
	"testing"
	"time"

	"github.com/dkeye/letterlings/internal/domain"
	"github.com/dkeye/letterlings/internal/proto"
)

type recorder struct {
	sent []proto.Message
}

func (r *recorder) Send(m proto.Message) error {
	r.sent = append(r.sent, m)
	return nil
}

type worldLog struct {
	joined []domain.ParticipantID
	left   []domain.ParticipantID
	events []proto.Message
}

func (w *worldLog) ParticipantJoined(p domain.Participant)  { w.joined = append(w.joined, p.ID) }
func (w *worldLog) ParticipantLeft(id domain.ParticipantID) { w.left = append(w.left, id) }
func (w *worldLog) Event(m proto.Message)                   { w.events = append(w.events, m) }

var t0 = time.Unix(1_700_000_000, 0)

func newJoinedEngine(t *testing.T) (*Engine, *recorder, *worldLog) {
	t.Helper()
	out := &recorder{}
	world := &worldLog{}
	e := NewEngine(DefaultConfig(), "me", 4, out, world)
	e.Apply(proto.JoinedRoom{
		RoomCode: "4821",
		LevelID:  "level-3",
		Players: []domain.Participant{
			{ID: "host", DisplayName: "Host", IsHost: true, Role: domain.RolePlayer},
			{ID: "me", DisplayName: "Me", Role: domain.RolePlayer},
		},
	}, t0)
	return e, out, world
}

func TestTickRateLimited(t *testing.T) {
	e, out, _ := newJoinedEngine(t)

	for ms := 0; ms < 200; ms += 10 {
		if _, err := e.Tick(t0.Add(time.Duration(ms) * time.Millisecond)); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	// ticks at 0, 50, 100, 150
	if len(out.sent) != 4 {
		t.Fatalf("expected 4 broadcasts in 200ms at 50ms cadence, got %d", len(out.sent))
	}
}

func TestTickSendsOnlyDelta(t *testing.T) {
	e, out, _ := newJoinedEngine(t)

	e.SetLocal(domain.Vec2{X: 1, Y: 2}, domain.Vec2{X: 3, Y: 0}, 0)
	if sent, _ := e.Tick(t0); !sent {
		t.Fatalf("first tick must send")
	}
	first := out.sent[0].(proto.PlayerUpdate)
	if first.Position == nil || first.Velocity == nil || first.Score == nil {
		t.Fatalf("first update must carry every field: %+v", first)
	}
	if first.PlayerID != "me" {
		t.Fatalf("update must name the local participant, got %s", first.PlayerID)
	}

	e.SetLocal(domain.Vec2{X: 5, Y: 2}, domain.Vec2{X: 3, Y: 0}, 0)
	_, _ = e.Tick(t0.Add(50 * time.Millisecond))
	second := out.sent[1].(proto.PlayerUpdate)
	if second.Position == nil || second.Velocity != nil || second.Score != nil {
		t.Fatalf("second update must only carry position: %+v", second)
	}

	_, _ = e.Tick(t0.Add(100 * time.Millisecond))
	third := out.sent[2].(proto.PlayerUpdate)
	if third.Position != nil || third.Velocity != nil || third.Score != nil {
		t.Fatalf("unchanged tick must be a heartbeat: %+v", third)
	}
}

func TestTickSkipUnchanged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SkipUnchanged = true
	out := &recorder{}
	e := NewEngine(cfg, "me", 4, out, nil)

	_, _ = e.Tick(t0)
	sent, err := e.Tick(t0.Add(time.Second))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if sent || len(out.sent) != 1 {
		t.Fatalf("expected unchanged tick to be skipped, sent=%d", len(out.sent))
	}
}

func TestEventsBypassLimiter(t *testing.T) {
	e, out, _ := newJoinedEngine(t)
	_, _ = e.Tick(t0)
	for i := 0; i < 3; i++ {
		if err := e.SendEvent(proto.LetterlingCollected{LetterlingID: "l", Points: 1}); err != nil {
			t.Fatalf("send event: %v", err)
		}
	}
	if len(out.sent) != 4 {
		t.Fatalf("expected events to go out immediately, got %d messages", len(out.sent))
	}
}

func TestApplyIgnoresSelfUpdates(t *testing.T) {
	e, _, _ := newJoinedEngine(t)
	e.SetLocal(domain.Vec2{X: 1, Y: 1}, domain.Vec2{}, 0)

	pos := domain.Vec2{X: 500, Y: 500}
	e.Apply(proto.PlayerUpdate{PlayerID: "me", Position: &pos}, t0)

	me, _ := e.Participant("me")
	if me.Position != (domain.Vec2{X: 1, Y: 1}) {
		t.Fatalf("self update must be dropped, got %+v", me.Position)
	}
}

func TestApplyJoinLeaveCallsWorld(t *testing.T) {
	e, _, world := newJoinedEngine(t)
	if len(world.joined) != 1 || world.joined[0] != "host" {
		t.Fatalf("expected host spawn from snapshot, got %v", world.joined)
	}

	e.Apply(proto.PlayerJoined{Player: domain.Participant{ID: "q", Role: domain.RolePlayer}}, t0)
	e.Apply(proto.PlayerLeft{PlayerID: "q"}, t0)
	e.Apply(proto.PlayerLeft{PlayerID: "q"}, t0)

	if len(world.joined) != 2 || len(world.left) != 1 {
		t.Fatalf("unexpected world calls joined=%v left=%v", world.joined, world.left)
	}
	if e.Contains("q") {
		t.Fatalf("q must be gone after player_left")
	}
}

func TestResyncDiffsRoster(t *testing.T) {
	e, _, world := newJoinedEngine(t)
	e.Apply(proto.Roster{Players: []domain.Participant{
		{ID: "host", IsHost: true},
		{ID: "me"},
		{ID: "r"},
	}}, t0)
	e.Apply(proto.Roster{Players: []domain.Participant{
		{ID: "host", IsHost: true},
		{ID: "me"},
	}}, t0)
	if len(world.left) != 1 || world.left[0] != "r" {
		t.Fatalf("expected r to be removed by resync, got %v", world.left)
	}
}

func TestInterpolationConverges(t *testing.T) {
	e, _, _ := newJoinedEngine(t)
	pos := domain.Vec2{X: 100, Y: 0}
	zero := domain.Vec2{}
	e.Apply(proto.PlayerUpdate{PlayerID: "host", Position: &pos, Velocity: &zero}, t0)

	prev := math.Inf(1)
	for i := 0; i < 60; i++ {
		views := e.Render(t0.Add(time.Duration(i) * 16 * time.Millisecond))
		if len(views) != 1 {
			t.Fatalf("expected one remote view, got %d", len(views))
		}
		d := math.Sqrt(views[0].Rendered.DistSq(pos))
		if d >= prev {
			t.Fatalf("tick %d: distance %f did not shrink from %f", i, d, prev)
		}
		if d == 0 {
			t.Fatalf("tick %d: rendered position snapped to the target", i)
		}
		prev = d
	}
	first := 100 * 0.85
	if views := e.Render(t0); views[0].Rendered.X <= first {
		t.Fatalf("expected rendered x past the first step, got %f", views[0].Rendered.X)
	}
}

func TestInterpolationExtrapolatesVelocity(t *testing.T) {
	e, _, _ := newJoinedEngine(t)
	pos := domain.Vec2{}
	vel := domain.Vec2{X: 10}
	e.Apply(proto.PlayerUpdate{PlayerID: "host", Position: &pos, Velocity: &vel}, t0)

	views := e.Render(t0.Add(500 * time.Millisecond))
	// predicted x = 5, one step closes 15% of the gap
	if got := views[0].Rendered.X; math.Abs(got-0.75) > 1e-9 {
		t.Fatalf("expected 0.75, got %f", got)
	}
}

func TestQualityIsAdvisory(t *testing.T) {
	e, _, _ := newJoinedEngine(t)

	cases := []struct {
		after time.Duration
		want  Quality
	}{
		{500 * time.Millisecond, QualityGood},
		{2 * time.Second, QualityPoor},
		{10 * time.Second, QualityLost},
	}
	for _, tc := range cases {
		q, ok := e.Quality("host", t0.Add(tc.after))
		if !ok || q != tc.want {
			t.Fatalf("after %v: expected %s, got %s", tc.after, tc.want, q)
		}
	}
	views := e.Render(t0.Add(time.Minute))
	if len(views) != 1 || views[0].Quality != QualityLost {
		t.Fatalf("lost participants stay rendered: %+v", views)
	}
	if !e.Contains("host") {
		t.Fatalf("staleness must never evict")
	}
}

func TestApplyCollectedUpdatesScore(t *testing.T) {
	e, _, world := newJoinedEngine(t)
	score := 12
	e.Apply(proto.LetterlingCollected{PlayerID: "host", LetterlingID: "a1", Points: 2, NewScore: &score}, t0)
	h, _ := e.Participant("host")
	if h.Score != 12 {
		t.Fatalf("expected score 12, got %d", h.Score)
	}
	if len(world.events) != 1 {
		t.Fatalf("expected world event, got %d", len(world.events))
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	if !rl.Allow("a", t0) || !rl.Allow("a", t0.Add(100*time.Millisecond)) {
		t.Fatalf("first two must pass")
	}
	if rl.Allow("a", t0.Add(200*time.Millisecond)) {
		t.Fatalf("third within the window must be refused")
	}
	if !rl.Allow("b", t0.Add(200*time.Millisecond)) {
		t.Fatalf("keys are independent")
	}
	if !rl.Allow("a", t0.Add(1001*time.Millisecond)) {
		t.Fatalf("window must slide")
	}
	rl.Forget("a")
	if !rl.Allow("a", t0.Add(1002*time.Millisecond)) {
		t.Fatalf("forget must clear history")
	}
}
