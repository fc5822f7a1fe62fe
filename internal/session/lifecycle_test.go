package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"codesync/internal/models"
	"codesync/internal/utils"
)

type recordedEvents struct {
	mu     sync.Mutex
	events []models.RoomEvent
}

func (r *recordedEvents) PublishRoomEvent(_ context.Context, e models.RoomEvent) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recordedEvents) list() []models.RoomEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.RoomEvent(nil), r.events...)
}

type testPeer struct {
	peer    *Peer
	capture *frameCapture
}

func newLifecycle(t *testing.T, opts Options) (*Lifecycle, *recordedEvents) {
	t.Helper()
	events := &recordedEvents{}
	l := NewLifecycle(Deps{Events: events}, opts, utils.NewNopLogger())
	return l, events
}

func connect(l *Lifecycle) testPeer {
	client, capture := capturingClient()
	return testPeer{peer: l.Connect(client), capture: capture}
}

func mustJoin(t *testing.T, l *Lifecycle, tp testPeer, roomID, username string) {
	t.Helper()
	if err := l.Join(context.Background(), tp.peer, roomID, username); err != nil {
		t.Fatalf("join %s as %s: %v", roomID, username, err)
	}
}

func joinedNames(f models.WSFrame) []string {
	var names []string
	for _, c := range f.Data.(models.Joined).Clients {
		names = append(names, c.Username)
	}
	return names
}

func TestLifecycleScenarioABC123(t *testing.T) {
	l, _ := newLifecycle(t, Options{})
	ctx := context.Background()
	alice := connect(l)
	bob := connect(l)

	mustJoin(t, l, alice, "ABC123", "alice")
	joined := alice.capture.ofType(models.EventJoined)
	if len(joined) != 1 || fmt.Sprint(joinedNames(joined[0])) != "[alice]" {
		t.Fatalf("alice expected JOINED [alice], got %#v", joined)
	}
	if alice.peer.State() != StateActive {
		t.Fatalf("first member should be active immediately, got %s", alice.peer.State())
	}
	if len(alice.capture.ofType(models.EventSyncCode)) != 0 {
		t.Fatalf("first member must not receive sync-code")
	}

	mustJoin(t, l, bob, "ABC123", "bob")
	for name, tp := range map[string]testPeer{"alice": alice, "bob": bob} {
		frames := tp.capture.ofType(models.EventJoined)
		last := frames[len(frames)-1]
		if fmt.Sprint(joinedNames(last)) != "[alice bob]" {
			t.Fatalf("%s expected JOINED [alice bob], got %v", name, joinedNames(last))
		}
		if last.Data.(models.Joined).Username != "bob" {
			t.Fatalf("%s expected joiner bob, got %#v", name, last.Data)
		}
	}
	syncs := bob.capture.ofType(models.EventSyncCode)
	if len(syncs) != 1 || syncs[0].Data.(models.SyncCode).SocketID != alice.peer.ID {
		t.Fatalf("bob expected one sync-code from alice, got %#v", syncs)
	}
	if bob.peer.State() != StateActive {
		t.Fatalf("bob should be active after sync, got %s", bob.peer.State())
	}

	if err := l.CodeChange(ctx, alice.peer, "ABC123", "print(1)"); err != nil {
		t.Fatalf("code change: %v", err)
	}
	changes := bob.capture.ofType(models.EventCodeChange)
	if len(changes) != 1 || changes[0].Data.(models.CodeChange).Code != "print(1)" {
		t.Fatalf("bob expected code change print(1), got %#v", changes)
	}
	if len(alice.capture.ofType(models.EventCodeChange)) != 0 {
		t.Fatalf("alice must not receive her own change")
	}

	l.Disconnect(bob.peer)
	gone := alice.capture.ofType(models.EventDisconnected)
	if len(gone) != 1 || gone[0].Data.(models.Disconnected).Username != "bob" {
		t.Fatalf("alice expected DISCONNECTED bob, got %#v", gone)
	}
	if members := l.Rooms().Members("ABC123"); len(members) != 1 || members[0] != alice.peer.ID {
		t.Fatalf("expected membership {alice}, got %v", members)
	}
}

func TestJoinerReceivesLatestSnapshotExactlyOnce(t *testing.T) {
	l, _ := newLifecycle(t, Options{})
	ctx := context.Background()
	a := connect(l)
	b := connect(l)

	mustJoin(t, l, a, "r", "a")
	for i := 1; i <= 3; i++ {
		if err := l.CodeChange(ctx, a.peer, "r", fmt.Sprintf("v%d", i)); err != nil {
			t.Fatalf("code change: %v", err)
		}
	}
	mustJoin(t, l, b, "r", "b")

	// The existing member's client answers JOINED with its buffer; it must not
	// produce a second sync for b.
	if err := l.SyncCode(ctx, a.peer, b.peer.ID, "stale"); err != nil {
		t.Fatalf("sync code: %v", err)
	}

	syncs := b.capture.ofType(models.EventSyncCode)
	if len(syncs) != 1 {
		t.Fatalf("expected exactly one sync-code, got %d", len(syncs))
	}
	if got := syncs[0].Data.(models.SyncCode).Code; got != "v3" {
		t.Fatalf("expected latest snapshot v3, got %q", got)
	}
}

func TestInvalidJoinKeepsConnectedState(t *testing.T) {
	l, _ := newLifecycle(t, Options{})
	tp := connect(l)

	for _, tc := range []struct{ room, user string }{{"", "alice"}, {"ABC123", ""}, {"  ", " "}} {
		err := l.Join(context.Background(), tp.peer, tc.room, tc.user)
		if !errors.Is(err, ErrInvalidJoinRequest) {
			t.Fatalf("expected ErrInvalidJoinRequest for %+v, got %v", tc, err)
		}
	}
	if tp.peer.State() != StateConnected {
		t.Fatalf("expected connected state, got %s", tp.peer.State())
	}
	if len(tp.capture.list()) != 0 {
		t.Fatalf("rejected join must not emit frames")
	}
	if l.Registry().Count() != 0 || l.Rooms().Count() != 0 {
		t.Fatalf("rejected join must not touch shared state")
	}
}

func TestJoinSameRoomTwiceIsNoop(t *testing.T) {
	l, _ := newLifecycle(t, Options{})
	tp := connect(l)
	mustJoin(t, l, tp, "r", "alice")
	mustJoin(t, l, tp, "r", "alice")

	if n := len(l.Rooms().Members("r")); n != 1 {
		t.Fatalf("expected one member, got %d", n)
	}
	if n := len(tp.capture.ofType(models.EventJoined)); n != 1 {
		t.Fatalf("expected one JOINED frame, got %d", n)
	}
	if err := l.Join(context.Background(), tp.peer, "other", "alice"); !errors.Is(err, ErrAlreadyInRoom) {
		t.Fatalf("expected ErrAlreadyInRoom, got %v", err)
	}
}

func TestLeaveAllowsJoiningAnotherRoom(t *testing.T) {
	l, _ := newLifecycle(t, Options{})
	a := connect(l)
	b := connect(l)
	mustJoin(t, l, a, "one", "alice")
	mustJoin(t, l, b, "one", "bob")

	if err := l.Leave(context.Background(), a.peer); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if a.peer.State() != StateConnected || a.peer.RoomID() != "" {
		t.Fatalf("expected connected state after leave, got %s in %q", a.peer.State(), a.peer.RoomID())
	}
	if got := b.capture.ofType(models.EventDisconnected); len(got) != 1 {
		t.Fatalf("bob expected one disconnected frame, got %d", len(got))
	}
	if err := l.Leave(context.Background(), a.peer); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined on second leave, got %v", err)
	}

	mustJoin(t, l, a, "two", "alice")
	if a.peer.RoomID() != "two" {
		t.Fatalf("expected alice in room two, got %q", a.peer.RoomID())
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	l, _ := newLifecycle(t, Options{})
	a := connect(l)
	b := connect(l)
	mustJoin(t, l, a, "r", "alice")
	mustJoin(t, l, b, "r", "bob")

	l.Disconnect(b.peer)
	l.Disconnect(b.peer)

	if n := len(a.capture.ofType(models.EventDisconnected)); n != 1 {
		t.Fatalf("expected a single DISCONNECTED broadcast, got %d", n)
	}
	if b.peer.State() != StateDisconnected {
		t.Fatalf("expected terminal state, got %s", b.peer.State())
	}
	if err := l.Join(context.Background(), b.peer, "r", "bob"); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected closed connection error, got %v", err)
	}
	if l.PeerCount() != 1 {
		t.Fatalf("expected one remaining peer, got %d", l.PeerCount())
	}
}

func TestDisconnectBeforeJoin(t *testing.T) {
	l, events := newLifecycle(t, Options{})
	tp := connect(l)
	l.Disconnect(tp.peer)
	if tp.peer.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", tp.peer.State())
	}
	if len(events.list()) != 0 || l.Hub().Len() != 0 {
		t.Fatalf("disconnect before join must not touch rooms")
	}
}

func TestCodeChangeGuards(t *testing.T) {
	l, _ := newLifecycle(t, Options{})
	ctx := context.Background()
	tp := connect(l)

	if err := l.CodeChange(ctx, tp.peer, "r", "x"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
	mustJoin(t, l, tp, "r", "alice")
	if err := l.CodeChange(ctx, tp.peer, "elsewhere", "x"); !errors.Is(err, ErrRoomMismatch) {
		t.Fatalf("expected ErrRoomMismatch, got %v", err)
	}
	if err := l.CodeChange(ctx, tp.peer, "", "x"); err != nil {
		t.Fatalf("empty room id should target current room, got %v", err)
	}
	if text, _ := l.Snapshots().Get(ctx, "r"); text != "x" {
		t.Fatalf("expected snapshot x, got %q", text)
	}
}

func TestRoomIDIsTrimmedConsistently(t *testing.T) {
	l, _ := newLifecycle(t, Options{})
	ctx := context.Background()
	a := connect(l)
	b := connect(l)

	mustJoin(t, l, a, "ABC123 ", "alice")
	if err := l.CodeChange(ctx, a.peer, "ABC123 ", "print(1)"); err != nil {
		t.Fatalf("code change with the join's room id: %v", err)
	}
	if err := l.CodeChange(ctx, a.peer, " ABC123", "print(2)"); err != nil {
		t.Fatalf("code change with differently padded room id: %v", err)
	}

	mustJoin(t, l, b, "ABC123", "bob")
	syncs := b.capture.ofType(models.EventSyncCode)
	if len(syncs) != 1 || syncs[0].Data.(models.SyncCode).Code != "print(2)" {
		t.Fatalf("expected bob to sync print(2), got %#v", syncs)
	}
	status, err := l.RoomStatus(ctx, " ABC123 ")
	if err != nil {
		t.Fatalf("room status: %v", err)
	}
	if len(status.Members) != 2 || !status.HasSnapshot {
		t.Fatalf("unexpected status %#v", status)
	}
}

func TestRedisSnapshotOutlivesIdleRoom(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewLifecycle(Deps{Snapshots: NewRedisStore(rdb, 24*time.Hour)}, Options{}, utils.NewNopLogger())
	ctx := context.Background()
	alice := connect(l)
	bob := connect(l)

	mustJoin(t, l, alice, "ABC123", "alice")
	if err := l.CodeChange(ctx, alice.peer, "ABC123", "important"); err != nil {
		t.Fatalf("code change: %v", err)
	}
	mr.FastForward(25 * time.Hour)

	mustJoin(t, l, bob, "ABC123", "bob")
	syncs := bob.capture.ofType(models.EventSyncCode)
	if len(syncs) != 1 {
		t.Fatalf("expected one sync-code, got %d", len(syncs))
	}
	if got := syncs[0].Data.(models.SyncCode); got.Code != "important" || got.SocketID != alice.peer.ID {
		t.Fatalf("expected alice's last code after a long idle, got %#v", got)
	}
}

func TestEmptyRoomSnapshotIsPurgedEveryCycle(t *testing.T) {
	l, events := newLifecycle(t, Options{})
	ctx := context.Background()

	for cycle := 0; cycle < 3; cycle++ {
		a := connect(l)
		b := connect(l)
		mustJoin(t, l, a, "r", "alice")
		mustJoin(t, l, b, "r", "bob")

		if got := b.capture.ofType(models.EventSyncCode); len(got) != 1 || got[0].Data.(models.SyncCode).Code != "" {
			t.Fatalf("cycle %d: expected empty sync, got %#v", cycle, got)
		}
		if err := l.CodeChange(ctx, a.peer, "r", fmt.Sprintf("cycle-%d", cycle)); err != nil {
			t.Fatalf("code change: %v", err)
		}

		l.Disconnect(a.peer)
		l.Disconnect(b.peer)

		if text, _ := l.Snapshots().Get(ctx, "r"); text != "" {
			t.Fatalf("cycle %d: expected purged snapshot, got %q", cycle, text)
		}
		if l.Rooms().Count() != 0 || l.Registry().Count() != 0 {
			t.Fatalf("cycle %d: expected empty stores", cycle)
		}
		waitUntil(t, time.Second, func() bool { return l.Hub().Len() == 0 })
	}

	var closed []models.RoomEvent
	for _, e := range events.list() {
		if e.Type == models.RoomClosed {
			closed = append(closed, e)
		}
	}
	if len(closed) != 3 || closed[2].FinalCode != "cycle-2" {
		t.Fatalf("expected three room_closed events with final code, got %#v", closed)
	}
}

func TestPeerSyncModeForwardsFirstPeerBuffer(t *testing.T) {
	l, _ := newLifecycle(t, Options{SyncMode: SyncFromPeer, SyncTimeout: time.Minute})
	ctx := context.Background()
	a := connect(l)
	c := connect(l)
	b := connect(l)
	mustJoin(t, l, a, "r", "alice")
	mustJoin(t, l, c, "r", "carol")
	// alice answers carol's JOINED with her buffer
	if err := l.SyncCode(ctx, a.peer, c.peer.ID, "base"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	mustJoin(t, l, b, "r", "bob")
	if b.peer.State() != StateJoining {
		t.Fatalf("expected bob to wait for a peer sync, got %s", b.peer.State())
	}
	if err := l.CodeChange(ctx, b.peer, "r", "early"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive while joining, got %v", err)
	}

	// bob's own client echoes an empty buffer for itself; ignored.
	_ = l.SyncCode(ctx, b.peer, b.peer.ID, "")
	_ = l.SyncCode(ctx, c.peer, b.peer.ID, "from-carol")
	_ = l.SyncCode(ctx, a.peer, b.peer.ID, "from-alice")

	syncs := b.capture.ofType(models.EventSyncCode)
	if len(syncs) != 1 || syncs[0].Data.(models.SyncCode).Code != "from-carol" {
		t.Fatalf("expected only carol's sync, got %#v", syncs)
	}
	if b.peer.State() != StateActive {
		t.Fatalf("expected bob active, got %s", b.peer.State())
	}
	if text, _ := l.Snapshots().Get(ctx, "r"); text != "from-carol" {
		t.Fatalf("expected forwarded sync stored as snapshot, got %q", text)
	}
}

func TestPeerSyncModeFallsBackToSnapshot(t *testing.T) {
	l, _ := newLifecycle(t, Options{SyncMode: SyncFromPeer, SyncTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	a := connect(l)
	b := connect(l)
	mustJoin(t, l, a, "r", "alice")
	if err := l.CodeChange(ctx, a.peer, "r", "stored"); err != nil {
		t.Fatalf("code change: %v", err)
	}
	mustJoin(t, l, b, "r", "bob")

	waitUntil(t, time.Second, func() bool { return b.peer.State() == StateActive })
	syncs := b.capture.ofType(models.EventSyncCode)
	if len(syncs) != 1 || syncs[0].Data.(models.SyncCode).Code != "stored" {
		t.Fatalf("expected fallback sync with stored snapshot, got %#v", syncs)
	}
}

// panickingSender panics on its first frame only.
type panickingSender struct{ fired atomic.Bool }

func (s *panickingSender) Send(models.WSFrame) error {
	if s.fired.CompareAndSwap(false, true) {
		panic("transport bug")
	}
	return nil
}

func TestRoomKeepsWorkingAfterPanickingOperation(t *testing.T) {
	l, _ := newLifecycle(t, Options{})
	ctx := context.Background()
	a := connect(l)
	mustJoin(t, l, a, "r", "alice")

	bad := l.Connect(&panickingSender{})
	_ = l.Join(ctx, bad, "r", "mallory")

	b := connect(l)
	done := make(chan error, 1)
	go func() { done <- l.Join(ctx, b.peer, "r", "bob") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("join after panic: %v", err)
		}
		if b.peer.State() != StateActive {
			t.Fatalf("expected bob active, got %s", b.peer.State())
		}
	case <-time.After(time.Second):
		t.Fatalf("room stalled after a panicking operation")
	}
	if err := l.CodeChange(ctx, a.peer, "r", "still alive"); err != nil {
		t.Fatalf("code change: %v", err)
	}
}

func TestConcurrentJoinsToSameRoom(t *testing.T) {
	l, events := newLifecycle(t, Options{})
	const n = 20
	peers := make([]testPeer, n)
	for i := range peers {
		peers[i] = connect(l)
	}

	var wg sync.WaitGroup
	for i := range peers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Join(context.Background(), peers[i].peer, "race", fmt.Sprintf("user-%d", i)); err != nil {
				t.Errorf("join: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := len(l.Rooms().Members("race")); got != n {
		t.Fatalf("expected %d members, got %d", n, got)
	}
	syncFree := 0
	for _, p := range peers {
		if len(p.capture.ofType(models.EventSyncCode)) == 0 {
			syncFree++
		}
		if p.peer.State() != StateActive {
			t.Fatalf("expected every peer active, got %s", p.peer.State())
		}
	}
	if syncFree != 1 {
		t.Fatalf("exactly one peer should have opened the room, got %d", syncFree)
	}
	opened := 0
	for _, e := range events.list() {
		if e.Type == models.RoomOpened {
			opened++
		}
	}
	if opened != 1 {
		t.Fatalf("expected one room_opened event, got %d", opened)
	}
}

func TestRoomStatusAndIdlePeers(t *testing.T) {
	l, _ := newLifecycle(t, Options{})
	ctx := context.Background()
	a := connect(l)
	idle := connect(l)
	mustJoin(t, l, a, "r", "alice")
	_ = l.CodeChange(ctx, a.peer, "r", "x")

	status, err := l.RoomStatus(ctx, "r")
	if err != nil {
		t.Fatalf("room status: %v", err)
	}
	if len(status.Members) != 1 || status.Members[0].Username != "alice" || !status.HasSnapshot {
		t.Fatalf("unexpected status %#v", status)
	}

	stale := l.IdlePeers(time.Now().Add(time.Second))
	if len(stale) != 1 || stale[0].ID != idle.peer.ID {
		t.Fatalf("expected only the never-joined peer, got %#v", stale)
	}
	if got := l.IdlePeers(time.Now().Add(-time.Hour)); len(got) != 0 {
		t.Fatalf("expected no idle peers before cutoff, got %d", len(got))
	}
}

func TestCloseAllClosesEverySocket(t *testing.T) {
	l, _ := newLifecycle(t, Options{})
	a := connect(l)
	b := connect(l)
	mustJoin(t, l, a, "r", "alice")

	if n := l.CloseAll(); n != 2 {
		t.Fatalf("expected two sockets closed, got %d", n)
	}
	for _, tp := range []testPeer{a, b} {
		if err := tp.peer.sender.Send(models.WSFrame{Type: models.EventPong}); !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("expected closed client, got %v", err)
		}
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateConnected: "connected", StateJoining: "joining", StateActive: "active",
		StateDisconnected: "disconnected", State(99): "unknown",
	} {
		if s.String() != want {
			t.Fatalf("state %d: got %s want %s", s, s.String(), want)
		}
	}
}
