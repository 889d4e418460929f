package room

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniforge/collab/internal/crdt"
	"github.com/omniforge/collab/internal/protocol"
)

type fakePeer struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (p *fakePeer) Send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.frames = append(p.frames, frame)
	return nil
}

func (p *fakePeer) received() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func member(id string) Member {
	return Member{ClientID: id, UserID: "user-" + id, Peer: &fakePeer{}}
}

func clientIDs(ms []Member) []string {
	ids := make([]string, len(ms))
	for i, m := range ms {
		ids[i] = m.ClientID
	}
	return ids
}

func TestJoinCreatesRoomAndIsIdempotent(t *testing.T) {
	reg := NewRegistry(Options{GracePeriod: time.Minute})
	ctx := context.Background()

	rm, members, err := reg.Join(ctx, "idea:1", member("a"))
	require.NoError(t, err)
	assert.Equal(t, "idea:1", rm.ID)
	assert.Equal(t, []string{"a"}, clientIDs(members))

	_, members, err = reg.Join(ctx, "idea:1", member("a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, clientIDs(members))

	_, members, err = reg.Join(ctx, "idea:1", member("b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, clientIDs(members))
	assert.Equal(t, []string{"a", "b"}, clientIDs(reg.MembersOf("idea:1")))
}

func TestLeave(t *testing.T) {
	reg := NewRegistry(Options{GracePeriod: time.Minute})
	ctx := context.Background()

	_, _, err := reg.Join(ctx, "idea:1", member("a"))
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, "idea:1", member("b"))
	require.NoError(t, err)

	m, ok := reg.Leave("idea:1", "a")
	assert.True(t, ok)
	assert.Equal(t, "user-a", m.UserID)

	_, ok = reg.Leave("idea:1", "a")
	assert.False(t, ok)
	_, ok = reg.Leave("idea:missing", "a")
	assert.False(t, ok)

	assert.Equal(t, []string{"b"}, clientIDs(reg.MembersOf("idea:1")))
}

func TestLeaveAll(t *testing.T) {
	reg := NewRegistry(Options{GracePeriod: time.Minute})
	ctx := context.Background()

	for _, id := range []string{"idea:1", "idea:2", "idea:3"} {
		_, _, err := reg.Join(ctx, id, member("a"))
		require.NoError(t, err)
	}
	_, _, err := reg.Join(ctx, "idea:2", member("b"))
	require.NoError(t, err)

	left := reg.LeaveAll("a")
	assert.Len(t, left, 3)
	assert.Equal(t, "user-a", left["idea:2"].UserID)
	assert.Empty(t, reg.LeaveAll("a"))
	assert.Equal(t, []string{"b"}, clientIDs(reg.MembersOf("idea:2")))
}

func TestEmptyRoomIsReclaimedAfterGrace(t *testing.T) {
	var reclaimed atomic.Int32
	reg := NewRegistry(Options{
		GracePeriod: 20 * time.Millisecond,
		OnReclaim:   func(*Room) { reclaimed.Add(1) },
	})

	_, _, err := reg.Join(context.Background(), "idea:1", member("a"))
	require.NoError(t, err)
	reg.Leave("idea:1", "a")

	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), reclaimed.Load())
}

func TestRejoinDuringGraceKeepsReplica(t *testing.T) {
	reg := NewRegistry(Options{GracePeriod: 50 * time.Millisecond})
	ctx := context.Background()

	rm, _, err := reg.Join(ctx, "idea:1", member("a"))
	require.NoError(t, err)
	rm.Do(func(s *State) {
		_, err := s.Doc.Insert(0, "kept")
		require.NoError(t, err)
	})
	reg.Leave("idea:1", "a")

	again, _, err := reg.Join(ctx, "idea:1", member("a"))
	require.NoError(t, err)
	assert.Same(t, rm, again)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, "kept", again.Text())
}

func TestLoadFailureIsReported(t *testing.T) {
	boom := errors.New("boom")
	reg := NewRegistry(Options{
		Load: func(context.Context, string) (*crdt.Document, error) { return nil, boom },
	})

	_, _, err := reg.Join(context.Background(), "idea:1", member("a"))
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 0, reg.Len())
}

func TestJoinRespectsContextWhileLoading(t *testing.T) {
	release := make(chan struct{})
	reg := NewRegistry(Options{
		Load: func(ctx context.Context, _ string) (*crdt.Document, error) {
			select {
			case <-release:
				return crdt.New()
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := reg.Join(ctx, "idea:slow", member("a"))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestBroadcastIsFaultIsolated(t *testing.T) {
	reg := NewRegistry(Options{GracePeriod: time.Minute})
	ctx := context.Background()

	bad := Member{ClientID: "bad", UserID: "u-bad", Peer: &fakePeer{err: errors.New("closed")}}
	good := &fakePeer{}
	sender := &fakePeer{}

	_, _, err := reg.Join(ctx, "idea:1", Member{ClientID: "sender", UserID: "u-s", Peer: sender})
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, "idea:1", bad)
	require.NoError(t, err)
	rm, _, err := reg.Join(ctx, "idea:1", Member{ClientID: "good", UserID: "u-g", Peer: good})
	require.NoError(t, err)

	var res BroadcastResult
	rm.Do(func(s *State) { res = s.Broadcast("sender", []byte("frame")) })

	assert.Equal(t, 1, res.Sent)
	assert.Contains(t, res.Failed, "bad")
	assert.Equal(t, 1, good.received())
	assert.Equal(t, 0, sender.received())
}

func TestUsersAreDeduplicated(t *testing.T) {
	reg := NewRegistry(Options{GracePeriod: time.Minute})
	ctx := context.Background()

	_, _, err := reg.Join(ctx, "idea:1", Member{ClientID: "tab-1", UserID: "alice", Peer: &fakePeer{}})
	require.NoError(t, err)
	rm, _, err := reg.Join(ctx, "idea:1", Member{ClientID: "tab-2", UserID: "alice", Peer: &fakePeer{}})
	require.NoError(t, err)

	rm.Do(func(s *State) { assert.Equal(t, []string{"alice"}, s.Users()) })
	assert.Equal(t, map[string]int{"idea:1": 2}, reg.Active())
}

func TestCloseFlushesLoadedRooms(t *testing.T) {
	var flushed []string
	var mu sync.Mutex
	reg := NewRegistry(Options{
		GracePeriod: time.Minute,
		OnReclaim: func(r *Room) {
			mu.Lock()
			flushed = append(flushed, r.ID)
			mu.Unlock()
		},
	})

	_, _, err := reg.Join(context.Background(), "idea:1", member("a"))
	require.NoError(t, err)
	reg.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"idea:1"}, flushed)
}

func TestDropDiscardsUnusedRoom(t *testing.T) {
	var reclaimed atomic.Int32
	reg := NewRegistry(Options{
		GracePeriod: 20 * time.Millisecond,
		OnReclaim:   func(*Room) { reclaimed.Add(1) },
	})
	ctx := context.Background()

	rm, _, err := reg.Join(ctx, "idea:1", member("a"))
	require.NoError(t, err)
	rm.Do(func(s *State) {
		_, err := s.Doc.Insert(0, "edited")
		require.NoError(t, err)
		s.MarkDirty()
	})

	assert.ErrorIs(t, reg.Drop("idea:1"), ErrBusy)

	reg.Leave("idea:1", "a")
	require.NoError(t, reg.Drop("idea:1"))
	assert.Equal(t, 0, reg.Len())
	assert.False(t, rm.TakeDirty())

	// The grace timer was cancelled, so the hook never sees the dropped room.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), reclaimed.Load())

	again, _, err := reg.Join(ctx, "idea:1", member("b"))
	require.NoError(t, err)
	assert.NotSame(t, rm, again)
	assert.Empty(t, again.Text())

	assert.NoError(t, reg.Drop("idea:unknown"))
}

func TestJoinDoRunsWithMemberAdded(t *testing.T) {
	reg := NewRegistry(Options{GracePeriod: time.Minute})
	ctx := context.Background()
	_, _, err := reg.Join(ctx, "idea:1", member("a"))
	require.NoError(t, err)

	var users []string
	_, members, err := reg.JoinDo(ctx, "idea:1", member("b"), func(s *State) {
		users = s.Users()
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"user-a", "user-b"}, users)
	assert.Equal(t, []string{"a", "b"}, clientIDs(members))
}

func TestPresenceOf(t *testing.T) {
	reg := NewRegistry(Options{GracePeriod: time.Minute})
	rm, _, err := reg.Join(context.Background(), "idea:1", member("a"))
	require.NoError(t, err)

	rm.Do(func(s *State) {
		s.Presence["a"] = protocol.PresencePayload{RoomID: "idea:1", UserID: "user-a"}
	})
	assert.Equal(t, []protocol.PresencePayload{{RoomID: "idea:1", UserID: "user-a"}}, reg.PresenceOf("idea:1"))
	assert.Nil(t, reg.PresenceOf("idea:none"))
}
