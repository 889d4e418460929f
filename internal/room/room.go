package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/omniforge/collab/internal/crdt"
	"github.com/omniforge/collab/internal/protocol"
)

// Peer is the send side of one client connection.
type Peer interface {
	Send(frame []byte) error
}

// Member is one client session inside a room.
type Member struct {
	ClientID string
	UserID   string
	Peer     Peer
}

// A collaborative editing session
type Room struct {
	ID string

	// closed once the canonical replica is loaded or failed to load
	ready   chan struct{}
	loadErr error

	mu       sync.Mutex
	doc      *crdt.Document
	members  map[string]Member
	presence map[string]protocol.PresencePayload
	dirty    bool

	// guarded by Registry.mu
	holds int
	timer *time.Timer
	gen   uint64
}

func newRoom(id string) *Room {
	return &Room{
		ID:       id,
		ready:    make(chan struct{}),
		members:  make(map[string]Member),
		presence: make(map[string]protocol.PresencePayload),
	}
}

// State is the room data visible inside Do.
type State struct {
	ID       string
	Doc      *crdt.Document
	Members  map[string]Member
	Presence map[string]protocol.PresencePayload

	room *Room
}

// Do runs fn with the room lock held, so merging a delta and broadcasting it
// is atomic with respect to other events for the same room.
func (r *Room) Do(fn func(s *State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.stateLocked())
}

func (r *Room) stateLocked() *State {
	return &State{
		ID:       r.ID,
		Doc:      r.doc,
		Members:  r.members,
		Presence: r.presence,
		room:     r,
	}
}

func (s *State) MarkDirty() {
	s.room.dirty = true
}

// Users returns the sorted user ids of all members.
func (s *State) Users() []string {
	return userIDs(s.Members)
}

// BroadcastResult reports a fan-out.
type BroadcastResult struct {
	Sent   int
	Failed map[string]error
}

// Broadcast sends frame to every member except the one with clientID except.
// A failing peer never prevents delivery to the others.
func (s *State) Broadcast(except string, frame []byte) BroadcastResult {
	res := BroadcastResult{}
	for id, m := range s.Members {
		if id == except {
			continue
		}
		if err := m.Peer.Send(frame); err != nil {
			if res.Failed == nil {
				res.Failed = make(map[string]error)
			}
			res.Failed[id] = err
			continue
		}
		res.Sent++
	}
	return res
}

// Send delivers a frame to a single member.
func (s *State) Send(clientID string, frame []byte) error {
	m, ok := s.Members[clientID]
	if !ok {
		return ErrNotMember
	}
	return m.Peer.Send(frame)
}

func (r *Room) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Text()
}

func (r *Room) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Snapshot()
}

// TakeDirty reports whether the room changed since the last call.
func (r *Room) TakeDirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.dirty
	r.dirty = false
	return d
}

func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Room) HasMember(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[clientID]
	return ok
}

func (r *Room) memberList() []Member {
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func userIDs(members map[string]Member) []string {
	seen := make(map[string]struct{}, len(members))
	users := make([]string, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		users = append(users, m.UserID)
	}
	sort.Strings(users)
	return users
}

var (
	ErrNotMember = errors.New("room: not a member")
	// ErrBusy means the room still has members or is in use.
	ErrBusy = errors.New("room: in use")
)
