package room

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/omniforge/collab/internal/crdt"
	"github.com/omniforge/collab/internal/log"
	"github.com/omniforge/collab/internal/metrics"
	"github.com/omniforge/collab/internal/protocol"
)

// LoadFunc builds the canonical replica for a room that is not in memory.
type LoadFunc func(ctx context.Context, roomID string) (*crdt.Document, error)

// ReclaimFunc is called with a room after it was removed from the registry.
type ReclaimFunc func(r *Room)

type Options struct {
	// How long an empty room keeps its canonical replica.
	GracePeriod time.Duration
	Load        LoadFunc
	OnReclaim   ReclaimFunc
	Logger      *zerolog.Logger
}

// Registry maps room ids to rooms and tracks their members.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool

	grace     time.Duration
	load      LoadFunc
	onReclaim ReclaimFunc
	log       zerolog.Logger
}

func NewRegistry(opts Options) *Registry {
	l := log.WithComponent("room")
	if opts.Logger != nil {
		l = *opts.Logger
	}
	load := opts.Load
	if load == nil {
		load = func(context.Context, string) (*crdt.Document, error) { return crdt.New() }
	}
	return &Registry{
		rooms:     make(map[string]*Room),
		grace:     opts.GracePeriod,
		load:      load,
		onReclaim: opts.OnReclaim,
		log:       l,
	}
}

// Join adds m to the room, creating and loading the room if needed. Joining
// twice with the same client id has no additional effect.
func (g *Registry) Join(ctx context.Context, roomID string, m Member) (*Room, []Member, error) {
	return g.JoinDo(ctx, roomID, m, nil)
}

// JoinDo is Join with fn run under the room lock right after m is added, so
// nothing can reach m before fn is done.
func (g *Registry) JoinDo(ctx context.Context, roomID string, m Member, fn func(s *State)) (*Room, []Member, error) {
	rm, err := g.acquire(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	defer g.release(rm)

	rm.mu.Lock()
	rm.members[m.ClientID] = m
	members := rm.memberList()
	if fn != nil {
		fn(rm.stateLocked())
	}
	rm.mu.Unlock()

	return rm, members, nil
}

// Drop discards the in-memory replica of an unused room without handing it
// to the reclaim hook. Unknown rooms are a no-op.
func (g *Registry) Drop(roomID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rm, ok := g.rooms[roomID]
	if !ok {
		return nil
	}
	if rm.holds > 0 || rm.MemberCount() > 0 {
		return ErrBusy
	}
	if rm.timer != nil {
		rm.timer.Stop()
		rm.timer = nil
	}
	rm.gen++
	delete(g.rooms, roomID)
	metrics.ActiveRooms.Dec()

	rm.TakeDirty()
	g.log.Debug().Str("room_id", roomID).Msg("room dropped")
	return nil
}

// PresenceOf returns the presence records of a loaded room.
func (g *Registry) PresenceOf(roomID string) []protocol.PresencePayload {
	rm, ok := g.Get(roomID)
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]protocol.PresencePayload, 0, len(rm.presence))
	for _, p := range rm.presence {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Leave removes a client from a room. It is a no-op when the client is absent.
func (g *Registry) Leave(roomID, clientID string) (Member, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rm, ok := g.rooms[roomID]
	if !ok {
		return Member{}, false
	}
	return g.leaveLocked(rm, clientID)
}

// LeaveAll removes a client from every room. It returns the departed
// membership keyed by room id.
func (g *Registry) LeaveAll(clientID string) map[string]Member {
	g.mu.Lock()
	defer g.mu.Unlock()

	left := make(map[string]Member)
	for id, rm := range g.rooms {
		if m, ok := g.leaveLocked(rm, clientID); ok {
			left[id] = m
		}
	}
	return left
}

func (g *Registry) leaveLocked(rm *Room, clientID string) (Member, bool) {
	rm.mu.Lock()
	m, ok := rm.members[clientID]
	if ok {
		delete(rm.members, clientID)
		delete(rm.presence, clientID)
	}
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if ok && empty && rm.holds == 0 {
		g.scheduleReclaimLocked(rm)
	}
	return m, ok
}

func (g *Registry) MembersOf(roomID string) []Member {
	rm, ok := g.Get(roomID)
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.memberList()
}

// Get returns a loaded room without taking a hold on it.
func (g *Registry) Get(roomID string) (*Room, bool) {
	g.mu.Lock()
	rm, ok := g.rooms[roomID]
	g.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-rm.ready:
		return rm, rm.loadErr == nil
	default:
		return nil, false
	}
}

// With loads the room if needed and runs fn while holding it, so the room
// cannot be reclaimed while fn runs.
func (g *Registry) With(ctx context.Context, roomID string, fn func(*Room) error) error {
	rm, err := g.acquire(ctx, roomID)
	if err != nil {
		return err
	}
	defer g.release(rm)
	return fn(rm)
}

// Active returns the member count of every loaded room.
func (g *Registry) Active() map[string]int {
	out := make(map[string]int)
	for _, rm := range g.loaded() {
		out[rm.ID] = rm.MemberCount()
	}
	return out
}

func (g *Registry) Rooms() []*Room {
	return g.loaded()
}

func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

func (g *Registry) loaded() []*Room {
	g.mu.Lock()
	candidates := make([]*Room, 0, len(g.rooms))
	for _, rm := range g.rooms {
		candidates = append(candidates, rm)
	}
	g.mu.Unlock()

	out := candidates[:0]
	for _, rm := range candidates {
		select {
		case <-rm.ready:
			if rm.loadErr == nil {
				out = append(out, rm)
			}
		default:
		}
	}
	return out
}

// Close stops reclamation and hands every loaded room to the reclaim hook.
func (g *Registry) Close() {
	g.mu.Lock()
	g.closed = true
	for _, rm := range g.rooms {
		if rm.timer != nil {
			rm.timer.Stop()
			rm.timer = nil
		}
	}
	g.mu.Unlock()

	if g.onReclaim == nil {
		return
	}
	for _, rm := range g.loaded() {
		g.onReclaim(rm)
	}
}

func (g *Registry) acquire(ctx context.Context, roomID string) (*Room, error) {
	g.mu.Lock()
	rm, ok := g.rooms[roomID]
	if !ok {
		rm = newRoom(roomID)
		g.rooms[roomID] = rm
		metrics.ActiveRooms.Inc()
	}
	rm.holds++
	if rm.timer != nil {
		rm.timer.Stop()
		rm.timer = nil
		rm.gen++
	}
	g.mu.Unlock()

	if !ok {
		g.loadRoom(ctx, rm)
	}

	select {
	case <-rm.ready:
	case <-ctx.Done():
		g.release(rm)
		return nil, ctx.Err()
	}
	if rm.loadErr != nil {
		g.release(rm)
		return nil, rm.loadErr
	}
	return rm, nil
}

func (g *Registry) loadRoom(ctx context.Context, rm *Room) {
	doc, err := g.load(ctx, rm.ID)
	if err != nil {
		g.log.Error().Err(err).Str("room_id", rm.ID).Msg("failed to load room")
		rm.loadErr = err

		g.mu.Lock()
		if g.rooms[rm.ID] == rm {
			delete(g.rooms, rm.ID)
			metrics.ActiveRooms.Dec()
		}
		g.mu.Unlock()
	} else {
		rm.doc = doc
	}
	close(rm.ready)
}

func (g *Registry) release(rm *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rm.holds--
	if rm.holds == 0 && g.rooms[rm.ID] == rm && rm.MemberCount() == 0 {
		g.scheduleReclaimLocked(rm)
	}
}

func (g *Registry) scheduleReclaimLocked(rm *Room) {
	if g.closed || rm.timer != nil {
		return
	}
	rm.gen++
	gen := rm.gen
	rm.timer = time.AfterFunc(g.grace, func() { g.reclaim(rm, gen) })
}

func (g *Registry) reclaim(rm *Room, gen uint64) {
	g.mu.Lock()
	if g.closed || rm.gen != gen || g.rooms[rm.ID] != rm || rm.holds > 0 || rm.MemberCount() > 0 {
		g.mu.Unlock()
		return
	}
	rm.timer = nil
	delete(g.rooms, rm.ID)
	g.mu.Unlock()

	metrics.ActiveRooms.Dec()
	metrics.RoomsReclaimed.Inc()
	g.log.Debug().Str("room_id", rm.ID).Msg("room reclaimed")

	if g.onReclaim != nil {
		g.onReclaim(rm)
	}
}
