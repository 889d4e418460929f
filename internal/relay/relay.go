package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/omniforge/collab/internal/codec"
	"github.com/omniforge/collab/internal/crdt"
	"github.com/omniforge/collab/internal/log"
	"github.com/omniforge/collab/internal/metrics"
	"github.com/omniforge/collab/internal/protocol"
	"github.com/omniforge/collab/internal/room"
)

var (
	ErrNotMember       = room.ErrNotMember
	ErrMissingUser     = errors.New("relay: missing user id")
	ErrUnexpectedEvent = errors.New("relay: unexpected event from client")
)

const persistTimeout = 5 * time.Second

// Conn is one client connection as seen by the relay.
type Conn interface {
	ID() string
	Send(frame []byte) error
}

// Store persists the update log and snapshots of every room.
type Store interface {
	LoadDocument(ctx context.Context, roomID string) (snapshot []byte, updates [][]byte, err error)
	SaveUpdate(ctx context.Context, roomID string, update []byte) error
	SaveSnapshot(ctx context.Context, roomID string, snapshot []byte, updateCount int) error
}

// Publisher forwards frames to relay instances in other processes.
type Publisher interface {
	Publish(ctx context.Context, roomID string, frame []byte) error
}

type Config struct {
	// Bound on producing the canonical replica during join.
	JoinTimeout time.Duration
	// How long an empty room keeps its replica before it is flushed and dropped.
	GracePeriod time.Duration
	Store       Store
	Logger      *zerolog.Logger
}

// Relay is the authoritative hub for all rooms. It merges client deltas into
// one canonical replica per room and fans them out to the other members.
type Relay struct {
	rooms       *room.Registry
	store       Store
	joinTimeout time.Duration
	log         zerolog.Logger

	mu  sync.RWMutex
	pub Publisher
}

func New(cfg Config) *Relay {
	l := log.WithComponent("relay")
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 5 * time.Second
	}

	r := &Relay{
		store:       cfg.Store,
		joinTimeout: cfg.JoinTimeout,
		log:         l,
	}
	r.rooms = room.NewRegistry(room.Options{
		GracePeriod: cfg.GracePeriod,
		Load:        r.loadDocument,
		OnReclaim:   r.flush,
		Logger:      &l,
	})
	return r
}

// SetPublisher enables cross-instance fan-out.
func (r *Relay) SetPublisher(p Publisher) {
	r.mu.Lock()
	r.pub = p
	r.mu.Unlock()
}

func (r *Relay) Rooms() *room.Registry {
	return r.rooms
}

// Close flushes every loaded room to the store.
func (r *Relay) Close() {
	r.rooms.Close()
}

// Handle decodes a client frame and dispatches it. Returned errors describe a
// rejected event; the connection stays usable.
func (r *Relay) Handle(ctx context.Context, c Conn, frame []byte) error {
	env, err := protocol.Decode(frame)
	if err != nil {
		r.sendError(c, "", err)
		return err
	}
	metrics.EventsReceived.WithLabelValues(string(env.Type)).Inc()

	switch env.Type {
	case protocol.EventJoin:
		var p protocol.JoinPayload
		if err := env.Decode(&p); err != nil {
			r.sendError(c, "", err)
			return err
		}
		return r.Join(ctx, c, p)

	case protocol.EventUpdate:
		var p protocol.UpdatePayload
		if err := env.Decode(&p); err != nil {
			metrics.DeltasRejected.WithLabelValues("payload").Inc()
			r.sendError(c, "", err)
			return err
		}
		return r.Update(ctx, c, p)

	case protocol.EventPresence:
		return r.Presence(ctx, c, env.Payload)

	case protocol.EventLeave:
		var p protocol.LeavePayload
		if err := env.Decode(&p); err != nil {
			r.sendError(c, "", err)
			return err
		}
		r.Leave(c, p.RoomID)
		return nil

	default:
		err := fmt.Errorf("%w: %s", ErrUnexpectedEvent, env.Type)
		r.sendError(c, "", err)
		return err
	}
}

// Join adds c to a room, seeds the room if it was never seeded, and sends the
// catch-up sync. Membership and the sync share one room lock, so every delta
// c later receives is one the sync does not already contain.
func (r *Relay) Join(ctx context.Context, c Conn, p protocol.JoinPayload) error {
	start := time.Now()

	if err := protocol.ValidateRoomID(p.RoomID); err != nil {
		r.sendError(c, p.RoomID, err)
		return err
	}
	if p.UserID == "" {
		r.sendError(c, p.RoomID, ErrMissingUser)
		return ErrMissingUser
	}

	joinCtx, cancel := context.WithTimeout(ctx, r.joinTimeout)
	defer cancel()

	member := room.Member{ClientID: c.ID(), UserID: p.UserID, Peer: c}
	l := log.WithRoom(r.log, p.RoomID)

	var (
		seedDelta crdt.Delta
		seedFrame []byte
		syncErr   error
	)
	_, _, err := r.rooms.JoinDo(joinCtx, p.RoomID, member, func(s *room.State) {
		if p.Seed != "" {
			delta, seeded, err := s.Doc.Seed(p.Seed)
			if err != nil {
				l.Error().Err(err).Msg("failed to seed room")
			} else if seeded {
				s.MarkDirty()
				seedDelta = delta
				seedFrame, err = protocol.Encode(protocol.EventRemoteUpdate, protocol.UpdatePayload{
					RoomID: p.RoomID,
					Update: codec.Encode(delta),
				})
				if err == nil {
					r.record(l, s.Broadcast(member.ClientID, seedFrame))
				}
				l.Info().Str("user_id", p.UserID).Msg("room seeded")
			}
		}

		users := s.Users()
		frame, err := protocol.Encode(protocol.EventSync, protocol.SyncPayload{
			RoomID: p.RoomID,
			Update: codec.Encode(s.Doc.Snapshot()),
			Users:  users,
		})
		if err != nil {
			syncErr = err
			return
		}
		if err := c.Send(frame); err != nil {
			syncErr = err
			return
		}

		for id, pr := range s.Presence {
			if id == member.ClientID {
				continue
			}
			if frame, err := protocol.Encode(protocol.EventPresenceUpdate, pr); err == nil {
				_ = c.Send(frame)
			}
		}

		joined, err := protocol.Encode(protocol.EventUserJoined, protocol.MembershipPayload{
			RoomID: p.RoomID,
			UserID: p.UserID,
			Users:  users,
		})
		if err == nil {
			r.record(l, s.Broadcast(member.ClientID, joined))
		}
	})
	if err != nil {
		err = fmt.Errorf("join %s: %w", p.RoomID, err)
		r.sendError(c, p.RoomID, err)
		return err
	}

	if seedDelta != nil {
		r.persist(ctx, p.RoomID, seedDelta)
		r.publish(ctx, p.RoomID, seedFrame)
	}

	metrics.JoinDuration.Observe(time.Since(start).Seconds())
	if syncErr != nil {
		return fmt.Errorf("send sync: %w", syncErr)
	}
	l.Debug().Str("client_id", member.ClientID).Str("user_id", p.UserID).Msg("client joined")
	return nil
}

// Update merges a client delta into the canonical replica and forwards it
// unchanged to every other member of the room.
func (r *Relay) Update(ctx context.Context, c Conn, p protocol.UpdatePayload) error {
	l := log.WithRoom(r.log, p.RoomID)

	rm, ok := r.rooms.Get(p.RoomID)
	if !ok || !rm.HasMember(c.ID()) {
		metrics.DeltasRejected.WithLabelValues("not_member").Inc()
		r.sendError(c, p.RoomID, ErrNotMember)
		return ErrNotMember
	}

	raw, err := codec.Decode(p.Update)
	if err != nil {
		metrics.DeltasRejected.WithLabelValues("decode").Inc()
		l.Warn().Err(err).Str("client_id", c.ID()).Msg("dropping undecodable update")
		r.sendError(c, p.RoomID, err)
		return err
	}

	frame, err := protocol.Encode(protocol.EventRemoteUpdate, protocol.UpdatePayload{
		RoomID: p.RoomID,
		Update: p.Update,
	})
	if err != nil {
		return err
	}

	var applyErr error
	rm.Do(func(s *room.State) {
		if _, ok := s.Members[c.ID()]; !ok {
			applyErr = ErrNotMember
			return
		}
		if err := s.Doc.Apply(raw); err != nil {
			applyErr = err
			return
		}
		s.MarkDirty()
		r.record(l, s.Broadcast(c.ID(), frame))
	})
	if applyErr != nil {
		reason := "merge"
		if errors.Is(applyErr, ErrNotMember) {
			reason = "not_member"
		}
		metrics.DeltasRejected.WithLabelValues(reason).Inc()
		l.Warn().Err(applyErr).Str("client_id", c.ID()).Msg("dropping update")
		r.sendError(c, p.RoomID, applyErr)
		return applyErr
	}

	metrics.DeltasRelayed.Inc()
	r.persist(ctx, p.RoomID, raw)
	r.publish(ctx, p.RoomID, frame)
	return nil
}

// Presence records the sender's cursor and forwards the payload verbatim to
// the other members. Presence never touches the document.
func (r *Relay) Presence(ctx context.Context, c Conn, raw json.RawMessage) error {
	var p protocol.PresencePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		err = fmt.Errorf("presence payload: %w", err)
		r.sendError(c, "", err)
		return err
	}

	rm, ok := r.rooms.Get(p.RoomID)
	if !ok || !rm.HasMember(c.ID()) {
		r.sendError(c, p.RoomID, ErrNotMember)
		return ErrNotMember
	}

	frame, err := protocol.Frame(protocol.EventPresenceUpdate, raw)
	if err != nil {
		return err
	}

	l := log.WithRoom(r.log, p.RoomID)
	member := false
	rm.Do(func(s *room.State) {
		m, ok := s.Members[c.ID()]
		if !ok {
			return
		}
		member = true
		if p.UserID == "" {
			p.UserID = m.UserID
		}
		s.Presence[c.ID()] = p
		r.record(l, s.Broadcast(c.ID(), frame))
	})
	if !member {
		return ErrNotMember
	}

	r.publish(ctx, p.RoomID, frame)
	return nil
}

// Leave removes c from one room. Leaving a room c is not in is a no-op.
func (r *Relay) Leave(c Conn, roomID string) {
	m, ok := r.rooms.Leave(roomID, c.ID())
	if !ok {
		return
	}
	r.notifyLeft(roomID, m)
}

// Disconnect removes c from every room it joined.
func (r *Relay) Disconnect(c Conn) {
	for roomID, m := range r.rooms.LeaveAll(c.ID()) {
		r.notifyLeft(roomID, m)
	}
}

func (r *Relay) notifyLeft(roomID string, m room.Member) {
	rm, ok := r.rooms.Get(roomID)
	if !ok {
		return
	}
	l := log.WithRoom(r.log, roomID)
	rm.Do(func(s *room.State) {
		frame, err := protocol.Encode(protocol.EventUserLeft, protocol.MembershipPayload{
			RoomID: roomID,
			UserID: m.UserID,
			Users:  s.Users(),
		})
		if err != nil {
			return
		}
		r.record(l, s.Broadcast("", frame))
	})
	l.Debug().Str("client_id", m.ClientID).Str("user_id", m.UserID).Msg("client left")
}

// Text returns the canonical text of a room, loading it if needed.
func (r *Relay) Text(ctx context.Context, roomID string) (string, error) {
	var text string
	err := r.rooms.With(ctx, roomID, func(rm *room.Room) error {
		text = rm.Text()
		return nil
	})
	return text, err
}

// Snapshot returns the encoded canonical state of a room.
func (r *Relay) Snapshot(ctx context.Context, roomID string) ([]byte, error) {
	var snapshot []byte
	err := r.rooms.With(ctx, roomID, func(rm *room.Room) error {
		snapshot = rm.Snapshot()
		return nil
	})
	return snapshot, err
}

// Evict forgets the in-memory replica of a room without flushing it, so a
// room deleted from the store stays deleted. It fails with room.ErrBusy while
// the room has members or is in use.
func (r *Relay) Evict(roomID string) error {
	if err := r.rooms.Drop(roomID); err != nil {
		return fmt.Errorf("evict %s: %w", roomID, err)
	}
	return nil
}

// Restore replaces the text of a room and pushes the change to its members.
func (r *Relay) Restore(ctx context.Context, roomID, text string) error {
	if err := protocol.ValidateRoomID(roomID); err != nil {
		return err
	}
	return r.rooms.With(ctx, roomID, func(rm *room.Room) error {
		l := log.WithRoom(r.log, roomID)

		var (
			delta crdt.Delta
			frame []byte
			err   error
		)
		rm.Do(func(s *room.State) {
			delta, err = s.Doc.Replace(text)
			if err != nil || delta == nil {
				return
			}
			s.MarkDirty()
			frame, err = protocol.Encode(protocol.EventRemoteUpdate, protocol.UpdatePayload{
				RoomID: roomID,
				Update: codec.Encode(delta),
			})
			if err != nil {
				return
			}
			r.record(l, s.Broadcast("", frame))
		})
		if err != nil {
			return fmt.Errorf("restore %s: %w", roomID, err)
		}
		if delta == nil {
			return nil
		}

		r.persist(ctx, roomID, delta)
		r.publish(ctx, roomID, frame)
		l.Info().Int("length", crdt.RuneLen(text)).Msg("room text restored")
		return nil
	})
}

// ApplyRemote handles a frame published by another relay instance. Rooms with
// no local members are skipped; they load the persisted log on first join.
func (r *Relay) ApplyRemote(roomID string, frame []byte) error {
	rm, ok := r.rooms.Get(roomID)
	if !ok {
		return nil
	}
	env, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	l := log.WithRoom(r.log, roomID)

	switch env.Type {
	case protocol.EventRemoteUpdate:
		var p protocol.UpdatePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		raw, err := codec.Decode(p.Update)
		if err != nil {
			return err
		}
		var applyErr error
		rm.Do(func(s *room.State) {
			if applyErr = s.Doc.Apply(raw); applyErr != nil {
				return
			}
			r.record(l, s.Broadcast("", frame))
		})
		return applyErr

	case protocol.EventPresenceUpdate:
		rm.Do(func(s *room.State) {
			r.record(l, s.Broadcast("", frame))
		})
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedEvent, env.Type)
	}
}

func (r *Relay) loadDocument(ctx context.Context, roomID string) (*crdt.Document, error) {
	if r.store == nil {
		return crdt.New()
	}
	snapshot, updates, err := r.store.LoadDocument(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	doc, err := crdt.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	for i, u := range updates {
		if err := doc.Apply(u); err != nil {
			r.log.Warn().Err(err).Str("room_id", roomID).Int("index", i).Msg("skipping stored update")
		}
	}
	r.log.Debug().Str("room_id", roomID).Int("updates", len(updates)).Msg("room loaded")
	return doc, nil
}

func (r *Relay) flush(rm *room.Room) {
	if r.store == nil || !rm.TakeDirty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.store.SaveSnapshot(ctx, rm.ID, rm.Snapshot(), 0); err != nil {
		r.log.Error().Err(err).Str("room_id", rm.ID).Msg("failed to save snapshot")
	}
}

func (r *Relay) persist(ctx context.Context, roomID string, delta []byte) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.store.SaveUpdate(ctx, roomID, delta); err != nil {
		r.log.Error().Err(err).Str("room_id", roomID).Msg("failed to save update")
	}
}

func (r *Relay) publish(ctx context.Context, roomID string, frame []byte) {
	r.mu.RLock()
	pub := r.pub
	r.mu.RUnlock()
	if pub == nil {
		return
	}
	if err := pub.Publish(context.WithoutCancel(ctx), roomID, frame); err != nil {
		r.log.Warn().Err(err).Str("room_id", roomID).Msg("failed to publish frame")
	}
}

func (r *Relay) record(l zerolog.Logger, res room.BroadcastResult) {
	for id, err := range res.Failed {
		metrics.BroadcastFailures.Inc()
		l.Warn().Err(err).Str("client_id", id).Msg("failed to deliver frame")
	}
}

func (r *Relay) sendError(c Conn, roomID string, err error) {
	frame, encErr := protocol.Encode(protocol.EventError, protocol.ErrorPayload{
		RoomID:  roomID,
		Message: err.Error(),
	})
	if encErr != nil {
		return
	}
	_ = c.Send(frame)
}
