package binding

import (
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omniforge/collab/internal/codec"
	"github.com/omniforge/collab/internal/protocol"
)

const writeWait = 10 * time.Second

// link is one live connection to the relay.
type link struct {
	conn *websocket.Conn
	send chan []byte
	// closed once the read side is finished
	stop chan struct{}
}

func newLink(conn *websocket.Conn, buffer int) *link {
	return &link{
		conn: conn,
		send: make(chan []byte, buffer),
		stop: make(chan struct{}),
	}
}

// enqueue reports false when the link is finished or its buffer is full.
func (l *link) enqueue(frame []byte) bool {
	select {
	case <-l.stop:
		return false
	default:
	}
	select {
	case l.send <- frame:
		return true
	default:
		return false
	}
}

func (l *link) write(messageType int, data []byte) error {
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(messageType, data)
}

func updateFrame(roomID string, delta []byte) ([]byte, error) {
	return protocol.Encode(protocol.EventUpdate, protocol.UpdatePayload{
		RoomID: roomID,
		Update: codec.Encode(delta),
	})
}

// serve runs one connection until it drops or the session closes.
func (s *Session) serve(conn *websocket.Conn) error {
	l := newLink(conn, s.opts.SendBuffer)

	s.mu.Lock()
	seed := ""
	if !s.everSynced {
		seed = s.opts.InitialContent
	}
	s.link = l
	s.mu.Unlock()
	s.setState(StateConnected)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(l)
	}()

	join, err := protocol.Encode(protocol.EventJoin, protocol.JoinPayload{
		RoomID: s.opts.RoomID,
		UserID: s.opts.UserID,
		Seed:   seed,
	})
	if err == nil {
		l.enqueue(join)
	}

	err = s.readLoop(l)

	s.mu.Lock()
	if s.link == l {
		s.link = nil
	}
	// Deltas queued or in flight when the link dropped may never have
	// reached the relay.
	if s.everSynced {
		s.pending = true
	}
	s.mu.Unlock()
	close(l.stop)
	<-writerDone
	return err
}

func (s *Session) readLoop(l *link) error {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handle(data)
	}
}

func (s *Session) writePump(l *link) {
	defer l.conn.Close()

	for {
		select {
		case frame := <-l.send:
			if err := l.write(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-l.stop:
			return

		case <-s.ctx.Done():
			s.drain(l)
			l.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes queued frames, such as the final leave, before closing.
func (s *Session) drain(l *link) {
	for {
		select {
		case frame := <-l.send:
			if err := l.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) handle(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	switch env.Type {
	case protocol.EventSync:
		var p protocol.SyncPayload
		if err := env.Decode(&p); err != nil {
			s.log.Warn().Err(err).Msg("bad sync")
			return
		}
		if err := s.mergeEncoded(p.Update); err != nil {
			s.log.Error().Err(err).Msg("failed to merge sync")
			return
		}
		s.markSynced(p.Users)

	case protocol.EventRemoteUpdate:
		var p protocol.UpdatePayload
		if err := env.Decode(&p); err != nil || p.RoomID != s.opts.RoomID {
			return
		}
		if err := s.mergeEncoded(p.Update); err != nil {
			s.log.Warn().Err(err).Msg("dropping remote update")
		}

	case protocol.EventPresenceUpdate:
		var p protocol.PresencePayload
		if err := env.Decode(&p); err != nil || p.UserID == "" || p.UserID == s.opts.UserID {
			return
		}
		s.mu.Lock()
		s.presence[p.UserID] = p
		s.mu.Unlock()

	case protocol.EventUserJoined, protocol.EventUserLeft:
		var p protocol.MembershipPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		s.mu.Lock()
		s.members = p.Users
		if env.Type == protocol.EventUserLeft && !slices.Contains(p.Users, p.UserID) {
			delete(s.presence, p.UserID)
		}
		s.mu.Unlock()

	case protocol.EventError:
		var p protocol.ErrorPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		s.mu.Lock()
		s.lastError = p.Message
		s.mu.Unlock()
		s.log.Warn().Str("message", p.Message).Msg("relay reported an error")
	}
}

func (s *Session) mergeEncoded(update string) error {
	raw, err := codec.Decode(update)
	if err != nil {
		return err
	}
	return s.applyRemote(raw)
}

// markSynced switches to StateSynced and, when local edits were made while
// unsynced, sends the full replica once so they reach the room.
func (s *Session) markSynced(users []string) {
	s.mu.Lock()
	s.members = users
	first := !s.everSynced
	s.everSynced = true
	pending := s.pending
	s.pending = false
	l := s.link
	s.mu.Unlock()

	s.setState(StateSynced)
	if first {
		close(s.firstSync)
	}

	if pending && l != nil {
		frame, err := updateFrame(s.opts.RoomID, s.doc.Snapshot())
		if err != nil {
			return
		}
		if !l.enqueue(frame) {
			s.mu.Lock()
			s.pending = true
			s.mu.Unlock()
			return
		}
		s.log.Debug().Msg("sent offline edits")
	}
}
