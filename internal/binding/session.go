// Package binding keeps a local text replica in sync with a room on a relay
// server. Local edits are sent as deltas; deltas from other members are merged
// into the replica.
package binding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/omniforge/collab/internal/crdt"
	"github.com/omniforge/collab/internal/log"
	"github.com/omniforge/collab/internal/protocol"
)

var (
	ErrClosed       = errors.New("binding: session closed")
	ErrNotConnected = errors.New("binding: not connected")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// Synced means the catch-up sync for the current connection was merged.
	StateSynced
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSynced:
		return "synced"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

type Options struct {
	// Relay WebSocket endpoint, e.g. ws://localhost:8080/ws
	URL    string
	RoomID string
	UserID string
	// Offered to the room until the first sync. The relay applies it only to
	// a document that was never seeded.
	InitialContent string

	Dialer *websocket.Dialer
	Header http.Header

	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	SendBuffer           int
	Logger               *zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 250 * time.Millisecond
	}
	if o.MaxReconnectInterval <= 0 {
		o.MaxReconnectInterval = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
}

// Session is one client's binding to one room.
type Session struct {
	opts Options
	doc  *crdt.Document
	log  zerolog.Logger

	// editMu serializes local edits with remote merges so applyingRemote
	// only ever covers the merge in progress.
	editMu         sync.Mutex
	applyingRemote atomic.Bool
	unsubscribe    func()

	mu         sync.Mutex
	state      State
	link       *link
	everSynced bool
	// Local changes made while not synced; the full replica is sent after
	// the next sync.
	pending   bool
	members   []string
	presence  map[string]protocol.PresencePayload
	lastError string
	changeFns map[int]func(crdt.Change)
	stateFns  map[int]func(State)
	nextFn    int

	firstSync chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open creates the local replica, connects to the relay and joins the room.
// Only the first dial is bounded by ctx; later reconnects run in the
// background until Close.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if err := protocol.ValidateRoomID(opts.RoomID); err != nil {
		return nil, err
	}
	if opts.UserID == "" {
		return nil, errors.New("binding: missing user id")
	}
	if opts.URL == "" {
		return nil, errors.New("binding: missing relay url")
	}
	opts.setDefaults()

	doc, err := crdt.New()
	if err != nil {
		return nil, err
	}

	l := log.WithComponent("binding")
	if opts.Logger != nil {
		l = *opts.Logger
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:      opts,
		doc:       doc,
		log:       l.With().Str("room_id", opts.RoomID).Str("user_id", opts.UserID).Logger(),
		presence:  make(map[string]protocol.PresencePayload),
		changeFns: make(map[int]func(crdt.Change)),
		stateFns:  make(map[int]func(State)),
		firstSync: make(chan struct{}),
		ctx:       runCtx,
		cancel:    cancel,
	}
	s.unsubscribe = doc.Subscribe(s.onDocChange)

	s.setState(StateConnecting)
	conn, err := s.dial(ctx)
	if err != nil {
		cancel()
		s.unsubscribe()
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	s.wg.Add(1)
	go s.run(conn)
	return s, nil
}

// WaitSynced blocks until the first catch-up sync was merged.
func (s *Session) WaitSynced(ctx context.Context) error {
	select {
	case <-s.firstSync:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Text() string {
	return s.doc.Text()
}

func (s *Session) Len() int {
	return s.doc.Len()
}

// Insert edits the local replica. The edit is sent right away when synced,
// otherwise after the next sync.
func (s *Session) Insert(index int, text string) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	s.editMu.Lock()
	defer s.editMu.Unlock()
	_, err := s.doc.Insert(index, text)
	return err
}

func (s *Session) Delete(index, length int) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	s.editMu.Lock()
	defer s.editMu.Unlock()
	_, err := s.doc.Delete(index, length)
	return err
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Members returns the user ids currently in the room.
func (s *Session) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.members...)
}

// Presence returns the latest presence of the other users, keyed by user id.
func (s *Session) Presence() map[string]protocol.PresencePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]protocol.PresencePayload, len(s.presence))
	for k, v := range s.presence {
		out[k] = v
	}
	return out
}

// LastError returns the message of the last error event from the relay.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// SetPresence publishes the local cursor and selection. Presence is not
// queued while disconnected.
func (s *Session) SetPresence(cursor *protocol.Cursor, selection *protocol.Selection) error {
	frame, err := protocol.Encode(protocol.EventPresence, protocol.PresencePayload{
		RoomID:    s.opts.RoomID,
		UserID:    s.opts.UserID,
		Cursor:    cursor,
		Selection: selection,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	l, synced := s.link, s.state == StateSynced
	s.mu.Unlock()
	if l == nil || !synced {
		return ErrNotConnected
	}
	if !l.enqueue(frame) {
		return ErrNotConnected
	}
	return nil
}

// OnChange registers fn for every text change, local or remote.
func (s *Session) OnChange(fn func(crdt.Change)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextFn
	s.nextFn++
	s.changeFns[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.changeFns, id)
		s.mu.Unlock()
	}
}

func (s *Session) OnState(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextFn
	s.nextFn++
	s.stateFns[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.stateFns, id)
		s.mu.Unlock()
	}
}

// Close leaves the room, closes the connection and stops every goroutine.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		l := s.link
		s.mu.Unlock()
		if l != nil {
			if frame, err := protocol.Encode(protocol.EventLeave, protocol.LeavePayload{RoomID: s.opts.RoomID}); err == nil {
				l.enqueue(frame)
			}
		}

		s.cancel()
		s.wg.Wait()
		s.unsubscribe()
		s.setState(StateClosed)
	})
	return nil
}

func (s *Session) onDocChange(c crdt.Change) {
	if c.Origin == crdt.OriginLocal && !s.applyingRemote.Load() {
		s.sendDelta(c.Delta)
	}

	s.mu.Lock()
	fns := make([]func(crdt.Change), 0, len(s.changeFns))
	for _, fn := range s.changeFns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (s *Session) sendDelta(delta crdt.Delta) {
	s.mu.Lock()
	l, synced := s.link, s.state == StateSynced
	if l == nil || !synced {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	frame, err := updateFrame(s.opts.RoomID, delta)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode update")
		return
	}
	if !l.enqueue(frame) {
		// The connection is gone or stalled; resend everything after resync.
		s.mu.Lock()
		s.pending = true
		s.mu.Unlock()
		l.conn.Close()
	}
}

func (s *Session) applyRemote(raw []byte) error {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	s.applyingRemote.Store(true)
	defer s.applyingRemote.Store(false)
	return s.doc.Apply(raw)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = st
	fns := make([]func(State), 0, len(s.stateFns))
	for _, fn := range s.stateFns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	s.log.Debug().Stringer("state", st).Msg("state changed")
	for _, fn := range fns {
		fn(st)
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("userId", s.opts.UserID)
	u.RawQuery = q.Encode()

	conn, resp, err := s.opts.Dialer.DialContext(ctx, u.String(), s.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (s *Session) run(conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		err := s.serve(conn)
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Msg("connection lost")
		s.setState(StateDisconnected)

		conn, err = s.reconnect()
		if err != nil {
			return
		}
	}
}

func (s *Session) reconnect() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ReconnectInterval
	b.MaxInterval = s.opts.MaxReconnectInterval
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	operation := func() error {
		s.setState(StateConnecting)
		c, err := s.dial(s.ctx)
		if err != nil {
			s.log.Debug().Err(err).Msg("reconnect failed")
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, s.ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}
