package compaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/omniforge/collab/internal/crdt"
	"github.com/omniforge/collab/internal/db"
	"github.com/omniforge/collab/internal/log"
	"github.com/omniforge/collab/internal/metrics"
)

type Config struct {
	Interval        time.Duration
	UpdateThreshold int
}

func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Minute,
		UpdateThreshold: 100,
	}
}

// Store is the part of the database compaction needs.
type Store interface {
	ListRooms(ctx context.Context, limit, offset int) ([]db.Room, error)
	GetUpdateCount(ctx context.Context, roomID string) (int, error)
	GetSnapshot(ctx context.Context, roomID string) ([]byte, int, error)
	GetUpdates(ctx context.Context, roomID string) ([]db.Update, error)
	Compact(ctx context.Context, roomID string, snapshot []byte, lastID int64, folded int) (int64, error)
}

// Service periodically folds each room's update log into its snapshot so
// loading a room does not replay an ever growing log.
type Service struct {
	store  Store
	config Config
	log    zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store Store, config Config) *Service {
	return &Service{
		store:  store,
		config: config,
		log:    log.WithComponent("compaction"),
	}
}

func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
	s.log.Info().
		Dur("interval", s.config.Interval).
		Int("threshold", s.config.UpdateThreshold).
		Msg("compaction service started")
}

func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.log.Info().Msg("compaction service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.compactAllRooms(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.compactAllRooms(ctx)
		}
	}
}

const pageSize = 500

func (s *Service) compactAllRooms(ctx context.Context) {
	compacted := 0
	for offset := 0; ; offset += pageSize {
		rooms, err := s.store.ListRooms(ctx, pageSize, offset)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to list rooms")
			return
		}

		for _, room := range rooms {
			if ctx.Err() != nil {
				return
			}
			if !s.shouldCompact(ctx, room.ID) {
				continue
			}
			if _, err := s.compactRoom(ctx, room.ID); err != nil {
				metrics.CompactionsTotal.WithLabelValues("error").Inc()
				s.log.Error().Err(err).Str("room_id", room.ID).Msg("compaction failed")
				continue
			}
			metrics.CompactionsTotal.WithLabelValues("ok").Inc()
			compacted++
		}

		if len(rooms) < pageSize {
			break
		}
	}

	if compacted > 0 {
		s.log.Info().Int("rooms", compacted).Msg("compacted rooms")
	}
}

func (s *Service) shouldCompact(ctx context.Context, roomID string) bool {
	count, err := s.store.GetUpdateCount(ctx, roomID)
	if err != nil {
		return false
	}
	return count >= s.config.UpdateThreshold
}

// compactRoom merges the snapshot and every logged update into one replica
// and stores its state as the new snapshot. Merging stops at the first update
// that fails; it stays in the log with everything after it.
func (s *Service) compactRoom(ctx context.Context, roomID string) (int64, error) {
	snapshot, folded, err := s.store.GetSnapshot(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("get snapshot: %w", err)
	}
	updates, err := s.store.GetUpdates(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("get updates: %w", err)
	}
	if len(updates) == 0 {
		return 0, nil
	}

	doc, err := crdt.Load(snapshot)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}

	var lastID int64
	merged := 0
	for _, u := range updates {
		if err := doc.Apply(u.Data); err != nil {
			s.log.Warn().Err(err).Str("room_id", roomID).Int64("update_id", u.ID).Msg("stopping at unmergeable update")
			break
		}
		lastID = u.ID
		merged++
	}
	if merged == 0 {
		return 0, nil
	}

	deleted, err := s.store.Compact(ctx, roomID, doc.Snapshot(), lastID, folded+merged)
	if err != nil {
		return 0, err
	}

	s.log.Debug().
		Str("room_id", roomID).
		Int("updates", len(updates)).
		Int64("deleted", deleted).
		Msg("room compacted")
	return deleted, nil
}

// CompactNow compacts one room regardless of the threshold.
func (s *Service) CompactNow(ctx context.Context, roomID string) (int64, error) {
	return s.compactRoom(ctx, roomID)
}
