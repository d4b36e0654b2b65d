// Package store archives the results of completed runs in Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/dkeye/letterlings/internal/domain"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type RunResult struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	RoomCode    string         `gorm:"size:8;index;not null" json:"roomCode"`
	LevelID     string         `gorm:"size:64;index;not null" json:"levelId"`
	HostID      string         `gorm:"size:64;not null" json:"hostId"`
	Players     int            `gorm:"not null" json:"players"`
	TopScore    int            `gorm:"not null" json:"topScore"`
	Results     datatypes.JSON `gorm:"type:jsonb;not null" json:"results"`
	CompletedAt time.Time      `gorm:"not null" json:"completedAt"`
	CreatedAt   time.Time      `gorm:"not null" json:"-"`
}

// Open connects to Postgres.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("database dsn is not set")
	}
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

// Migrate runs GORM auto-migrations for the archive table.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("db connection is nil")
	}
	if err := conn.AutoMigrate(&RunResult{}); err != nil {
		return err
	}
	log.Info().Str("module", "store").Msg("database migration complete")
	return nil
}

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func New(conn *gorm.DB) *Store {
	return &Store{db: conn, now: time.Now}
}

// NewRunResult flattens one completed run into an archive row. Results are
// stored in finishing order: highest score first, then fastest.
func NewRunResult(room domain.Room, results map[domain.ParticipantID]domain.Result, at time.Time) (RunResult, error) {
	list := make([]domain.Result, 0, len(results))
	for _, r := range results {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Score != list[j].Score {
			return list[i].Score > list[j].Score
		}
		return list[i].Time < list[j].Time
	})
	payload, err := json.Marshal(list)
	if err != nil {
		return RunResult{}, err
	}
	top := 0
	if len(list) > 0 {
		top = list[0].Score
	}
	return RunResult{
		RoomCode:    string(room.Code),
		LevelID:     string(room.LevelID),
		HostID:      string(room.HostID),
		Players:     len(list),
		TopScore:    top,
		Results:     datatypes.JSON(payload),
		CompletedAt: at,
	}, nil
}

func (s *Store) SaveResults(ctx context.Context, room domain.Room, results map[domain.ParticipantID]domain.Result) error {
	row, err := NewRunResult(room, results, s.now())
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	log.Info().Str("module", "store").Str("room", row.RoomCode).Uint("id", row.ID).Msg("results archived")
	return nil
}

// Recent returns the latest archived runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]RunResult, error) {
	var rows []RunResult
	err := s.db.WithContext(ctx).Order("completed_at desc").Limit(limit).Find(&rows).Error
	return rows, err
}

// ByLevel returns the best runs of a level, top score first.
func (s *Store) ByLevel(ctx context.Context, level domain.LevelID, limit int) ([]RunResult, error) {
	var rows []RunResult
	err := s.db.WithContext(ctx).
		Where("level_id = ?", string(level)).
		Order("top_score desc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Noop is the archive used when no database is configured.
type Noop struct{}

func (Noop) SaveResults(context.Context, domain.Room, map[domain.ParticipantID]domain.Result) error {
	return nil
}

func (Noop) Recent(context.Context, int) ([]RunResult, error) { return nil, nil }

func (Noop) ByLevel(context.Context, domain.LevelID, int) ([]RunResult, error) { return nil, nil }
