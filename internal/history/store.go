package history

import (
	"context"
	"slices"
	"time"

	"mdstream/internal/model"
	"mdstream/internal/model/enum"
	"mdstream/pkg/exception"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultBackfillLimit = 50_000
	defaultInsertBatch   = 500
)

// LiquidationRecord is the persisted form of a liquidation event.
// (symbol, timestamp, price, side) is unique, so replays of the same event are ignored.
type LiquidationRecord struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Symbol    string    `gorm:"size:32;not null;uniqueIndex:idx_liquidation_event,priority:1;index:idx_liquidation_symbol_ts,priority:1"`
	Timestamp int64     `gorm:"not null;uniqueIndex:idx_liquidation_event,priority:2;index:idx_liquidation_symbol_ts,priority:2"`
	Price     float64   `gorm:"not null;uniqueIndex:idx_liquidation_event,priority:3"`
	Side      uint8     `gorm:"not null;uniqueIndex:idx_liquidation_event,priority:4"`
	Quantity  float64   `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (LiquidationRecord) TableName() string {
	return "liquidation_events"
}

func newRecord(e model.LiquidationEvent) LiquidationRecord {
	return LiquidationRecord{
		Symbol:    e.Symbol,
		Timestamp: e.Timestamp,
		Price:     e.Price,
		Side:      uint8(e.Side),
		Quantity:  e.Quantity,
	}
}

func (r LiquidationRecord) Event() model.LiquidationEvent {
	return model.LiquidationEvent{
		Symbol:    r.Symbol,
		Side:      enum.Side(r.Side),
		Quantity:  r.Quantity,
		Price:     r.Price,
		Timestamp: r.Timestamp,
	}
}

// Store keeps liquidation history in PostgreSQL and serves it as a backfill source.
type Store struct {
	db    *gorm.DB
	limit int
}

// NewStore wraps db. limit caps the rows returned per backfill, 0 uses the default.
func NewStore(db *gorm.DB, limit int) (*Store, error) {
	if db == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "history: gorm db")
	}
	if limit <= 0 {
		limit = defaultBackfillLimit
	}
	return &Store{db: db, limit: limit}, nil
}

// Migrate creates or updates the liquidation table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&LiquidationRecord{}); err != nil {
		return errors.Wrap(err, "auto migrate liquidation records")
	}
	return nil
}

// Save inserts events, skipping ones that are already stored.
func (s *Store) Save(ctx context.Context, events ...model.LiquidationEvent) error {
	if len(events) == 0 {
		return nil
	}

	records := make([]LiquidationRecord, 0, len(events))
	for _, e := range events {
		records = append(records, newRecord(e))
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&records, defaultInsertBatch).Error
	if err != nil {
		return errors.Wrapf(err, "save %d liquidation records", len(records))
	}
	return nil
}

// BackfillLiquidations returns the newest events of symbol in [since, until), at most the store
// limit, oldest first.
func (s *Store) BackfillLiquidations(ctx context.Context, symbol string, since, until time.Time) ([]model.LiquidationEvent, error) {
	var records []LiquidationRecord
	if err := s.backfillQuery(ctx, symbol, since, until).Find(&records).Error; err != nil {
		return nil, errors.Wrapf(err, "query liquidation records, symbol: %s", symbol)
	}
	slices.Reverse(records)

	events := make([]model.LiquidationEvent, 0, len(records))
	for _, r := range records {
		events = append(events, r.Event())
	}
	return events, nil
}

// backfillQuery keeps the newest rows when the window holds more than the limit.
func (s *Store) backfillQuery(ctx context.Context, symbol string, since, until time.Time) *gorm.DB {
	return s.db.WithContext(ctx).
		Where("symbol = ? AND timestamp >= ? AND timestamp < ?", symbol, since.UnixMilli(), until.UnixMilli()).
		Order("timestamp DESC").
		Limit(s.limit)
}

// Prune deletes records older than before and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("timestamp < ?", before.UnixMilli()).
		Delete(&LiquidationRecord{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "prune liquidation records")
	}
	return res.RowsAffected, nil
}
