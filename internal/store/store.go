// Package store persists accounting baselines and the latest published values in SQLite.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"modbus-gateway/internal/publish"
	"modbus-gateway/internal/sensor"
)

// Store wraps a GORM SQLite connection.
type Store struct {
	orm *gorm.DB
	now func() time.Time
}

// driverName is the pure-Go modernc driver; gorm only supplies the dialect.
const driverName = "sqlite"

// Open opens (creating if needed) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	orm, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: driverName, DSN: dsn}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := orm.AutoMigrate(&AccountingRow{}, &LatestValue{}); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &Store{orm: orm, now: time.Now}, nil
}

// Close closes the underlying SQL DB.
func (s *Store) Close() error {
	sqlDB, err := s.orm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) LoadAccounting(key string) (sensor.AccountingState, bool, error) {
	var rows []AccountingRow
	if err := s.orm.Where("point_key = ?", key).Limit(1).Find(&rows).Error; err != nil {
		return sensor.AccountingState{}, false, err
	}
	if len(rows) == 0 {
		return sensor.AccountingState{}, false, nil
	}
	r := rows[0]
	return sensor.AccountingState{Baseline: r.Baseline, Day: r.Day, Last: r.Last}, true, nil
}

func (s *Store) SaveAccounting(key string, st sensor.AccountingState) error {
	row := AccountingRow{Key: key, Baseline: st.Baseline, Day: st.Day, Last: st.Last, UpdatedAt: s.now()}
	return s.orm.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// Publish records state messages as latest values. Other topics are ignored,
// which lets the store sit behind publish.Multi next to a broker.
func (s *Store) Publish(ctx context.Context, m publish.Message) error {
	key, ok := strings.CutSuffix(m.Topic, "/state")
	if !ok {
		return nil
	}
	row := LatestValue{Key: key, Payload: m.Payload, Timestamp: s.now()}
	return s.orm.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// Latest returns every stored latest value ordered by key.
func (s *Store) Latest(ctx context.Context) ([]LatestValue, error) {
	var rows []LatestValue
	if err := s.orm.WithContext(ctx).Order("point_key").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
