package store

import "time"

// AccountingRow holds the persisted state of one accounting point.
// Table: accounting_state
type AccountingRow struct {
	Key       string    `gorm:"column:point_key;primaryKey"`
	Baseline  float64   `gorm:"column:baseline"`
	Day       string    `gorm:"column:day"`
	Last      float64   `gorm:"column:last"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (AccountingRow) TableName() string { return "accounting_state" }

// LatestValue stores the last published payload of each point.
// Table: latest_values
type LatestValue struct {
	Key       string    `gorm:"column:point_key;primaryKey"`
	Payload   string    `gorm:"column:payload"`
	Timestamp time.Time `gorm:"column:timestamp;index"`
}

func (LatestValue) TableName() string { return "latest_values" }
