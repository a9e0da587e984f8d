package database

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/manavkr/tradepulse/types"
)

type Database struct {
	db *gorm.DB
}

// Models

// OrderRow is one leg in the order ledger. Iceberg slices get one row each,
// all sharing the parent intent's tag.
type OrderRow struct {
	ID            string `gorm:"primaryKey"` // internal UUID, assigned before broker contact
	BrokerOrderID string `gorm:"index"`
	Token         string `gorm:"index"`
	Symbol        string
	Side          string
	OrderType     string
	Quantity      int64
	Price         decimal.Decimal `gorm:"type:decimal(20,6)"`
	Status        string          `gorm:"index"`
	FilledQty     int64
	AvgPrice      decimal.Decimal `gorm:"type:decimal(20,6)"`
	Tag           string          `gorm:"index"` // strategy name or WEBHOOK
	Message       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (OrderRow) TableName() string { return "order_ledger" }

// InstrumentRow mirrors one scrip master entry.
type InstrumentRow struct {
	Token         string `gorm:"primaryKey"`
	TradingSymbol string
	Symbol        string `gorm:"index"`
	LotSize       int64
	TickSize      decimal.Decimal `gorm:"type:decimal(10,4)"`
	FreezeQty     int64
	Segment       string
	Exchange      string
	UpdatedAt     time.Time
}

func (InstrumentRow) TableName() string { return "instrument_master" }

// Instrument converts the row to the in-memory form the cache serves.
func (r InstrumentRow) Instrument() types.Instrument {
	return types.Instrument{
		Token:         r.Token,
		TradingSymbol: r.TradingSymbol,
		Symbol:        r.Symbol,
		LotSize:       r.LotSize,
		TickSize:      r.TickSize,
		FreezeQty:     r.FreezeQty,
		Segment:       r.Segment,
		Exchange:      r.Exchange,
	}
}

// ConfigRow is a key/value pair; values are JSON documents. The engine uses
// the keys current_state and strategy_config.
type ConfigRow struct {
	Key       string `gorm:"primaryKey;column:key"`
	Value     string
	UpdatedAt time.Time
}

func (ConfigRow) TableName() string { return "system_config" }

// New opens the database. A postgres:// URL selects PostgreSQL; anything
// else is treated as a SQLite file path.
func New(databaseURL string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err = gorm.Open(postgres.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(databaseURL)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", databaseURL).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&OrderRow{}, &InstrumentRow{}, &ConfigRow{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// Close releases the underlying connection pool.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Instrument master operations

// UpsertInstruments replaces or inserts scrip master rows by token.
func (d *Database) UpsertInstruments(rows []InstrumentRow) error {
	now := time.Now()
	for i := range rows {
		rows[i].UpdatedAt = now
	}
	return d.db.Save(&rows).Error
}

func (d *Database) ListInstruments() ([]InstrumentRow, error) {
	var rows []InstrumentRow
	err := d.db.Order("symbol").Find(&rows).Error
	return rows, err
}

func (d *Database) InstrumentCount() (int64, error) {
	var count int64
	err := d.db.Model(&InstrumentRow{}).Count(&count).Error
	return count, err
}

// System config operations

func (d *Database) SaveConfig(key, value string) error {
	row := ConfigRow{Key: key, Value: value, UpdatedAt: time.Now()}
	return d.db.Save(&row).Error
}

// LoadConfig returns the stored value, or ("", nil) when the key is absent.
func (d *Database) LoadConfig(key string) (string, error) {
	var row ConfigRow
	err := d.db.First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Value, nil
}
