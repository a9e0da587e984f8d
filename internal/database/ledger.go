package database

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/manavkr/tradepulse/types"
)

// Order ledger operations

// CreateOrder inserts a new leg before it is sent to the broker.
func (d *Database) CreateOrder(row *OrderRow) error {
	return d.db.Create(row).Error
}

// SetBrokerOrderID attaches the broker's id once the leg is accepted.
func (d *Database) SetBrokerOrderID(id, brokerOrderID string) error {
	return d.db.Model(&OrderRow{}).Where("id = ?", id).
		Update("broker_order_id", brokerOrderID).Error
}

// ApplyOrderUpdate records a status transition for a leg. Terminal statuses
// stick: once a leg is COMPLETE, REJECTED, CANCELLED or FAILED, a later
// non-terminal update for the same leg is dropped (exchange replays and
// out-of-order websocket frames would otherwise resurrect finished orders).
// Updates for unknown ids create the row, since the websocket can outrun the
// insert that follows order placement.
func (d *Database) ApplyOrderUpdate(id string, status types.OrderStatus, filledQty int64, avgPrice decimal.Decimal, message string) error {
	var row OrderRow
	err := d.db.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return d.db.Create(&OrderRow{
			ID:        id,
			Status:    string(status),
			FilledQty: filledQty,
			AvgPrice:  avgPrice,
			Message:   message,
		}).Error
	}
	if err != nil {
		return err
	}

	if types.OrderStatus(row.Status).Terminal() && !status.Terminal() {
		return nil
	}

	row.Status = string(status)
	if filledQty > 0 {
		row.FilledQty = filledQty
	}
	if avgPrice.IsPositive() {
		row.AvgPrice = avgPrice
	}
	if message != "" {
		row.Message = message
	}
	return d.db.Save(&row).Error
}

// FindByBrokerOrderID resolves a broker id back to the internal leg.
func (d *Database) FindByBrokerOrderID(brokerOrderID string) (*OrderRow, error) {
	var row OrderRow
	err := d.db.First(&row, "broker_order_id = ?", brokerOrderID).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (d *Database) GetOrder(id string) (*OrderRow, error) {
	var row OrderRow
	err := d.db.First(&row, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// OpenOrders returns legs still in flight, for boot reconciliation.
func (d *Database) OpenOrders() ([]OrderRow, error) {
	var rows []OrderRow
	err := d.db.Where("status IN ?", []string{
		string(types.StatusPendingBroker),
		string(types.StatusPlaced),
		string(types.StatusPartial),
	}).Order("created_at").Find(&rows).Error
	return rows, err
}

// OrdersSince returns legs created at or after the cutoff, newest first.
func (d *Database) OrdersSince(cutoff time.Time) ([]OrderRow, error) {
	var rows []OrderRow
	err := d.db.Where("created_at >= ?", cutoff).Order("created_at DESC").Find(&rows).Error
	return rows, err
}

// LedgerStats aggregates counts for the day's /status and Telegram summary.
func (d *Database) LedgerStats(since time.Time) (map[string]int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}
	var counts []statusCount
	err := d.db.Model(&OrderRow{}).
		Select("status, count(*) as count").
		Where("created_at >= ?", since).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}

	stats := make(map[string]int64, len(counts))
	for _, c := range counts {
		stats[c.Status] = c.Count
	}
	return stats, nil
}
