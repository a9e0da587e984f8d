package risk

import "github.com/shopspring/decimal"

// DefaultChargeFactor is the blended intraday charge estimate the sentinel
// applies to turnover when it has no buy/sell split.
var DefaultChargeFactor = decimal.RequireFromString("0.00035")

// ChargeBreakdown itemizes estimated NSE equity intraday charges.
type ChargeBreakdown struct {
	Brokerage decimal.Decimal `json:"brokerage"`
	STT       decimal.Decimal `json:"stt"`
	Exchange  decimal.Decimal `json:"exchange"`
	GST       decimal.Decimal `json:"gst"`
	SEBI      decimal.Decimal `json:"sebi"`
	StampDuty decimal.Decimal `json:"stamp_duty"`
	Total     decimal.Decimal `json:"total"`
}

var (
	sttRate      = decimal.RequireFromString("0.00025")   // 0.025% on sell side
	exchangeRate = decimal.RequireFromString("0.0000325") // NSE 0.00325% on turnover
	gstRate      = decimal.RequireFromString("0.18")      // on brokerage + exchange
	sebiRate     = decimal.RequireFromString("0.000001")  // 0.0001% on turnover
	stampRate    = decimal.RequireFromString("0.00003")   // 0.003% on buy side
)

// EstimateCharges itemizes charges for one round trip. Brokerage is zero
// for API-only intraday equity; turnover-linked levies still bite.
func EstimateCharges(buyValue, sellValue decimal.Decimal) ChargeBreakdown {
	turnover := buyValue.Add(sellValue)

	brokerage := decimal.Zero
	stt := sellValue.Mul(sttRate)
	exchange := turnover.Mul(exchangeRate)
	gst := brokerage.Add(exchange).Mul(gstRate)
	sebi := turnover.Mul(sebiRate)
	stamp := buyValue.Mul(stampRate)

	total := brokerage.Add(stt).Add(exchange).Add(gst).Add(sebi).Add(stamp)
	return ChargeBreakdown{
		Brokerage: brokerage,
		STT:       stt,
		Exchange:  exchange,
		GST:       gst,
		SEBI:      sebi,
		StampDuty: stamp,
		Total:     total.Round(2),
	}
}
