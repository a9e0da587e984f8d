package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/risk"
	"github.com/manavkr/tradepulse/types"
)

// Prometheus instruments, served by the API's /metrics handler.
//
//   tradepulse_ticks_total                  ticks consumed from the feed queue
//   tradepulse_orders_total{side,result}    pipeline outcomes (ok|rejected)
//   tradepulse_trades_closed_total{result}  closed round trips (win|loss)
//   tradepulse_net_pnl                      day net PnL after estimated charges
//   tradepulse_open_trades                  slots reserved by the risk sentinel
//   tradepulse_kill_switch                  1 while the latch is tripped
//   tradepulse_queue_depth{queue}           bus queue depths (tick|order)
//   tradepulse_ticks_shed                   drops across bus and strategy queues
var (
	mtxTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradepulse_ticks_total",
			Help: "Ticks consumed from the feed queue",
		},
	)

	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradepulse_orders_total",
			Help: "Order pipeline outcomes",
		},
		[]string{"side", "result"},
	)

	mtxTradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradepulse_trades_closed_total",
			Help: "Closed round trips by result",
		},
		[]string{"result"},
	)

	mtxNetPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradepulse_net_pnl",
			Help: "Net realized PnL for the day, after estimated charges",
		},
	)

	mtxOpenTrades = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradepulse_open_trades",
			Help: "Open slots reserved by the risk sentinel",
		},
	)

	mtxKillSwitch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradepulse_kill_switch",
			Help: "1 while the kill switch latch is tripped",
		},
	)

	mtxQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradepulse_queue_depth",
			Help: "Bus queue depths",
		},
		[]string{"queue"},
	)

	mtxTicksShed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradepulse_ticks_shed",
			Help: "Ticks dropped by the bus and per-strategy queues",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxTicks, mtxOrders, mtxTradesClosed)
	prometheus.MustRegister(mtxNetPnL, mtxOpenTrades, mtxKillSwitch)
	prometheus.MustRegister(mtxQueueDepth, mtxTicksShed)
}

func observeOrder(side types.Side, ok bool) {
	result := "ok"
	if !ok {
		result = "rejected"
	}
	mtxOrders.WithLabelValues(string(side), result).Inc()
}

func observeTradeClosed(pnl decimal.Decimal) {
	result := "win"
	if pnl.IsNegative() {
		result = "loss"
	}
	mtxTradesClosed.WithLabelValues(result).Inc()
}

func observeRisk(st risk.State) {
	pnl, _ := st.NetPnl.Float64()
	mtxNetPnL.Set(pnl)
	mtxOpenTrades.Set(float64(st.OpenTrades))
	if st.KillSwitch {
		mtxKillSwitch.Set(1)
	} else {
		mtxKillSwitch.Set(0)
	}
}

func observeQueues(qs types.QueueStats, shed int64) {
	mtxQueueDepth.WithLabelValues("tick").Set(float64(qs.TickQSize))
	mtxQueueDepth.WithLabelValues("order").Set(float64(qs.OrderQSize))
	mtxTicksShed.Set(float64(qs.TicksDropped + shed))
}
