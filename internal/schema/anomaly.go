package schema

import "time"

// AnomalyType classifies anomaly events raised by the detector and its peers.
type AnomalyType string

const (
	// AnomalyPriceSpike marks a price observation beyond the z-score threshold.
	AnomalyPriceSpike AnomalyType = "price_spike"
	// AnomalyPnLSpike marks a P&L observation beyond the z-score threshold.
	AnomalyPnLSpike AnomalyType = "pnl_spike"
	// AnomalyClockDrift marks sample timestamps skewed beyond tolerance.
	AnomalyClockDrift AnomalyType = "clock_drift"
	// AnomalyReconciliationFail marks a non-empty reconciliation discrepancy set.
	AnomalyReconciliationFail AnomalyType = "reconciliation_fail"
	// AnomalyCancelTimeout marks a kill-switch cancel sweep missing its deadline.
	AnomalyCancelTimeout AnomalyType = "cancel_timeout"
)

// AnomalyEvent describes a single detected anomaly.
type AnomalyEvent struct {
	Type      AnomalyType `json:"type"`
	Signal    string      `json:"signal,omitempty"`
	Magnitude float64     `json:"magnitude"`
	AutoPause bool        `json:"auto_pause"`
	Detail    string      `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
