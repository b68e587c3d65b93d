package trading

import (
	"errors"
	"fmt"
	"time"
)

// Keys written to the downstream store.
const (
	KeySettings     = "trading_settings"
	KeySystemStatus = "system_status"
	KeyStatus       = "autotrading:status"
	KeyStartedAt    = "autotrading:timestamp"
	KeyStoppedAt    = "autotrading:stopped_at"
)

// Values stored under KeyStatus.
const (
	StatusActive  = "ACTIVE"
	StatusStopped = "STOPPED"
)

// Settings is the full auto-trading record. It is always written whole.
type Settings struct {
	Enabled             bool      `json:"enabled"`
	BuyThresholdPct     float64   `json:"buy_threshold_pct"`
	SellThresholdPct    float64   `json:"sell_threshold_pct"`
	MaxPositionPerTrade int64     `json:"max_position_per_trade"`
	StrategyTag         string    `json:"strategy_tag,omitempty"`
	IssuedAt            time.Time `json:"issued_at"`
	SessionID           string    `json:"session_id,omitempty"`
}

// Default returns the thresholds the dashboard ships with.
func Default() Settings {
	return Settings{
		BuyThresholdPct:     0.05,
		SellThresholdPct:    0.05,
		MaxPositionPerTrade: 1,
	}
}

// Stopped returns a zeroed record with trading disabled.
func Stopped(sessionID string, now time.Time) Settings {
	return Settings{Enabled: false, IssuedAt: now, SessionID: sessionID}
}

// Validate rejects records the trading worker cannot act on.
func (s Settings) Validate() error {
	if !inUnitRange(s.BuyThresholdPct) {
		return fmt.Errorf("buy threshold %.4f out of range [0,1]", s.BuyThresholdPct)
	}
	if !inUnitRange(s.SellThresholdPct) {
		return fmt.Errorf("sell threshold %.4f out of range [0,1]", s.SellThresholdPct)
	}
	if s.MaxPositionPerTrade < 0 {
		return errors.New("max position per trade must not be negative")
	}
	if s.Enabled && s.MaxPositionPerTrade == 0 {
		return errors.New("max position per trade must be positive when trading is enabled")
	}
	return nil
}

// inUnitRange is false for NaN, which fails every comparison.
func inUnitRange(v float64) bool {
	return v >= 0 && v <= 1
}

// Equivalent reports whether two records carry the same trading parameters,
// ignoring issue time and session.
func (s Settings) Equivalent(other Settings) bool {
	return s.Enabled == other.Enabled &&
		s.BuyThresholdPct == other.BuyThresholdPct &&
		s.SellThresholdPct == other.SellThresholdPct &&
		s.MaxPositionPerTrade == other.MaxPositionPerTrade &&
		s.StrategyTag == other.StrategyTag
}

// StatusValue is the value stored under KeyStatus for the record.
func (s Settings) StatusValue() string {
	if s.Enabled {
		return StatusActive
	}
	return StatusStopped
}

// SystemStatus is reported by the relay when the store has no system_status key.
type SystemStatus struct {
	StoreConnected bool      `json:"redis_connected"`
	RelayConnected bool      `json:"proxy_connected"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}
