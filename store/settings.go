package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tradectl/trading"
)

// WriteSettings stores the record together with the derived status keys in a
// single atomic write.
func WriteSettings(ctx context.Context, st Store, s trading.Settings, now time.Time) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("store: encode settings: %w", err)
	}
	stamp := []byte(now.UTC().Format(time.RFC3339Nano))

	values := map[string][]byte{
		trading.KeySettings: raw,
		trading.KeyStatus:   []byte(s.StatusValue()),
	}
	if s.Enabled {
		values[trading.KeyStartedAt] = stamp
	} else {
		values[trading.KeyStoppedAt] = stamp
	}
	return st.SetMany(ctx, values)
}

// ReadSettings returns the stored record, or nil when none was written yet.
func ReadSettings(ctx context.Context, st Store) (*trading.Settings, error) {
	raw, ok, err := st.Get(ctx, trading.KeySettings)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var s trading.Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", trading.KeySettings, err)
	}
	return &s, nil
}
