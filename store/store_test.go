package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradectl/trading"
)

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Options{Driver: "etcd"})
	assert.Error(t, err)
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.SetMany(ctx, map[string][]byte{"a": []byte("1"), "b": []byte("2")}))
	v, ok, err := m.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", string(v))
	assert.Equal(t, 1, m.Writes())
}

func TestMemoryDownIsUnreachable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SetDown(true)

	err := m.Ping(ctx)
	require.Error(t, err)
	assert.True(t, IsUnreachable(err))

	err = m.SetMany(ctx, map[string][]byte{"a": nil})
	assert.True(t, IsUnreachable(err))
	assert.Equal(t, 0, m.Writes())
}

func TestWriteSettingsSetsStatusKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	s := trading.Default()
	s.Enabled = true
	require.NoError(t, WriteSettings(ctx, m, s, now))

	status, ok, err := m.Get(ctx, trading.KeyStatus)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, trading.StatusActive, string(status))

	started, ok, _ := m.Get(ctx, trading.KeyStartedAt)
	require.True(t, ok)
	assert.Equal(t, now.Format(time.RFC3339Nano), string(started))

	got, err := ReadSettings(ctx, m)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Equivalent(s))

	require.NoError(t, WriteSettings(ctx, m, trading.Stopped("", now), now))
	status, _, _ = m.Get(ctx, trading.KeyStatus)
	assert.Equal(t, trading.StatusStopped, string(status))
	_, ok, _ = m.Get(ctx, trading.KeyStoppedAt)
	assert.True(t, ok)
}

func TestReadSettingsEmpty(t *testing.T) {
	got, err := ReadSettings(context.Background(), NewMemory())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Ping(ctx))
	require.NoError(t, db.SetMany(ctx, map[string][]byte{"k": []byte("v1")}))
	require.NoError(t, db.SetMany(ctx, map[string][]byte{"k": []byte("v2"), "j": []byte("x")}))

	v, ok, err := db.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", string(v))

	_, ok, err = db.Get(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite("")
	assert.Error(t, err)
}

func TestRedisUnreachable(t *testing.T) {
	r := NewRedis(Options{Host: "127.0.0.1", Port: 1, DialTimeout: 200 * time.Millisecond})
	defer r.Close()

	err := r.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnreachable(err))
}
