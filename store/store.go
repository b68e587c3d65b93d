// Package store holds the downstream key-value store drivers the relay and the
// direct transport write trading settings into.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ErrUnreachable marks failures where the store could not be reached at all,
// as opposed to the store answering with an error.
var ErrUnreachable = errors.New("store unreachable")

// Store is the minimal surface the engine needs from a key-value store.
type Store interface {
	// Get returns the value for key; ok is false when the key does not exist.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// SetMany writes every pair or none of them.
	SetMany(ctx context.Context, values map[string][]byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Drivers understood by Open.
const (
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Options selects and configures a driver.
type Options struct {
	Driver      string
	Host        string
	Port        int
	Password    string
	DB          int
	SQLitePath  string
	DialTimeout time.Duration
}

// Addr joins host and port.
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Open builds the store described by opts.
func Open(opts Options) (Store, error) {
	switch strings.ToLower(opts.Driver) {
	case "", DriverRedis:
		return NewRedis(opts), nil
	case DriverSQLite:
		return OpenSQLite(opts.SQLitePath)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", opts.Driver)
	}
}

func unreachable(op string, err error) error {
	return fmt.Errorf("store: %s: %w: %w", op, ErrUnreachable, err)
}

// IsUnreachable reports whether err means the store could not be reached.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
