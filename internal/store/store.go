// Package store provides the persistence backends behind notify.Store.
//
// Two drivers exist: "sqlite" (the production default, single-file WAL
// database) and "memory" (tests and throwaway runs). Both also carry the
// directory upserts used to sync spaces and members from the platform.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"chimebot/internal/notify"
	"chimebot/pkg/logx"
)

// Config selects and tunes the backend. Durations arrive already parsed; the
// YAML layer owns string parsing.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// Store widens notify.Store with the directory sync writes. The engine only
// ever sees notify.Store; the app layer uses the full interface.
type Store interface {
	notify.Store

	UpsertSpace(ctx context.Context, s notify.Space) error
	UpsertMember(ctx context.Context, m notify.Member) error
}

// Open initializes the configured backend.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
