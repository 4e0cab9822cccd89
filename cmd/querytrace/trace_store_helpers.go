package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/ongoingai/querytrace/internal/config"
	"github.com/ongoingai/querytrace/internal/trace"
)

// closableTraceStore is a TraceStore owning a connection pool.
type closableTraceStore interface {
	trace.TraceStore
	Close() error
}

func openTraceStore(cfg config.Config) (closableTraceStore, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		store, err := trace.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := trace.NewPostgresStore(cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

func closeTraceStoreWithWarning(store closableTraceStore, errOut io.Writer) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		fmt.Fprintf(errOut, "warning: failed to close trace store: %v\n", err)
	}
}
