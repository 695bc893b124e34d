package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/codexclaw/internal/config"
	"github.com/nextlevelbuilder/codexclaw/internal/store"
	"github.com/nextlevelbuilder/codexclaw/internal/store/file"
	"github.com/nextlevelbuilder/codexclaw/internal/store/sqlstore"
)

// openBindingStore builds the BindingStore selected by sessions.backend.
// The returned close func is never nil.
func openBindingStore(ctx context.Context, cfg *config.Config) (store.BindingStore, func() error, error) {
	sc := store.StoreConfig{
		Backend: cfg.Sessions.Backend,
		Path:    config.ExpandHome(cfg.Sessions.Path),
		DSN:     cfg.Sessions.DSN,
	}
	switch sc.Backend {
	case store.BackendSQLite, store.BackendPostgres:
		s, err := sqlstore.Open(ctx, sc)
		if err != nil {
			return nil, func() error { return nil }, err
		}
		return s, s.Close, nil
	default:
		return file.NewFileSessionStore(sc.Path), func() error { return nil }, nil
	}
}

// loadBindings reads persisted bindings. Unreadable state is logged and
// replaced by an empty map so the bridge can still start.
func loadBindings(ctx context.Context, s store.BindingStore) store.Bindings {
	b, err := s.Load(ctx)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrCorruptState):
		slog.Warn("session state corrupt, starting with no bindings", "store", s.Describe(), "error", err)
		b = store.Bindings{}
	default:
		slog.Error("failed to load sessions, starting with no bindings", "store", s.Describe(), "error", err)
		b = store.Bindings{}
	}
	if b == nil {
		b = store.Bindings{}
	}
	return b
}
