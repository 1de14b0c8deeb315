package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/vici/internal/api"
	"github.com/banshee-data/vici/internal/config"
	"github.com/banshee-data/vici/internal/db"
	"github.com/banshee-data/vici/internal/monitoring"
	"github.com/banshee-data/vici/internal/valve"
	"github.com/banshee-data/vici/internal/version"
)

// adminRouter is implemented by transports that can publish debug pages,
// such as the serial traffic tail.
type adminRouter interface {
	AttachAdminRoutes(debug *tsweb.DebugHandler)
}

// serve opens the valve through the cooperative driver and serves it until
// ctx is cancelled.
func serve(ctx context.Context, cfg *config.ValveConfig, open valve.Opener) error {
	var tail adminRouter
	capture := func(name string, baud int, readTimeout time.Duration) (valve.Transport, error) {
		t, err := open(name, baud, readTimeout)
		if a, ok := t.(adminRouter); ok {
			tail = a
		}
		return t, err
	}

	dcfg := cfg.DriverConfig()
	var store *db.DB
	if path := cfg.GetDatabase(); path != "" {
		var err error
		store, err = db.NewDB(path)
		if err != nil {
			return fmt.Errorf("failed to open database %s: %w", path, err)
		}
		defer store.Close()
		dcfg.Observer = store.NewJournal()
	}

	v, err := valve.OpenAsync(ctx, dcfg, capture)
	if err != nil {
		return err
	}
	defer v.Close()
	monitoring.Logf("connected to %s", v)

	handler, err := buildHandler(v, store, tail)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:    cfg.GetListen(),
		Handler: api.LoggingMiddleware(handler),
	}

	errc := make(chan error, 1)
	go func() {
		errc <- server.ListenAndServe()
	}()
	monitoring.Logf("serving on %s", cfg.GetListen())

	select {
	case err := <-errc:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	monitoring.Logf("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}
	monitoring.Logf("graceful shutdown complete")
	return nil
}

// buildHandler mounts the JSON API under /api/ and the debug pages under
// /debug/. store and tail may be nil.
func buildHandler(v valve.Selector, store *db.DB, tail adminRouter) (http.Handler, error) {
	var journal api.Journal
	if store != nil {
		journal = store
	}
	server := api.NewServer(v, journal)

	mux := http.NewServeMux()
	mux.Handle("/api/", server.ServeMux())

	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.String())
	server.AttachAdminRoutes(debug)
	if tail != nil {
		tail.AttachAdminRoutes(debug)
	}
	if store != nil {
		if err := store.AttachAdminRoutes(debug); err != nil {
			return nil, err
		}
	}
	return mux, nil
}
