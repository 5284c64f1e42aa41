package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
)

// handleHTTPServer mounts the service routes on a mux and runs the HTTP
// server until the context is canceled.
func handleHTTPServer(ctx context.Context, addr string, svc *service, pingers []health.Pinger, wg *sync.WaitGroup, errc chan error, dbg bool) {
	mux := http.NewServeMux()
	if dbg {
		// Mount pprof handlers for memory profiling under /debug/pprof.
		debug.MountPprofHandlers(mux)
		// Mount /debug endpoint to enable or disable debug logs at runtime.
		debug.MountDebugLogEnabler(mux)
	}

	mux.HandleFunc("POST /conversations/{id}/messages", svc.handleTurn)
	mux.HandleFunc("GET /conversations/{id}", svc.handleGetConversation)
	mux.Handle("GET /healthz", health.Handler(health.NewChecker(pingers...)))

	var handler http.Handler = mux
	if dbg {
		// Log query and response bodies if debug logs are enabled.
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	// No write timeout: turn responses are long-lived SSE streams.
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	for _, route := range []string{
		"POST /conversations/{id}/messages",
		"GET /conversations/{id}",
		"GET /healthz",
	} {
		log.Printf(ctx, "HTTP mounted on %s", route)
	}

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", addr)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
