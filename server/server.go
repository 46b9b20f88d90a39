// Package server assembles device route tables into one HTTP service.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/nasa-jpl/piscope/generichttp"
	"github.com/nasa-jpl/piscope/server/middleware/locker"
)

// Node is one device served under Endpoint
type Node struct {
	// Endpoint is the path the device's routes are mounted at, e.g. "scope"
	// serves /scope/buffers
	Endpoint string

	HTTPer generichttp.HTTPer

	// Middleware wraps every route of the node, inside its lock
	Middleware []func(http.Handler) http.Handler
}

// BuildMux mounts every node on a root router with request logging.  Each
// node gets its own lock at <endpoint>/lock.  GET /endpoints on the root
// lists the routes of every node.
func BuildMux(nodes []Node) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}
	for _, node := range nodes {
		stem := generichttp.SubMuxSanitize(node.Endpoint)
		lock := locker.New()
		locker.Inject(node.HTTPer, lock)
		supergraph[stem] = node.HTTPer.RT().Endpoints()

		r := chi.NewRouter()
		r.Use(lock.Check)
		r.Use(node.Middleware...)
		node.HTTPer.RT().Bind(r)
		root.Mount(stem, r)
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}

// ListenAndServe serves h on addr until ctx is cancelled, then gives open
// requests grace to finish
func ListenAndServe(ctx context.Context, addr string, h http.Handler, grace time.Duration) error {
	srv := &http.Server{Addr: addr, Handler: h}
	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()
	log.Println("now listening for requests at", addr)
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(sctx)
}
