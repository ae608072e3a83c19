package rscedge

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminRouter returns the routes of the admin listener:
//
//	GET    /healthz
//	GET    /metrics
//	GET    /cache/keys?prefix=/products
//	DELETE /cache?prefix=/products
//
// Prefixes are request URI prefixes of GET requests. Their query part is
// normalized like incoming requests, so a prefix copied from a browser still matches.
func AdminRouter(e *Edge) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(e.metrics.Registry, promhttp.HandlerOpts{}))
	r.Route("/cache", func(r chi.Router) {
		r.Get("/keys", e.handleListKeys)
		r.Delete("/", e.handlePurge)
	})
	return r
}

func (e *Edge) adminPrefix(r *http.Request) string {
	return e.keyer.MethodPrefix(http.MethodGet) + e.normalizeURI(r.URL.Query().Get("prefix"))
}

func (e *Edge) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys := make([]string, 0)
	err := e.cache.AllKeys(e.adminPrefix(r), func(key string) {
		keys = append(keys, key)
	})
	if err != nil {
		e.log.Error().Err(err).Msg("Could not list cache keys")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"keys": keys})
}

func (e *Edge) handlePurge(w http.ResponseWriter, r *http.Request) {
	prefix := e.adminPrefix(r)
	n, err := e.cache.PurgePrefix(prefix)
	if err != nil {
		e.log.Error().Err(err).Str("prefix", prefix).Msg("Could not purge cache")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	e.log.Info().Str("prefix", prefix).Int("purged", n).Msg("Purged cache")
	writeJSON(w, map[string]any{"purged": n})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
