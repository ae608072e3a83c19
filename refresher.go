package rscedge

import (
	"context"
	"net/http"
	"time"

	tee "github.com/always-cache/rsc-edge/pkg/response-writer-tee"
)

// Run refreshes the cache until ctx is done, one entry at a time.
// It queries the cache for entries expiring within the refresh window
// and re-fetches them from the origin, at most at the configured rate.
// If it does not find any, it sleeps for the duration of the window.
// Run returns immediately if updates are disabled.
func (e *Edge) Run(ctx context.Context) {
	if e.refreshWindow == 0 {
		return
	}
	e.log.Info().Msgf("Starting cache update loop with window %s", e.refreshWindow)
	for ctx.Err() == nil {
		key, expiry, err := e.cache.Oldest(e.keyer.MethodPrefix(http.MethodGet))
		if err != nil {
			e.metrics.StoreErrors.Inc()
			e.log.Error().Err(err).Msg("Could not get oldest entry")
			sleep(ctx, e.refreshWindow)
			continue
		}
		if key == "" || time.Until(expiry) > e.refreshWindow {
			e.log.Trace().Msg("No entries expiring, pausing update")
			sleep(ctx, e.refreshWindow)
			continue
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return
		}
		e.refreshEntry(ctx, key)
	}
}

// refreshEntry will update the stored response identified by the given key.
// If the response can no longer be stored under that key, the entry is purged.
func (e *Edge) refreshEntry(ctx context.Context, key string) {
	// purged since it was listed
	if !e.cache.Has(key) {
		e.log.Trace().Str("key", key).Msg("Entry gone, skipping refresh")
		return
	}
	req, err := e.keyer.GetRequestFromKey(key)
	if err != nil {
		e.log.Error().Err(err).Str("key", key).Msg("Could not create request from key")
		e.purge(key)
		return
	}
	req = req.WithContext(ctx)
	e.log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("key", key).
		Msg("Requesting content from origin")

	rw := tee.NewResponseSaver(nil)
	e.fetch(rw, req)
	newKey, err := e.writeCache(rw, req)
	if err != nil {
		e.log.Error().Err(err).Str("key", key).Msg("Could not update cache entry")
	}
	// the origin may have changed its Vary header, leaving the old key behind
	if newKey != key {
		e.purge(key)
		return
	}
	e.metrics.RefreshTotal.WithLabelValues("refreshed").Inc()
}

// scheduleUpdate refreshes the stored responses for a request URI after delay.
// With updates disabled, they are invalidated instead.
func (e *Edge) scheduleUpdate(uri string, delay time.Duration) {
	prefix := e.keyer.URIPrefix(uri)
	if e.limiter == nil {
		if _, err := e.cache.PurgePrefix(prefix); err != nil {
			e.metrics.StoreErrors.Inc()
			e.log.Error().Err(err).Str("uri", uri).Msg("Could not invalidate stored responses")
		}
		return
	}
	e.log.Trace().Str("uri", uri).Dur("delay", delay).Msg("Scheduling cache update")
	time.AfterFunc(delay, func() {
		var keys []string
		if err := e.cache.AllKeys(prefix, func(key string) { keys = append(keys, key) }); err != nil {
			e.metrics.StoreErrors.Inc()
			e.log.Error().Err(err).Str("uri", uri).Msg("Could not list stored responses")
			return
		}
		for _, key := range keys {
			if err := e.limiter.Wait(context.Background()); err != nil {
				return
			}
			e.refreshEntry(context.Background(), key)
		}
	})
}

func (e *Edge) purge(key string) {
	e.metrics.RefreshTotal.WithLabelValues("purged").Inc()
	if err := e.cache.Purge(key); err != nil {
		e.metrics.StoreErrors.Inc()
		e.log.Error().Err(err).Str("key", key).Msg("Could not purge cache entry")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
