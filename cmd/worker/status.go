package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adverant/nexus/checkextract-worker/internal/queue"
	"github.com/adverant/nexus/checkextract-worker/internal/storage"
)

// jobStore is the part of storage.Manager the status server reads.
type jobStore interface {
	Ping(ctx context.Context) error
	GetJobByID(ctx context.Context, jobID string) (*storage.JobRecord, error)
	GetStats(ctx context.Context) (map[string]interface{}, error)
}

// queueBackend is a running consumer of either flavour.
type queueBackend interface {
	Stop() error
	Stats(ctx context.Context) (interface{}, error)
}

type asynqBackend struct{ c *queue.Consumer }

func (b asynqBackend) Stop() error { return b.c.Stop(context.Background()) }

func (b asynqBackend) Stats(context.Context) (interface{}, error) {
	return b.c.GetStatistics(), nil
}

type redisBackend struct{ c *queue.RedisConsumer }

func (b redisBackend) Stop() error { return b.c.Stop() }

func (b redisBackend) Stats(ctx context.Context) (interface{}, error) {
	return b.c.GetStats(ctx)
}

// newStatusServer serves /metrics, /health, /stats and /jobs/{id}.
// jobs may be nil when no database is configured.
func newStatusServer(addr string, jobs jobStore, consumer queueBackend) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{"status": "ok"}
		code := http.StatusOK
		if jobs != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := jobs.Ping(ctx); err != nil {
				status = map[string]interface{}{"status": "degraded", "database": err.Error()}
				code = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, status)
	})

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		stats := map[string]interface{}{}
		if consumer != nil {
			q, err := consumer.Stats(ctx)
			if err != nil {
				writeJSON(w, http.StatusBadGateway, map[string]interface{}{"error": err.Error()})
				return
			}
			stats["queue"] = q
		}
		if jobs != nil {
			s, err := jobs.GetStats(ctx)
			if err != nil {
				writeJSON(w, http.StatusBadGateway, map[string]interface{}{"error": err.Error()})
				return
			}
			stats["storage"] = s
		}
		writeJSON(w, http.StatusOK, stats)
	})

	mux.HandleFunc("GET /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if jobs == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]interface{}{"error": "job persistence disabled"})
			return
		}
		job, err := jobs.GetJobByID(r.Context(), r.PathValue("id"))
		if err != nil {
			code := http.StatusInternalServerError
			if strings.Contains(err.Error(), "not found") {
				code = http.StatusNotFound
			}
			writeJSON(w, code, map[string]interface{}{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
