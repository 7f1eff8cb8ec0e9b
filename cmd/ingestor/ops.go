package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"sipi/internal/app"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newOpsRouter 运维端口：存活探测与 Prometheus 指标。
func newOpsRouter(a *app.App) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()

		resp := map[string]any{
			"status":       "ok",
			"degraded":     a.Health.Degraded(),
			"dependencies": a.Health.Snapshot(),
		}
		code := http.StatusOK
		if err := a.PingPostgres(ctx); err != nil {
			resp["status"], resp["error"], code = "error", "postgres: "+err.Error(), http.StatusServiceUnavailable
		} else if err := a.PingRedis(ctx); err != nil {
			resp["status"], resp["error"], code = "error", "redis: "+err.Error(), http.StatusServiceUnavailable
		} else if a.Health.Degraded() {
			resp["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}).Methods(http.MethodGet)
	return r
}
