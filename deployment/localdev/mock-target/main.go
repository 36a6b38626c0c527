package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
	"time"
)

// Local fixture for exercising the sentinel end to end. Point the monitor's
// endpoints at /api/orders and /api/payments, then inject latency or an
// outage through the /control routes and watch the alert, diagnosis, and
// repair pipeline react.

type order struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Total  float64 `json:"total"`
}

type paymentStatus struct {
	Provider  string    `json:"provider"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
}

// faults holds the injected failure state shared by the serving handlers.
type faults struct {
	latencyNs   atomic.Int64
	outageUntil atomic.Int64
}

func (f *faults) apply(w http.ResponseWriter) bool {
	if until := f.outageUntil.Load(); until > 0 && time.Now().UnixNano() < until {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("injected outage"))
		return false
	}
	if ns := f.latencyNs.Load(); ns > 0 {
		time.Sleep(time.Duration(ns))
	}
	return true
}

func main() {
	var f faults
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/orders", func(w http.ResponseWriter, _ *http.Request) {
		if !f.apply(w) {
			return
		}
		writeJSON(w, map[string]any{
			"orders": []order{
				{ID: "ord-1001", Status: "shipped", Total: 49.90},
				{ID: "ord-1002", Status: "pending", Total: 120.00},
			},
		})
	})

	mux.HandleFunc("/api/payments", func(w http.ResponseWriter, _ *http.Request) {
		if !f.apply(w) {
			return
		}
		writeJSON(w, map[string]any{
			"payment": paymentStatus{Provider: "mock-gateway", Healthy: true, CheckedAt: time.Now()},
		})
	})

	mux.HandleFunc("/control/latency", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		d, err := time.ParseDuration(r.URL.Query().Get("d"))
		if err != nil || d < 0 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("usage: /control/latency?d=900ms"))
			return
		}
		f.latencyNs.Store(int64(d))
		writeJSON(w, map[string]any{"latency": d.String()})
	})

	mux.HandleFunc("/control/outage", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		d, err := time.ParseDuration(r.URL.Query().Get("d"))
		if err != nil || d <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("usage: /control/outage?d=30s"))
			return
		}
		f.outageUntil.Store(time.Now().Add(d).UnixNano())
		writeJSON(w, map[string]any{"outage_until": time.Now().Add(d)})
	})

	mux.HandleFunc("/control/recover", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		f.latencyNs.Store(0)
		f.outageUntil.Store(0)
		writeJSON(w, map[string]any{"recovered": true})
	})

	logger := log.New(log.Writer(), "target-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":9090",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :9090")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
