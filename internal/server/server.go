// Package server wires the HTTP surface described in spec.md §6 on top of
// intake, the dispatcher, the ledger and the quote store. Routing and
// request logging follow the teacher's walletserver pattern: a single
// gorilla/mux router, a logrus-based structured logging middleware, and
// handlers that translate apierr.Kind into the documented HTTP status per
// endpoint.
package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/config"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/dispatch"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/intake"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/ledger"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/quote"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/staging"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/wallet"
)

// walletAddresser is the narrow wallet capability /api/balance needs.
type walletAddresser interface {
	AddressForUser(userID string) (wallet.Address, error)
}

// Server bundles every dependency the HTTP handlers call into.
type Server struct {
	Config     *config.Config
	Intake     *intake.Intake
	Dispatcher *dispatch.Dispatcher
	Ledger     *ledger.Ledger
	Quotes     *quote.Store
	Oracle     quote.PriceOracle
	Staging    staging.Store
	Files      intake.FileStore
	Wallet     walletAddresser

	router *mux.Router
}

// New builds the router and binds every handler.
func New(s *Server) *Server {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/api/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/api/upload/process-async", s.handleProcessAsync).Methods(http.MethodPost)
	r.HandleFunc("/api/upload/trigger-pending", s.handleTriggerPending).Methods(http.MethodPost)
	r.HandleFunc("/api/metrics", s.handleMetrics).Methods(http.MethodPost)
	r.HandleFunc("/api/download", s.handleDownload).Methods(http.MethodPost)
	r.HandleFunc("/api/verify", s.handleVerify).Methods(http.MethodGet)
	r.HandleFunc("/api/balance", s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/api/quote", s.handleQuote).Methods(http.MethodPost)
	r.HandleFunc("/api/files", s.handleListFiles).Methods(http.MethodGet)

	s.router = r
	return s
}

// ServeHTTP satisfies http.Handler, letting cmd/uploadserver hand the
// *Server straight to http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// loggingMiddleware logs every request's method, path, status and latency
// as structured fields, adapted from the teacher's
// walletserver/middleware/logger.go convention.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   sw.status,
			"duration": time.Since(start).String(),
		}).Info("server: request handled")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
