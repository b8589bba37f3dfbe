// Command mock-ledger is a stand-in signing relay for local runs. It accepts
// transfers and refunds for any network, deduplicates on reference and
// rejects a configurable set of destinations.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/crossledger/internal/logging"
)

type submission struct {
	Network        string  `json:"network"`
	Reference      string  `json:"reference"`
	OriginalTxHash string  `json:"original_tx_hash,omitempty"`
	From           string  `json:"from"`
	To             string  `json:"to"`
	Amount         string  `json:"amount"`
	Asset          string  `json:"asset"`
	DestinationTag *uint32 `json:"destination_tag,omitempty"`
}

type relay struct {
	mu          sync.Mutex
	byReference map[string]string
	rejectTo    map[string]struct{}
	failureRate float64
	logger      *slog.Logger
}

func newRelay(rejectTo []string, failureRate float64, logger *slog.Logger) *relay {
	r := &relay{
		byReference: make(map[string]string),
		rejectTo:    make(map[string]struct{}),
		failureRate: failureRate,
		logger:      logger,
	}
	for _, addr := range rejectTo {
		if addr = strings.TrimSpace(addr); addr != "" {
			r.rejectTo[addr] = struct{}{}
		}
	}
	return r
}

func (r *relay) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /v1/transfers", r.handleSubmit)
	mux.HandleFunc("POST /v1/refunds", r.handleSubmit)
	return mux
}

func (r *relay) handleSubmit(w http.ResponseWriter, req *http.Request) {
	var s submission
	if err := json.NewDecoder(req.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED", "invalid JSON body")
		return
	}
	if s.Reference == "" {
		writeError(w, http.StatusBadRequest, "MISSING_REFERENCE", "reference is required")
		return
	}

	r.mu.Lock()
	hash, seen := r.byReference[s.Reference]
	r.mu.Unlock()
	if seen {
		r.logger.Info("duplicate submission", "reference", s.Reference, "tx_hash", hash)
		writeJSON(w, http.StatusOK, map[string]string{"tx_hash": hash})
		return
	}

	if r.failureRate > 0 && rand.Float64() < r.failureRate {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "injected failure")
		return
	}

	amount, err := decimal.NewFromString(s.Amount)
	if err != nil || !amount.IsPositive() {
		writeError(w, http.StatusUnprocessableEntity, "BAD_AMOUNT", "amount must be positive")
		return
	}
	if _, ok := r.rejectTo[s.To]; ok {
		writeError(w, http.StatusUnprocessableEntity, "DESTINATION_REJECTED", "destination refuses payments")
		return
	}

	sum := sha256.Sum256([]byte(s.Network + "|" + s.Reference))
	hash = strings.ToUpper(hex.EncodeToString(sum[:]))

	r.mu.Lock()
	if existing, ok := r.byReference[s.Reference]; ok {
		hash = existing
	} else {
		r.byReference[s.Reference] = hash
	}
	r.mu.Unlock()

	r.logger.Info("submission accepted", "network", s.Network, "reference", s.Reference, "tx_hash", hash)
	writeJSON(w, http.StatusAccepted, map[string]string{"tx_hash": hash})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func main() {
	logger := logging.Init("mock-ledger", "info", os.Getenv("APP_ENV"))

	addr := os.Getenv("MOCK_LEDGER_ADDR")
	if addr == "" {
		addr = ":8081"
	}
	failureRate, _ := strconv.ParseFloat(os.Getenv("MOCK_LEDGER_FAILURE_RATE"), 64)
	r := newRelay(strings.Split(os.Getenv("MOCK_LEDGER_REJECT_TO"), ","), failureRate, logger)

	logger.Info("mock ledger started", "addr", addr, "failure_rate", failureRate)
	if err := http.ListenAndServe(addr, r.routes()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
