package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/walletpnl/service/analyzer"
	"github.com/brojonat/walletpnl/service/db"
	natspkg "github.com/brojonat/walletpnl/service/nats"
	"github.com/brojonat/walletpnl/service/temporal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for a batch of addresses
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
	maxBatchSize       = 1000
	defaultListLimit   = 100
	maxListLimit       = db.MaxListLimit
	healthTimeout      = 5 * time.Second
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// analyzeRequest is the body of POST /api/v1/analyses.
type analyzeRequest struct {
	Address  string              `json:"address"`
	Settings *analyzer.Overrides `json:"settings,omitempty"`
	// Save defaults to true when a store is configured.
	Save *bool `json:"save,omitempty"`
}

// analysisResponse is an analysis plus its storage id when it was saved.
type analysisResponse struct {
	ID        int64      `json:"id,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	*analyzer.Analysis
}

// batchRequest is the body of POST /api/v1/batches.
type batchRequest struct {
	RunID       string              `json:"run_id,omitempty"`
	Addresses   []string            `json:"addresses"`
	Settings    *analyzer.Overrides `json:"settings,omitempty"`
	Concurrency int                 `json:"concurrency,omitempty"`
}

// handleAnalyzeWallet returns a handler that analyzes one wallet synchronously.
// POST /api/v1/analyses
func handleAnalyzeWallet(deps Dependencies, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if deps.Analyzer == nil {
			writeError(w, "analysis is not available", http.StatusServiceUnavailable)
			return
		}

		var req analyzeRequest
		if !decodeBody(w, r, &req, logger) {
			return
		}

		if err := validateAddress(req.Address); err != nil {
			logger.Debug("invalid address", "address", req.Address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		settings, err := req.Settings.Apply(deps.Settings)
		if err != nil {
			logger.Debug("invalid settings", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		an, err := deps.Analyzer.Analyze(r.Context(), req.Address, settings)
		if err != nil {
			switch {
			case errors.Is(err, analyzer.ErrInvalidAddress), errors.Is(err, analyzer.ErrInvalidSettings):
				writeError(w, err.Error(), http.StatusBadRequest)
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				writeError(w, "analysis timed out", http.StatusGatewayTimeout)
			default:
				logger.Error("analysis failed", "address", req.Address, "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
			}
			return
		}

		resp := analysisResponse{Analysis: an}
		save := req.Save == nil || *req.Save
		if save && deps.Store != nil {
			stored, err := deps.Store.SaveAnalysis(r.Context(), an)
			if err != nil {
				logger.Error("failed to store analysis", "address", req.Address, "error", err)
				writeError(w, "failed to store analysis", http.StatusInternalServerError)
				return
			}
			resp.ID = stored.ID
			resp.CreatedAt = &stored.CreatedAt
		}

		if save && deps.Publisher != nil {
			// Stored results are authoritative, NATS publish is best-effort
			if err := deps.Publisher.PublishAnalysis(r.Context(), natspkg.FromAnalysis(an)); err != nil {
				logger.Error("failed to publish analysis to NATS", "address", req.Address, "error", err)
			}
		}

		logger.Info("wallet analyzed",
			"address", req.Address,
			"excluded", an.Excluded,
			"reason", an.Reason,
			"id", resp.ID,
		)
		writeJSON(w, resp, http.StatusOK)
	})
}

// handleGetAnalysis returns a handler that retrieves the latest stored analysis
// for a wallet.
// GET /api/v1/analyses/{address}
func handleGetAnalysis(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, "result store is not configured", http.StatusServiceUnavailable)
			return
		}

		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			logger.Debug("invalid address", "address", address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		stored, err := store.GetLatestAnalysis(r.Context(), address)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "analysis not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get analysis", "address", address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, storedToResponse(stored), http.StatusOK)
	})
}

// handleListAnalyses returns a handler that lists stored analyses, optionally
// for one run.
// GET /api/v1/analyses?run_id=ID&qualified=true&limit=N
func handleListAnalyses(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, "result store is not configured", http.StatusServiceUnavailable)
			return
		}

		query := r.URL.Query()
		params := db.ListAnalysesParams{
			RunID: query.Get("run_id"),
			Limit: defaultListLimit,
		}

		if v := query.Get("qualified"); v != "" {
			qualified, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, "invalid qualified parameter: must be a boolean", http.StatusBadRequest)
				return
			}
			params.QualifiedOnly = qualified
		}

		if v := query.Get("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if limit < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if limit > maxListLimit {
				writeError(w, fmt.Sprintf("limit cannot exceed %d", maxListLimit), http.StatusBadRequest)
				return
			}
			params.Limit = limit
		}

		analyses, err := store.ListAnalyses(r.Context(), params)
		if err != nil {
			logger.Error("failed to list analyses", "run_id", params.RunID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("analyses listed", "run_id", params.RunID, "count", len(analyses))

		resp := make([]analysisResponse, len(analyses))
		for i, stored := range analyses {
			resp[i] = storedToResponse(stored)
		}

		writeJSON(w, map[string]interface{}{
			"analyses": resp,
			"count":    len(resp),
			"run_id":   params.RunID,
		}, http.StatusOK)
	})
}

// handleStartBatch returns a handler that starts an asynchronous batch run.
// POST /api/v1/batches
func handleStartBatch(batches BatchStarter, defaults analyzer.Settings, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if batches == nil {
			writeError(w, "batch analysis is not configured", http.StatusServiceUnavailable)
			return
		}

		var req batchRequest
		if !decodeBody(w, r, &req, logger) {
			return
		}

		if len(req.Addresses) == 0 {
			writeError(w, "addresses are required", http.StatusBadRequest)
			return
		}
		if len(req.Addresses) > maxBatchSize {
			writeError(w, fmt.Sprintf("too many addresses: maximum is %d", maxBatchSize), http.StatusBadRequest)
			return
		}

		seen := make(map[string]struct{}, len(req.Addresses))
		addresses := make([]string, 0, len(req.Addresses))
		for _, address := range req.Addresses {
			if err := validateAddress(address); err != nil {
				writeError(w, fmt.Sprintf("%s: %v", address, err), http.StatusBadRequest)
				return
			}
			if _, dup := seen[address]; dup {
				continue
			}
			seen[address] = struct{}{}
			addresses = append(addresses, address)
		}

		settings, err := req.Settings.Apply(defaults)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Concurrency < 0 {
			writeError(w, "concurrency must not be negative", http.StatusBadRequest)
			return
		}

		runID, err := batches.StartAnalysisBatch(r.Context(), temporal.AnalyzeWalletsInput{
			RunID:       req.RunID,
			Addresses:   addresses,
			Settings:    settings,
			Concurrency: req.Concurrency,
		})
		if err != nil {
			logger.Error("failed to start batch", "wallets", len(addresses), "error", err)
			writeError(w, "failed to start batch", http.StatusInternalServerError)
			return
		}

		logger.Info("batch started", "run_id", runID, "wallets", len(addresses))
		writeJSON(w, map[string]interface{}{
			"run_id":  runID,
			"wallets": len(addresses),
		}, http.StatusAccepted)
	})
}

// handleHealth reports OK when the RPC endpoint answers getHealth.
// GET /health
func handleHealth(health HealthChecker, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := health.CheckHealth(ctx); err != nil {
				logger.Warn("rpc health check failed", "error", err)
				writeError(w, "rpc unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func storedToResponse(s *db.StoredAnalysis) analysisResponse {
	createdAt := s.CreatedAt
	return analysisResponse{
		ID:        s.ID,
		CreatedAt: &createdAt,
		Analysis:  s.Analysis,
	}
}

// decodeBody decodes a size-limited JSON body, writing the error response
// itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *slog.Logger) bool {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.Debug("failed to decode request", "error", err)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateAddress validates a wallet address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	// Check for null bytes and control characters
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
