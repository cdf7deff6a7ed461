package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mholetzko/permetix/internal/domain"
	"github.com/mholetzko/permetix/internal/ledger"
	"github.com/mholetzko/permetix/internal/logger"
	"github.com/mholetzko/permetix/internal/metrics"
	"github.com/mholetzko/permetix/internal/stream"
)

// Handler handles HTTP requests for the license server API.
type Handler struct {
	ledger    *ledger.Ledger
	archive   domain.Archive
	hub       *stream.Hub
	publisher *stream.Publisher
	metrics   *metrics.Collector
	log       *logger.Logger
	version   string
}

// NewHandler creates a new API handler. metrics may be nil in tests.
func NewHandler(
	l *ledger.Ledger,
	archive domain.Archive,
	hub *stream.Hub,
	publisher *stream.Publisher,
	collector *metrics.Collector,
	log *logger.Logger,
	version string,
) *Handler {
	if log == nil {
		log = logger.DefaultLogger()
	}
	return &Handler{
		ledger:    l,
		archive:   archive,
		hub:       hub,
		publisher: publisher,
		metrics:   collector,
		log:       log,
		version:   version,
	}
}

// BorrowRequest represents the request body for borrowing a license.
type BorrowRequest struct {
	Tool string `json:"tool"`
	User string `json:"user"`
}

// BorrowResponse represents a successful borrow.
type BorrowResponse struct {
	ID         string    `json:"id"`
	Tool       string    `json:"tool"`
	User       string    `json:"user"`
	BorrowedAt time.Time `json:"borrowed_at"`
	IsOverage  bool      `json:"is_overage"`
}

// ReturnRequest represents the request body for returning a license.
type ReturnRequest struct {
	ID string `json:"id"`
}

// BudgetRequest represents a pool provisioning or budget update body.
type BudgetRequest struct {
	Tool         string  `json:"tool"`
	Total        int     `json:"total"`
	Commit       int     `json:"commit"`
	MaxOverage   int     `json:"max_overage"`
	CommitPrice  float64 `json:"commit_price"`
	OveragePrice float64 `json:"overage_price_per_license"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Borrow handles POST /licenses/borrow.
func (h *Handler) Borrow(w http.ResponseWriter, r *http.Request) {
	var req BorrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request body")
		return
	}
	if req.Tool == "" || req.User == "" {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "tool and user are required")
		return
	}

	if h.metrics != nil {
		h.metrics.ObserveBorrowAttempt(req.Tool, req.User)
	}

	start := time.Now()
	result, err := h.ledger.Borrow(r.Context(), req.Tool, req.User)
	if err != nil {
		h.respondBorrowError(w, req, err)
		return
	}

	if h.metrics != nil {
		h.metrics.ObserveBorrowSuccess(req.Tool, req.User, result.IsOverage, time.Since(start))
	}
	h.refreshPoolGauges(req.Tool)

	h.log.Info("borrow success", logger.Fields{
		"tool":       req.Tool,
		"user":       req.User,
		"borrow_id":  result.Borrow.ID,
		"is_overage": result.IsOverage,
	})
	h.respondJSON(w, http.StatusOK, BorrowResponse{
		ID:         result.Borrow.ID,
		Tool:       result.Borrow.Tool,
		User:       result.Borrow.User,
		BorrowedAt: result.Borrow.BorrowedAt,
		IsOverage:  result.IsOverage,
	})
}

func (h *Handler) respondBorrowError(w http.ResponseWriter, req BorrowRequest, err error) {
	var status int
	var errType, reason string

	switch {
	case errors.Is(err, domain.ErrUnknownTool):
		status, errType, reason = http.StatusNotFound, "unknown_tool", domain.FailureUnknownTool
	case errors.Is(err, domain.ErrPoolDeactivated):
		status, errType, reason = http.StatusConflict, "pool_deactivated", domain.FailureDeactivated
	case errors.Is(err, domain.ErrCapacityExceeded):
		// Distinct from a generic failure: the caller can retry later.
		status, errType, reason = http.StatusConflict, "capacity_exceeded", domain.FailureExhausted
	default:
		status, errType, reason = http.StatusInternalServerError, "borrow_failed", "internal"
	}

	if h.metrics != nil {
		h.metrics.ObserveBorrowFailure(req.Tool, reason)
	}
	h.log.Warn("borrow failed", logger.Fields{
		"tool":   req.Tool,
		"user":   req.User,
		"reason": reason,
	})
	h.respondError(w, status, errType, "No licenses available for "+req.Tool)
}

// Return handles POST /licenses/return.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	var req ReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request body")
		return
	}
	if req.ID == "" {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}

	tool, err := h.ledger.Return(r.Context(), req.ID)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownBorrow) {
			h.respondError(w, http.StatusNotFound, "unknown_borrow", "Borrow record not found")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "return_failed", err.Error())
		return
	}

	h.refreshPoolGauges(tool)
	h.log.Info("return success", logger.Fields{"borrow_id": req.ID, "tool": tool})
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "tool": tool})
}

// Status handles GET /licenses/{tool}/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	tool := mux.Vars(r)["tool"]
	status, err := h.ledger.Status(tool)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "unknown_tool", "Tool not found")
		return
	}
	h.respondJSON(w, http.StatusOK, status)
}

// StatusAll handles GET /licenses/status.
func (h *Handler) StatusAll(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.ledger.StatusAll())
}

// Stream handles GET /licenses/stream: a server-sent-events stream
// delivering one snapshot JSON object per publisher tick. The
// session lives until the client disconnects or falls far enough
// behind that the hub drops it; reconnecting is entirely the
// client's job.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, http.StatusInternalServerError, "streaming_unsupported", "Response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	session := h.hub.Subscribe()
	defer session.Close()

	// Serve the current state immediately so a fresh (or freshly
	// reconnected) client does not wait out a tick for its first
	// full snapshot.
	if h.publisher != nil {
		if frame, err := json.Marshal(h.publisher.Compose()); err == nil {
			if !writeFrame(w, flusher, frame) {
				return
			}
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-session.Messages():
			if !open {
				// Dropped by the hub for falling behind.
				return
			}
			if !writeFrame(w, flusher, frame) {
				return
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, frame []byte) bool {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := w.Write(frame); err != nil {
		return false
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// ListBorrows handles GET /borrows.
func (h *Handler) ListBorrows(w http.ResponseWriter, r *http.Request) {
	borrows, err := h.archive.ListBorrows(r.Context(), r.URL.Query().Get("user"))
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "archive_unavailable", err.Error())
		return
	}
	if borrows == nil {
		borrows = []domain.Borrow{}
	}
	h.respondJSON(w, http.StatusOK, borrows)
}

// ListOverageCharges handles GET /overage-charges.
func (h *Handler) ListOverageCharges(w http.ResponseWriter, r *http.Request) {
	charges, err := h.archive.ListOverageCharges(r.Context(), r.URL.Query().Get("tool"))
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "archive_unavailable", err.Error())
		return
	}
	if charges == nil {
		charges = []domain.OverageCharge{}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"charges": charges})
}

// GetBudget handles GET /config/budget.
func (h *Handler) GetBudget(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"tools": h.ledger.StatusAll()})
}

// UpdateBudget handles PUT /config/budget.
func (h *Handler) UpdateBudget(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeBudget(w, r)
	if !ok {
		return
	}

	err := h.ledger.UpdateBudget(req)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrUnknownTool):
		h.respondError(w, http.StatusNotFound, "unknown_tool", "Tool not found")
		return
	case errors.Is(err, domain.ErrTotalBelowBorrowed), errors.Is(err, domain.ErrInvalidPoolConfig):
		h.respondError(w, http.StatusBadRequest, "invalid_budget", err.Error())
		return
	default:
		h.respondError(w, http.StatusInternalServerError, "budget_update_failed", err.Error())
		return
	}

	h.refreshPoolGauges(req.Tool)
	h.log.Info("budget updated", logger.Fields{
		"tool":        req.Tool,
		"total":       req.Total,
		"commit":      req.Commit,
		"max_overage": req.MaxOverage,
	})
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "tool": req.Tool})
}

// CreatePool handles POST /config/pools.
func (h *Handler) CreatePool(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeBudget(w, r)
	if !ok {
		return
	}

	err := h.ledger.AddPool(req)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrPoolExists):
		h.respondError(w, http.StatusConflict, "pool_exists", "Tool pool already exists")
		return
	case errors.Is(err, domain.ErrInvalidPoolConfig):
		h.respondError(w, http.StatusBadRequest, "invalid_pool_config", err.Error())
		return
	default:
		h.respondError(w, http.StatusInternalServerError, "pool_create_failed", err.Error())
		return
	}

	h.refreshPoolGauges(req.Tool)
	h.log.Info("pool provisioned", logger.Fields{"tool": req.Tool, "total": req.Total})
	h.respondJSON(w, http.StatusCreated, map[string]string{"status": "ok", "tool": req.Tool})
}

// DeactivatePool handles POST /config/pools/{tool}/deactivate.
// Outstanding borrows stay returnable; new borrows are refused.
func (h *Handler) DeactivatePool(w http.ResponseWriter, r *http.Request) {
	tool := mux.Vars(r)["tool"]
	if err := h.ledger.Deactivate(tool); err != nil {
		h.respondError(w, http.StatusNotFound, "unknown_tool", "Tool not found")
		return
	}
	h.log.Info("pool deactivated", logger.Fields{"tool": tool})
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "deactivated", "tool": tool})
}

// DeletePool handles DELETE /config/pools/{tool}.
func (h *Handler) DeletePool(w http.ResponseWriter, r *http.Request) {
	tool := mux.Vars(r)["tool"]

	err := h.ledger.RemovePool(tool)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrUnknownTool):
		h.respondError(w, http.StatusNotFound, "unknown_tool", "Tool not found")
		return
	case errors.Is(err, domain.ErrPoolHasBorrows):
		h.respondError(w, http.StatusConflict, "pool_has_borrows", "Tool pool has outstanding borrows")
		return
	default:
		h.respondError(w, http.StatusInternalServerError, "pool_delete_failed", err.Error())
		return
	}

	h.log.Info("pool removed", logger.Fields{"tool": tool})
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "removed", "tool": tool})
}

func (h *Handler) decodeBudget(w http.ResponseWriter, r *http.Request) (domain.PoolConfig, bool) {
	var req BudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request body")
		return domain.PoolConfig{}, false
	}
	if req.Tool == "" {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "tool is required")
		return domain.PoolConfig{}, false
	}
	return domain.PoolConfig{
		Tool:         req.Tool,
		Total:        req.Total,
		Commit:       req.Commit,
		MaxOverage:   req.MaxOverage,
		CommitPrice:  req.CommitPrice,
		OveragePrice: req.OveragePrice,
	}, true
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"service":  "permetix",
		"version":  h.version,
		"sessions": h.hub.Count(),
	})
}

// Version handles GET /version.
func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"version": h.version})
}

func (h *Handler) refreshPoolGauges(tool string) {
	if h.metrics == nil {
		return
	}
	if status, err := h.ledger.Status(tool); err == nil {
		h.metrics.SetPoolGauges(status)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, errorType, message string) {
	h.respondJSON(w, status, ErrorResponse{
		Error:   errorType,
		Message: message,
	})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
