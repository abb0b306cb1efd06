package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/yieldledger/backend/internal/middleware"
	"github.com/yieldledger/backend/internal/models"
	"github.com/yieldledger/backend/internal/repository"
	"github.com/yieldledger/backend/internal/services"
	"go.uber.org/zap"
)

type LedgerVerifier interface {
	VerifyChain(ctx context.Context, userID string, limit int) (*services.ChainVerification, error)
	VerifyLedger(ctx context.Context, opts services.VerifyOptions) (*services.LedgerVerification, error)
}

type JobRerunner interface {
	Name() string
	RunManual(ctx context.Context, actor, reason string) (*models.JobRun, error)
}

// ReportArchiver keeps a copy of corrupt-ledger reports.
type ReportArchiver interface {
	ArchiveReport(ctx context.Context, kind string, at time.Time, report any) (string, error)
}

// AuditHandler serves the admin audit endpoints. It must be mounted behind
// middleware.AdminOnly.
type AuditHandler struct {
	ledger    LedgerVerifier
	job       JobRerunner
	archiver  ReportArchiver
	validator *ValidationHelper
	log       *zap.Logger
}

func NewAuditHandler(ledger LedgerVerifier, job JobRerunner, archiver ReportArchiver, log *zap.Logger) *AuditHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditHandler{
		ledger:    ledger,
		job:       job,
		archiver:  archiver,
		validator: NewValidationHelper(),
		log:       log.Named("handlers.audit"),
	}
}

// Routes registers the handler under r (mounted at /api/v1/admin).
func (h *AuditHandler) Routes(r chi.Router) {
	r.Get("/ledger/users/{userId}/verify", h.VerifyChain)
	r.Get("/ledger/verify", h.VerifyLedger)
	r.Post("/jobs/{job}/rerun", h.Rerun)
}

type verifyChainQuery struct {
	UserID string `validate:"required,max=128"`
	Limit  int    `validate:"gte=0"`
}

// VerifyChain recomputes one user's chain.
// GET /ledger/users/{userId}/verify?limit=
func (h *AuditHandler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	q := verifyChainQuery{UserID: chi.URLParam(r, "userId")}
	var err error
	if q.Limit, err = intParam(r, "limit"); err != nil {
		sendError(w, "limit must be an integer", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&q); err != nil {
		sendError(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.ledger.VerifyChain(r.Context(), q.UserID, q.Limit)
	if err != nil {
		h.storeError(w, "verify chain", err)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

// VerifyLedger walks the whole ledger, or the [fromId, toId] range.
// GET /ledger/verify?fromId=&toId=&chunkSize=&sample=
func (h *AuditHandler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	var opts services.VerifyOptions
	var err error
	if opts.FromID, err = int64Param(r, "fromId"); err != nil {
		sendError(w, "fromId must be an integer", http.StatusBadRequest, nil)
		return
	}
	if opts.ToID, err = int64Param(r, "toId"); err != nil {
		sendError(w, "toId must be an integer", http.StatusBadRequest, nil)
		return
	}
	if opts.ChunkSize, err = intParam(r, "chunkSize"); err != nil {
		sendError(w, "chunkSize must be an integer", http.StatusBadRequest, nil)
		return
	}
	if opts.Sample, err = intParam(r, "sample"); err != nil {
		sendError(w, "sample must be an integer", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&opts); err != nil {
		sendError(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.ledger.VerifyLedger(r.Context(), opts)
	if err != nil {
		h.storeError(w, "verify ledger", err)
		return
	}

	if !result.OK && h.archiver != nil {
		key, err := h.archiver.ArchiveReport(r.Context(), "ledger-verify", time.Now(), result)
		if err != nil {
			h.log.Warn("failed to archive verification report", zap.Error(err))
		} else {
			h.log.Info("verification report archived", zap.String("key", key))
		}
	}
	sendJSON(w, http.StatusOK, result)
}

type rerunRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

// Rerun starts a privileged manual run of the named job.
// POST /jobs/{job}/rerun {"reason": "..."}
func (h *AuditHandler) Rerun(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.Actor(r.Context())
	if !ok {
		sendError(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	if chi.URLParam(r, "job") != h.job.Name() {
		sendError(w, "Unknown job", http.StatusNotFound, nil)
		return
	}

	var req rerunRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		sendError(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		sendError(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		sendError(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	run, err := h.job.RunManual(r.Context(), actor, req.Reason)
	if err != nil {
		h.storeError(w, "manual rerun", err)
		return
	}
	sendJSON(w, http.StatusOK, run)
}

func (h *AuditHandler) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, repository.ErrRepositoryUnavailable) {
		h.log.Warn(op+" failed", zap.Error(err))
		sendError(w, "Ledger store unavailable", http.StatusServiceUnavailable, nil)
		return
	}
	h.log.Error(op+" failed", zap.Error(err))
	sendError(w, "Internal server error", http.StatusInternalServerError, nil)
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func int64Param(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
