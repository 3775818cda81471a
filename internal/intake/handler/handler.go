// Package handler exposes the intake HTTP surface. The submit and status
// endpoints are public; everything else sits behind the auth middleware and
// only ever sees a resolved principal.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"sapdash/internal/blob"
	"sapdash/internal/captcha"
	"sapdash/internal/intake/models"
	"sapdash/internal/intake/service"
	"sapdash/internal/intake/store"
	"sapdash/internal/scope"
	dErrors "sapdash/pkg/domain-errors"
	"sapdash/pkg/requestcontext"
)

// Service is the slice of the intake service the handler consumes.
type Service interface {
	Submit(ctx context.Context, sub *models.Submission) (*service.SubmitResult, error)
	Status(ctx context.Context, handle uuid.UUID) (*service.StatusView, error)
	Details(ctx context.Context, handle uuid.UUID) (*models.QueueView, error)
	UpdatePHI(ctx context.Context, handle uuid.UUID, patch *models.PHIPatch) error
	UpdateStatus(ctx context.Context, handle uuid.UUID, status string) (models.ServiceStatus, error)
	Summary(ctx context.Context, req scope.Request) ([]*store.DistrictSummary, error)
	Districts(ctx context.Context) ([]*models.District, error)
	Schools(ctx context.Context, districtID int64) ([]*models.School, error)
	AddSession(ctx context.Context, handle uuid.UUID, sessionDate time.Time, sessionType string) error
	AddOutcome(ctx context.Context, handle uuid.UUID, outcomeType, outcomeValue string, measuredDate time.Time) error
}

type Handler struct {
	svc     Service
	blobs   blob.Store
	captcha captcha.Verifier
	logger  *slog.Logger
}

func New(svc Service, blobs blob.Store, verifier captcha.Verifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, blobs: blobs, captcha: verifier, logger: logger}
}

// Register mounts the intake routes. requireAuth guards the PHI and staff
// surfaces; the public surface carries only the shared middleware chain.
func (h *Handler) Register(r chi.Router, requireAuth func(http.Handler) http.Handler) {
	r.Route("/api/v1/intake", func(r chi.Router) {
		r.Post("/submit", h.handleSubmit)
		r.Get("/status/{handle}", h.handleStatus)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/details/{handle}", h.handleDetails)
			r.Put("/update/{handle}", h.handleUpdatePHI)
			r.Put("/status/{handle}", h.handleUpdateStatus)
			r.Post("/sessions/{handle}", h.handleAddSession)
			r.Post("/outcomes/{handle}", h.handleAddOutcome)
		})
	})

	r.Route("/api/v1/dashboard", func(r chi.Router) {
		r.Use(requireAuth)
		r.Get("/summary", h.handleSummary)
		r.Get("/districts", h.handleDistricts)
		r.Get("/districts/{districtID}/schools", h.handleSchools)
	})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sub, err := parseSubmission(ctx, r, h.blobs)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.captcha.Verify(ctx, sub.CaptchaToken, requestcontext.ClientIP(ctx)); err != nil {
		h.logger.WarnContext(ctx, "captcha rejected",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		h.discardCardImages(ctx, sub)
		writeError(w, err)
		return
	}

	res, err := h.svc.Submit(ctx, sub)
	if err != nil {
		if !dErrors.Is(err, dErrors.CodeValidation) && !dErrors.Is(err, dErrors.CodeConflict) {
			h.logger.ErrorContext(ctx, "submission failed",
				"request_id", requestcontext.RequestID(ctx),
				"error", err.Error(),
			)
		}
		h.discardCardImages(ctx, sub)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, submitResponse{
		Handle: res.Handle.String(),
		Status: string(res.Status),
	})
}

// discardCardImages removes card blobs stored during form parsing when the
// submission is rejected, so no orphaned images outlive the request.
func (h *Handler) discardCardImages(ctx context.Context, sub *models.Submission) {
	for _, handle := range []string{sub.Insurance.CardFrontHandle, sub.Insurance.CardBackHandle} {
		if handle == "" {
			continue
		}
		if err := h.blobs.Delete(ctx, handle); err != nil {
			h.logger.WarnContext(ctx, "discard card image failed",
				"request_id", requestcontext.RequestID(ctx),
				"error", err.Error(),
			)
		}
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	handle, err := parseHandle(r)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := h.svc.Status(r.Context(), handle)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(view))
}

func (h *Handler) handleDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle, err := parseHandle(r)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := h.svc.Details(ctx, handle)
	if err != nil {
		if dErrors.Is(err, dErrors.CodeVault) || dErrors.Is(err, dErrors.CodeInternal) {
			h.logger.ErrorContext(ctx, "details read failed",
				"request_id", requestcontext.RequestID(ctx),
				"error", err.Error(),
			)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDetailsResponse(view))
}

type updatePHIRequest struct {
	Student      *studentUpdate      `json:"student_information"`
	Contact      *contactSection     `json:"contact_information"`
	Insurance    *insuranceSection   `json:"insurance_information"`
	Needs        *needsSection       `json:"service_needs"`
	Demographics *demographicsSection `json:"demographics"`
}

type studentUpdate struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	FullName    string `json:"full_name"`
	Grade       string `json:"grade"`
	School      string `json:"school"`
	DateOfBirth string `json:"date_of_birth"`
	ExternalID  string `json:"external_id"`
}

func (req updatePHIRequest) toPatch() *models.PHIPatch {
	patch := &models.PHIPatch{}
	if s := req.Student; s != nil {
		patch.Student = &models.StudentInfo{
			FirstName:   s.FirstName,
			LastName:    s.LastName,
			FullName:    s.FullName,
			Grade:       s.Grade,
			School:      s.School,
			DateOfBirth: s.DateOfBirth,
			ExternalID:  s.ExternalID,
		}
	}
	if c := req.Contact; c != nil {
		patch.Contact = &models.ContactInfo{
			ParentName:  c.ParentName,
			ParentEmail: c.ParentEmail,
			ParentPhone: c.ParentPhone,
		}
	}
	if i := req.Insurance; i != nil {
		patch.Insurance = &models.InsuranceInfo{
			HasInsurance:     i.HasInsurance,
			Company:          i.Company,
			PolicyholderName: i.PolicyholderName,
			Relationship:     i.Relationship,
			MemberID:         i.MemberID,
			GroupNumber:      i.GroupNumber,
			CardFrontHandle:  i.CardFrontHandle,
			CardBackHandle:   i.CardBackHandle,
		}
	}
	if n := req.Needs; n != nil {
		patch.Needs = &models.ServiceNeeds{
			Categories:       n.Categories,
			CategoryOther:    n.CategoryOther,
			Severity:         n.Severity,
			NeededServices:   n.NeededServices,
			FamilyResources:  n.FamilyResources,
			ReferralConcerns: n.ReferralConcerns,
		}
	}
	if d := req.Demographics; d != nil {
		patch.Demographics = &models.Demographics{
			SexAtBirth:  d.SexAtBirth,
			Races:       d.Races,
			RaceOther:   d.RaceOther,
			Ethnicities: d.Ethnicities,
		}
	}
	return patch
}

func (h *Handler) handleUpdatePHI(w http.ResponseWriter, r *http.Request) {
	handle, err := parseHandle(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req updatePHIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	if err := h.svc.UpdatePHI(r.Context(), handle, req.toPatch()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	handle, err := parseHandle(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	external, err := h.svc.UpdateStatus(r.Context(), handle, req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"handle": handle.String(),
		"status": string(external),
	})
}

type addSessionRequest struct {
	SessionDate string `json:"session_date"`
	SessionType string `json:"session_type"`
}

func (h *Handler) handleAddSession(w http.ResponseWriter, r *http.Request) {
	handle, err := parseHandle(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req addSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	sessionDate, err := time.Parse("2006-01-02", req.SessionDate)
	if err != nil {
		writeError(w, dErrors.New(dErrors.CodeValidation, "invalid session date").WithFields("session_date"))
		return
	}
	if req.SessionType == "" {
		writeError(w, dErrors.New(dErrors.CodeValidation, "session type is required").WithFields("session_type"))
		return
	}

	if err := h.svc.AddSession(r.Context(), handle, sessionDate, req.SessionType); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type addOutcomeRequest struct {
	OutcomeType  string `json:"outcome_type"`
	OutcomeValue string `json:"outcome_value"`
	MeasuredDate string `json:"measured_date"`
}

func (h *Handler) handleAddOutcome(w http.ResponseWriter, r *http.Request) {
	handle, err := parseHandle(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req addOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	measured, err := time.Parse("2006-01-02", req.MeasuredDate)
	if err != nil {
		writeError(w, dErrors.New(dErrors.CodeValidation, "invalid measured date").WithFields("measured_date"))
		return
	}
	if req.OutcomeType == "" {
		writeError(w, dErrors.New(dErrors.CodeValidation, "outcome type is required").WithFields("outcome_type"))
		return
	}

	if err := h.svc.AddOutcome(r.Context(), handle, req.OutcomeType, req.OutcomeValue, measured); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	req := scope.Request{}
	if v := r.URL.Query().Get("district_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid district_id"))
			return
		}
		req.DistrictID = &id
	}
	if v := r.URL.Query().Get("school_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid school_id"))
			return
		}
		req.SchoolID = &id
	}

	summaries, err := h.svc.Summary(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSummaryResponse(summaries))
}

func (h *Handler) handleDistricts(w http.ResponseWriter, r *http.Request) {
	districts, err := h.svc.Districts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]districtResponse, 0, len(districts))
	for _, d := range districts {
		out = append(out, districtResponse{ID: d.ID, Name: d.Name, Code: d.Code, Region: d.Region})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSchools(w http.ResponseWriter, r *http.Request) {
	districtID, err := strconv.ParseInt(chi.URLParam(r, "districtID"), 10, 64)
	if err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid district id"))
		return
	}
	schools, err := h.svc.Schools(r.Context(), districtID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]schoolResponse, 0, len(schools))
	for _, s := range schools {
		out = append(out, schoolResponse{
			ID: s.ID, DistrictID: s.DistrictID, Name: s.Name,
			Code: s.Code, GradeBands: s.GradeBands,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func parseHandle(r *http.Request) (uuid.UUID, error) {
	handle, err := uuid.Parse(chi.URLParam(r, "handle"))
	if err != nil {
		// An unparseable handle reads the same as an unknown one.
		return uuid.Nil, dErrors.New(dErrors.CodeNotFound, "submission not found")
	}
	return handle, nil
}
