package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/khidmaplus/be-coordination/internal/apperr"
	"github.com/khidmaplus/be-coordination/internal/client"
	"github.com/khidmaplus/be-coordination/internal/repository"
	"github.com/khidmaplus/be-coordination/internal/service"
)

// WebhookAuditor records every inbound webhook payload.
// Implemented by repository.SupportRepository.
type WebhookAuditor interface {
	InsertWebhookAudit(ctx context.Context, a *repository.WebhookAudit) error
}

// HTTPHandler exposes the coordination API and the gateway webhooks.
type HTTPHandler struct {
	applications *service.ApplicationService
	providers    *service.ProviderService
	broadcasts   *service.BroadcastService
	feedback     *service.FeedbackService
	governance   *service.GovernanceService
	metrics      *service.MetricsService
	audit        WebhookAuditor
	country      string
	log          zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	applications *service.ApplicationService,
	providers *service.ProviderService,
	broadcasts *service.BroadcastService,
	feedback *service.FeedbackService,
	governance *service.GovernanceService,
	metrics *service.MetricsService,
	audit WebhookAuditor,
	countryCode string,
	log zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		applications: applications,
		providers:    providers,
		broadcasts:   broadcasts,
		feedback:     feedback,
		governance:   governance,
		metrics:      metrics,
		audit:        audit,
		country:      countryCode,
		log:          log,
	}
}

// Routes assembles the router.
func (h *HTTPHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/applications", func(r chi.Router) {
			r.Post("/", h.submitApplication)
			r.Get("/", h.listApplications)
			r.Get("/{id}", h.getApplication)
			r.Post("/{id}/decide", h.decideApplication)
			r.Post("/{id}/info-received", h.applicationInfoReceived)
		})
		r.Route("/providers", func(r chi.Router) {
			r.Get("/", h.listProviders)
			r.Get("/{id}", h.getProvider)
			r.Post("/{id}/status", h.setProviderStatus)
			r.Post("/{id}/flags", h.flagProvider)
			r.Get("/{id}/flags", h.listProviderFlags)
			r.Post("/{id}/flags/{flagID}/resolve", h.resolveProviderFlag)
		})
		r.Route("/requests", func(r chi.Router) {
			r.Post("/", h.createRequest)
			r.Get("/{id}", h.getRequest)
			r.Post("/{id}/verify-otp", h.verifyOTP)
			r.Post("/{id}/dispatch", h.dispatchRequest)
			r.Get("/{id}/feedback", h.getFeedback)
		})
		r.Route("/broadcasts", func(r chi.Router) {
			r.Get("/{id}", h.getBroadcast)
			r.Get("/{id}/responses", h.listResponses)
		})
		r.Route("/governance/advisories", func(r chi.Router) {
			r.Get("/", h.listAdvisories)
			r.Post("/{id}/ack", h.ackAdvisory)
		})
		r.Get("/metrics/dashboard", h.dashboard)
	})

	r.Post("/webhooks/provider-reply", h.providerReplyWebhook)
	r.Post("/webhooks/feedback-reply", h.feedbackReplyWebhook)

	return r
}

func (h *HTTPHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Applications ────────────────────────────────────────────────────────────

type submitApplicationBody struct {
	ApplicantName   string   `json:"applicant_name"`
	CompanyName     string   `json:"company_name"`
	Phone           string   `json:"phone"`
	Email           *string  `json:"email"`
	Services        []string `json:"services"`
	Areas           []string `json:"areas"`
	HasIDDocument   bool     `json:"has_id_document"`
	HasTradeLicense bool     `json:"has_trade_license"`
}

func (h *HTTPHandler) submitApplication(w http.ResponseWriter, r *http.Request) {
	var body submitApplicationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, "invalid request body"))
		return
	}
	app, err := h.applications.Submit(r.Context(), &service.SubmitApplicationRequest{
		ApplicantName:   body.ApplicantName,
		CompanyName:     body.CompanyName,
		Phone:           body.Phone,
		Email:           body.Email,
		Services:        body.Services,
		Areas:           body.Areas,
		HasIDDocument:   body.HasIDDocument,
		HasTradeLicense: body.HasTradeLicense,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (h *HTTPHandler) listApplications(w http.ResponseWriter, r *http.Request) {
	var status *repository.ApplicationStatus
	if s := r.URL.Query().Get("status"); s != "" {
		v := repository.ApplicationStatus(s)
		status = &v
	}
	apps, err := h.applications.List(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (h *HTTPHandler) getApplication(w http.ResponseWriter, r *http.Request) {
	app, err := h.applications.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

type decideApplicationBody struct {
	Decision   string   `json:"decision"`
	EntityType *string  `json:"entity_type"`
	GroupIDs   []string `json:"group_ids"`
	DecidedBy  string   `json:"decided_by"`
	Notes      *string  `json:"notes"`
}

func (h *HTTPHandler) decideApplication(w http.ResponseWriter, r *http.Request) {
	var body decideApplicationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, "invalid request body"))
		return
	}
	app, err := h.applications.Decide(r.Context(), &service.DecideRequest{
		ID:         chi.URLParam(r, "id"),
		Decision:   service.Decision(body.Decision),
		EntityType: body.EntityType,
		GroupIDs:   body.GroupIDs,
		DecidedBy:  body.DecidedBy,
		Notes:      body.Notes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (h *HTTPHandler) applicationInfoReceived(w http.ResponseWriter, r *http.Request) {
	app, err := h.applications.InfoReceived(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// ── Providers ───────────────────────────────────────────────────────────────

func (h *HTTPHandler) listProviders(w http.ResponseWriter, r *http.Request) {
	var status *repository.ProviderStatus
	if s := r.URL.Query().Get("status"); s != "" {
		v := repository.ProviderStatus(s)
		status = &v
	}
	providers, err := h.providers.List(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

func (h *HTTPHandler) getProvider(w http.ResponseWriter, r *http.Request) {
	provider, err := h.providers.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, provider)
}

type setStatusBody struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (h *HTTPHandler) setProviderStatus(w http.ResponseWriter, r *http.Request) {
	var body setStatusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, "invalid request body"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.providers.SetStatus(r.Context(), id, repository.ProviderStatus(body.Status), body.Reason); err != nil {
		writeError(w, err)
		return
	}
	provider, err := h.providers.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, provider)
}

type flagBody struct {
	Reason   string `json:"reason"`
	Severity string `json:"severity"`
}

func (h *HTTPHandler) flagProvider(w http.ResponseWriter, r *http.Request) {
	var body flagBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, "invalid request body"))
		return
	}
	if body.Reason == "" {
		writeError(w, apperr.Validation("reason", "required"))
		return
	}
	severity := repository.FlagSeverity(body.Severity)
	if severity == "" {
		severity = repository.SeverityMedium
	}
	count, status, err := h.providers.RecordFlag(r.Context(), chi.URLParam(r, "id"), body.Reason, severity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"flag_count": count,
		"status":     status,
	})
}

func (h *HTTPHandler) listProviderFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := h.providers.ListFlags(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flags)
}

func (h *HTTPHandler) resolveProviderFlag(w http.ResponseWriter, r *http.Request) {
	if err := h.providers.ResolveFlag(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "flagID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// ── Requests and broadcasts ─────────────────────────────────────────────────

type createRequestBody struct {
	CustomerName  string  `json:"customer_name"`
	CustomerPhone string  `json:"customer_phone"`
	Service       string  `json:"service"`
	Area          string  `json:"area"`
	Description   *string `json:"description"`
}

func (h *HTTPHandler) createRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, "invalid request body"))
		return
	}
	req, err := h.broadcasts.CreateRequest(r.Context(), &service.CreateRequestInput{
		CustomerName:  body.CustomerName,
		CustomerPhone: body.CustomerPhone,
		Service:       body.Service,
		Area:          body.Area,
		Description:   body.Description,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *HTTPHandler) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.broadcasts.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type verifyOTPBody struct {
	Code string `json:"code"`
}

func (h *HTTPHandler) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var body verifyOTPBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, "invalid request body"))
		return
	}
	if err := h.broadcasts.VerifyOTP(r.Context(), chi.URLParam(r, "id"), body.Code); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (h *HTTPHandler) dispatchRequest(w http.ResponseWriter, r *http.Request) {
	broadcast, err := h.broadcasts.Dispatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, broadcast)
}

func (h *HTTPHandler) getFeedback(w http.ResponseWriter, r *http.Request) {
	fb, err := h.feedback.GetByRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fb)
}

func (h *HTTPHandler) getBroadcast(w http.ResponseWriter, r *http.Request) {
	broadcast, err := h.broadcasts.GetBroadcast(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, broadcast)
}

func (h *HTTPHandler) listResponses(w http.ResponseWriter, r *http.Request) {
	responses, err := h.broadcasts.ListResponses(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, responses)
}

// ── Governance and metrics ──────────────────────────────────────────────────

func (h *HTTPHandler) listAdvisories(w http.ResponseWriter, r *http.Request) {
	advisories, err := h.governance.ListOpenAdvisories(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, advisories)
}

type ackBody struct {
	AckedBy string `json:"acked_by"`
}

func (h *HTTPHandler) ackAdvisory(w http.ResponseWriter, r *http.Request) {
	var body ackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, "invalid request body"))
		return
	}
	if err := h.governance.AcknowledgeAdvisory(r.Context(), chi.URLParam(r, "id"), body.AckedBy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (h *HTTPHandler) dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.metrics.Dashboard(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ── Webhooks ────────────────────────────────────────────────────────────────

type providerReplyWebhookBody struct {
	BroadcastID string `json:"broadcast_id"`
	Phone       string `json:"phone"`
	Reply       string `json:"reply"`
	Timestamp   string `json:"timestamp"`
}

// providerReplyWebhook receives provider replies relayed by the gateway.
// Every delivery is audited, valid or not; malformed payloads never change
// coordination state.
func (h *HTTPHandler) providerReplyWebhook(w http.ResponseWriter, r *http.Request) {
	var body providerReplyWebhookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.auditWebhook(r, "provider-reply", map[string]any{"raw": "undecodable"}, "malformed")
		writeError(w, apperr.New(apperr.CodeValidation, "invalid request body"))
		return
	}
	payload := map[string]any{
		"broadcast_id": body.BroadcastID,
		"phone":        body.Phone,
		"reply":        body.Reply,
		"timestamp":    body.Timestamp,
	}
	if body.BroadcastID == "" || body.Phone == "" || body.Reply == "" {
		h.auditWebhook(r, "provider-reply", payload, "malformed")
		writeError(w, apperr.New(apperr.CodeValidation, "broadcast_id, phone and reply are required"))
		return
	}

	phone := client.NormalizePhone(body.Phone, h.country)
	provider, err := h.providers.GetLiveByPhone(r.Context(), phone)
	if err != nil {
		h.auditWebhook(r, "provider-reply", payload, "unknown_provider")
		writeError(w, err)
		return
	}

	outcome, resp, err := h.broadcasts.OnResponse(r.Context(), body.BroadcastID, provider.ID, body.Reply)
	if err != nil && outcome != service.OutcomeRaceLost {
		h.auditWebhook(r, "provider-reply", payload, "error")
		writeError(w, err)
		return
	}
	h.auditWebhook(r, "provider-reply", payload, string(outcome))

	writeJSON(w, http.StatusOK, map[string]any{
		"outcome":     outcome,
		"response_id": resp.ID,
	})
}

type feedbackReplyWebhookBody struct {
	RequestID string  `json:"request_id"`
	Rating    int     `json:"rating"`
	Comment   *string `json:"comment"`
}

func (h *HTTPHandler) feedbackReplyWebhook(w http.ResponseWriter, r *http.Request) {
	var body feedbackReplyWebhookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.auditWebhook(r, "feedback-reply", map[string]any{"raw": "undecodable"}, "malformed")
		writeError(w, apperr.New(apperr.CodeValidation, "invalid request body"))
		return
	}
	payload := map[string]any{
		"request_id": body.RequestID,
		"rating":     body.Rating,
	}
	if body.RequestID == "" {
		h.auditWebhook(r, "feedback-reply", payload, "malformed")
		writeError(w, apperr.Validation("request_id", "required"))
		return
	}

	fb, err := h.feedback.RecordReply(r.Context(), body.RequestID, body.Rating, body.Comment)
	if err != nil {
		h.auditWebhook(r, "feedback-reply", payload, "error")
		writeError(w, err)
		return
	}
	h.auditWebhook(r, "feedback-reply", payload, "recorded")
	writeJSON(w, http.StatusOK, fb)
}

func (h *HTTPHandler) auditWebhook(r *http.Request, source string, payload map[string]any, outcome string) {
	audit := &repository.WebhookAudit{
		ID:         uuid.New().String(),
		Source:     source,
		Payload:    payload,
		Outcome:    outcome,
		ReceivedAt: time.Now().UTC(),
	}
	if err := h.audit.InsertWebhookAudit(r.Context(), audit); err != nil {
		h.log.Error().Err(err).Str("source", source).Msg("Failed to audit webhook")
	}
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), map[string]string{
		"code":  string(apperr.CodeOf(err)),
		"error": err.Error(),
	})
}
