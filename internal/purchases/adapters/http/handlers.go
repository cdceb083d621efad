package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dejobratic/purchasesync/internal/idempotency"
	"github.com/dejobratic/purchasesync/internal/purchases/app"
	"github.com/dejobratic/purchasesync/internal/purchases/domain"
	"github.com/go-chi/chi/v5"
)

const replayedHeader = "Idempotent-Replayed"

// Handler exposes the purchases service over local HTTP/JSON.
type Handler struct {
	service   app.Purchases
	idemStore *idempotency.Store
	logger    *slog.Logger
}

// NewHandler constructs a Handler. idemStore may be nil, in which case
// Idempotency-Key headers are ignored.
func NewHandler(service app.Purchases, idemStore *idempotency.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, idemStore: idemStore, logger: logger}
}

// Register binds the handlers to the router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/subscribers/{ownerID}", h.getSubscriber)
		r.Get("/subscribers/{ownerID}/offerings", h.getOfferings)
		r.Get("/subscribers/{ownerID}/attributes", h.getAttributes)
		r.Get("/product-entitlement-mapping", h.getProductEntitlementMapping)
		r.Post("/purchases", h.purchase)
		r.Post("/restore", h.restore)
		r.Post("/sync", h.syncPurchases)
		r.Post("/attributes", h.setAttributes)
		r.Post("/attributes/sync", h.syncAttributes)
		r.Post("/login", h.logIn)
		r.Post("/logout", h.logOut)
		r.Post("/intro-eligibility", h.introEligibility)
	})
}

func (h *Handler) getSubscriber(w http.ResponseWriter, r *http.Request) {
	policy, err := app.ParseFetchPolicy(r.URL.Query().Get("policy"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	state, err := h.service.FetchSubscriberState(r.Context(), ownerParam(r), policy)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriber_state": state})
}

func (h *Handler) getOfferings(w http.ResponseWriter, r *http.Request) {
	offerings, err := h.service.FetchOfferings(r.Context(), ownerParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offerings": offerings})
}

func (h *Handler) getAttributes(w http.ResponseWriter, r *http.Request) {
	attributes, err := h.service.Attributes(r.Context(), ownerParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attributes": attributes})
}

func (h *Handler) getProductEntitlementMapping(w http.ResponseWriter, r *http.Request) {
	mapping, err := h.service.ProductEntitlementMapping(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product_entitlement_mapping": mapping})
}

type purchaseResponse struct {
	Transaction     *domain.Transaction     `json:"transaction,omitempty"`
	SubscriberState *domain.SubscriberState `json:"subscriber_state,omitempty"`
	UserCancelled   bool                    `json:"user_cancelled"`
	Error           *errorBody              `json:"error,omitempty"`
}

func (h *Handler) purchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	if idemKey != "" && h.idemStore != nil {
		if stored, err := h.idemStore.Get(ctx, idemKey); err != nil {
			h.writeDomainError(w, r, err)
			return
		} else if stored != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(replayedHeader, "true")
			w.WriteHeader(stored.StatusCode)
			_, _ = w.Write(stored.Body)
			return
		}
	}

	var payload app.PurchaseInput
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.CodeValidation), "invalid JSON payload")
		return
	}

	result, err := h.service.Purchase(ctx, payload)
	if err != nil && result.Transaction == nil && !result.UserCancelled {
		// Nothing reached the commerce layer; a retry may run the purchase.
		h.writeDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	response := purchaseResponse{
		Transaction:     result.Transaction,
		SubscriberState: result.SubscriberState,
		UserCancelled:   result.UserCancelled,
	}
	if err != nil {
		status = statusFor(err)
		response.Error = newErrorBody(err)
	}

	body, err := json.Marshal(response)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	if idemKey != "" && h.idemStore != nil {
		stored := idempotency.StoredResponse{StatusCode: status, Body: body}
		if result.Transaction != nil {
			stored.TransactionID = result.Transaction.TransactionID
		}
		if err := h.idemStore.Save(ctx, idemKey, stored); err != nil {
			h.logger.WarnContext(ctx, "failed to store idempotent response", "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *Handler) restore(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.Restore(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriber_state": state})
}

func (h *Handler) syncPurchases(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.SyncPurchases(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriber_state": state})
}

func (h *Handler) setAttributes(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Attributes map[string]string `json:"attributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.CodeValidation), "invalid JSON payload")
		return
	}

	if err := h.service.SetAttributes(r.Context(), payload.Attributes); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) syncAttributes(w http.ResponseWriter, r *http.Request) {
	if err := h.service.SyncAttributes(r.Context()); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) logIn(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AppUserID string `json:"app_user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.CodeValidation), "invalid JSON payload")
		return
	}

	result, err := h.service.LogIn(r.Context(), payload.AppUserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) logOut(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.LogOut(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"app_user_id":      h.service.AppUserID(),
		"subscriber_state": state,
	})
}

func (h *Handler) introEligibility(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ProductIDs []string `json:"product_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.CodeValidation), "invalid JSON payload")
		return
	}

	eligibility, err := h.service.IntroEligibility(r.Context(), payload.ProductIDs)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"eligibility": eligibility})
}

// ownerParam maps the "me" alias to the active owner.
func ownerParam(r *http.Request) string {
	owner := chi.URLParam(r, "ownerID")
	if owner == "me" {
		return ""
	}
	return owner
}

type errorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	BackendCode int    `json:"backend_code,omitempty"`
}

func newErrorBody(err error) *errorBody {
	body := &errorBody{Code: "internal", Message: err.Error()}
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		body.Code = string(domainErr.Code)
		body.BackendCode = domainErr.BackendCode
	}
	return body
}

// statusFor maps a domain error to the local API status.
func statusFor(err error) int {
	switch domain.CodeOf(err) {
	case domain.CodeValidation, domain.CodeMissingReceipt:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeOperationInProgress:
		return http.StatusConflict
	case domain.CodeUserCancelled, domain.CodePurchaseFailed:
		return http.StatusPaymentRequired
	case domain.CodePaymentDeferred:
		return http.StatusAccepted
	case domain.CodeTransport, domain.CodeHTTP, domain.CodeDecode, domain.CodeUnexpectedResponse, domain.CodeUnchangedUncacheable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]any{"error": newErrorBody(err)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": errorBody{Code: code, Message: message}})
}
