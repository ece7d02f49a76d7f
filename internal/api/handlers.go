/**
 * @description
 * This file contains the HTTP handlers for the billing service. Handlers parse requests,
 * call the ledger, subscription and reconciliation services with the caller's AuthContext,
 * and map domain errors onto HTTP status codes.
 *
 * @dependencies
 * - internal/app, internal/domain: For service logic, models, and typed errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/restoplatform/billing-service/internal/app"
	"github.com/restoplatform/billing-service/internal/domain"
)

// LedgerService is the balance ledger as seen by the API.
type LedgerService interface {
	GetBalance(ctx context.Context, merchantID uuid.UUID) (*domain.Balance, error)
	Adjust(ctx context.Context, actor domain.AuthContext, in app.AdjustInput) (domain.Money, error)
	Transfer(ctx context.Context, actor domain.AuthContext, in app.TransferInput) (*app.TransferResult, error)
	GetTransactions(ctx context.Context, merchantID uuid.UUID, f app.TransactionFilter) (*app.TransactionPage, error)
	ChangeCurrency(ctx context.Context, actor domain.AuthContext, merchantID uuid.UUID, currency string) (*domain.Merchant, error)
}

// SubscriptionService is the subscription state machine as seen by the API.
type SubscriptionService interface {
	Provision(ctx context.Context, actor domain.AuthContext, in app.ProvisionInput) (*domain.Merchant, error)
	Get(ctx context.Context, merchantID uuid.UUID) (*domain.Subscription, error)
	EvaluateStatus(ctx context.Context, merchantID uuid.UUID) (*domain.Subscription, error)
	ExtendDays(ctx context.Context, actor domain.AuthContext, merchantID uuid.UUID, days int) (*domain.Subscription, error)
	Suspend(ctx context.Context, actor domain.AuthContext, merchantID uuid.UUID, reason string) (*domain.Subscription, error)
	Activate(ctx context.Context, actor domain.AuthContext, merchantID uuid.UUID) (*domain.Subscription, error)
	Cancel(ctx context.Context, actor domain.AuthContext, merchantID uuid.UUID) (*domain.Subscription, error)
	ChangePlan(ctx context.Context, actor domain.AuthContext, merchantID uuid.UUID, plan domain.SubscriptionType) (*domain.Subscription, error)
}

// PaymentRequestService is payment request reconciliation as seen by the API.
type PaymentRequestService interface {
	Get(ctx context.Context, requestID uuid.UUID) (*domain.PaymentRequest, error)
	ListByMerchant(ctx context.Context, merchantID uuid.UUID, statuses ...domain.PaymentRequestStatus) ([]domain.PaymentRequest, error)
	Confirm(ctx context.Context, requestID uuid.UUID) (*domain.PaymentRequest, error)
	Verify(ctx context.Context, actor domain.AuthContext, requestID uuid.UUID) (*domain.PaymentRequest, error)
	Reject(ctx context.Context, actor domain.AuthContext, requestID uuid.UUID, reason string) (*domain.PaymentRequest, error)
}

// Handler holds the services the billing endpoints call.
type Handler struct {
	ledger        LedgerService
	subscriptions SubscriptionService
	payments      PaymentRequestService
	logger        *slog.Logger
}

func NewHandler(ledger LedgerService, subscriptions SubscriptionService, payments PaymentRequestService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: ledger, subscriptions: subscriptions, payments: payments, logger: logger.With("component", "api")}
}

type moneyRequest struct {
	Amount       string `json:"amount" validate:"required"`
	CurrencyCode string `json:"currency_code" validate:"required,len=3"`
}

func (m moneyRequest) money() (domain.Money, error) {
	return domain.ParseMoney(m.Amount, m.CurrencyCode)
}

type adjustmentRequest struct {
	moneyRequest
	Type        string `json:"type" validate:"required,oneof=TOPUP DEDUCTION ADJUSTMENT REFUND"`
	Description string `json:"description" validate:"max=500"`
}

type adjustmentResponse struct {
	MerchantID uuid.UUID    `json:"merchant_id"`
	Balance    domain.Money `json:"balance"`
}

type transferRequest struct {
	moneyRequest
	FromMerchantID string `json:"from_merchant_id" validate:"required,uuid"`
	ToMerchantID   string `json:"to_merchant_id" validate:"required,uuid"`
	Note           string `json:"note" validate:"max=500"`
}

type extendRequest struct {
	Days int `json:"days" validate:"required,gt=0"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type planRequest struct {
	Type string `json:"type" validate:"required"`
}

type currencyRequest struct {
	CurrencyCode string `json:"currency_code" validate:"required,len=3"`
}

type provisionRequest struct {
	MerchantID   string `json:"merchant_id" validate:"omitempty,uuid"`
	Name         string `json:"name" validate:"required,max=200"`
	CurrencyCode string `json:"currency_code" validate:"required,len=3"`
	ParentID     string `json:"parent_id" validate:"omitempty,uuid"`
}

// GetBalanceHandler returns the merchant's balance.
func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	auth, merchantID, ok := h.viewer(w, r)
	if !ok {
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), merchantID)
	if err != nil {
		h.writeDomainError(w, "get_balance", auth, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// ListTransactionsHandler returns the merged ledger view for a merchant.
func (h *Handler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	auth, merchantID, ok := h.viewer(w, r)
	if !ok {
		return
	}
	filter, err := parseTransactionFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := h.ledger.GetTransactions(r.Context(), merchantID, filter)
	if err != nil {
		h.writeDomainError(w, "list_transactions", auth, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseTransactionFilter(r *http.Request) (app.TransactionFilter, error) {
	q := r.URL.Query()
	f := app.TransactionFilter{
		Search:         strings.TrimSpace(q.Get("search")),
		IncludePending: q.Get("include_pending") != "false",
		IncludeHidden:  q.Get("include_hidden") == "true",
	}
	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		t := domain.TransactionType(strings.ToUpper(raw))
		f.Type = &t
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New("query parameter " + name + " must be an RFC3339 timestamp")
		}
		*dst = &parsed
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return f, errors.New("query parameter " + name + " must be an integer")
		}
		*dst = n
	}
	return f, nil
}

// CreateAdjustmentHandler applies a top-up, deduction, adjustment or refund.
func (h *Handler) CreateAdjustmentHandler(w http.ResponseWriter, r *http.Request) {
	auth, merchantID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req adjustmentRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	amount, err := req.money()
	if err != nil {
		h.writeDomainError(w, "adjust", auth, err)
		return
	}
	balance, err := h.ledger.Adjust(r.Context(), auth, app.AdjustInput{
		MerchantID:  merchantID,
		Amount:      amount,
		Type:        domain.TransactionType(req.Type),
		Description: req.Description,
	})
	if err != nil {
		h.writeDomainError(w, "adjust", auth, err)
		return
	}
	writeJSON(w, http.StatusCreated, adjustmentResponse{MerchantID: merchantID, Balance: balance})
}

// CreateTransferHandler moves funds between two merchants of one branch group.
func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.authenticated(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	amount, err := req.money()
	if err != nil {
		h.writeDomainError(w, "transfer", auth, err)
		return
	}
	result, err := h.ledger.Transfer(r.Context(), auth, app.TransferInput{
		FromMerchantID: uuid.MustParse(req.FromMerchantID),
		ToMerchantID:   uuid.MustParse(req.ToMerchantID),
		Amount:         amount,
		Note:           strings.TrimSpace(req.Note),
	})
	if err != nil {
		h.writeDomainError(w, "transfer", auth, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ChangeCurrencyHandler switches the currency of a merchant that has no transactions yet.
func (h *Handler) ChangeCurrencyHandler(w http.ResponseWriter, r *http.Request) {
	auth, merchantID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req currencyRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	merchant, err := h.ledger.ChangeCurrency(r.Context(), auth, merchantID, req.CurrencyCode)
	if err != nil {
		h.writeDomainError(w, "change_currency", auth, err)
		return
	}
	writeJSON(w, http.StatusOK, merchant)
}

// ProvisionMerchantHandler registers a merchant with a TRIAL subscription.
func (h *Handler) ProvisionMerchantHandler(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.authenticated(w, r)
	if !ok {
		return
	}
	var req provisionRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	in := app.ProvisionInput{Name: req.Name, CurrencyCode: req.CurrencyCode}
	if req.MerchantID != "" {
		in.MerchantID = uuid.MustParse(req.MerchantID)
	}
	if req.ParentID != "" {
		parentID := uuid.MustParse(req.ParentID)
		in.ParentID = &parentID
	}
	merchant, err := h.subscriptions.Provision(r.Context(), auth, in)
	if err != nil {
		h.writeDomainError(w, "provision", auth, err)
		return
	}
	writeJSON(w, http.StatusCreated, merchant)
}

// GetSubscriptionHandler returns the merchant's subscription. With ?evaluate=true the status
// is brought up to date first.
func (h *Handler) GetSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	auth, merchantID, ok := h.viewer(w, r)
	if !ok {
		return
	}
	var (
		sub *domain.Subscription
		err error
	)
	if r.URL.Query().Get("evaluate") == "true" {
		sub, err = h.subscriptions.EvaluateStatus(r.Context(), merchantID)
	} else {
		sub, err = h.subscriptions.Get(r.Context(), merchantID)
	}
	if err != nil {
		h.writeDomainError(w, "get_subscription", auth, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// ExtendSubscriptionHandler adds paid days.
func (h *Handler) ExtendSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	auth, merchantID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req extendRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	sub, err := h.subscriptions.ExtendDays(r.Context(), auth, merchantID, req.Days)
	h.writeSubscription(w, "extend_subscription", auth, sub, err)
}

// SuspendSubscriptionHandler suspends the subscription manually.
func (h *Handler) SuspendSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	auth, merchantID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	sub, err := h.subscriptions.Suspend(r.Context(), auth, merchantID, req.Reason)
	h.writeSubscription(w, "suspend_subscription", auth, sub, err)
}

// ActivateSubscriptionHandler clears a suspension.
func (h *Handler) ActivateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	auth, merchantID, ok := h.caller(w, r)
	if !ok {
		return
	}
	sub, err := h.subscriptions.Activate(r.Context(), auth, merchantID)
	h.writeSubscription(w, "activate_subscription", auth, sub, err)
}

// CancelSubscriptionHandler cancels the subscription.
func (h *Handler) CancelSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	auth, merchantID, ok := h.caller(w, r)
	if !ok {
		return
	}
	sub, err := h.subscriptions.Cancel(r.Context(), auth, merchantID)
	h.writeSubscription(w, "cancel_subscription", auth, sub, err)
}

// ChangePlanHandler switches the subscription plan.
func (h *Handler) ChangePlanHandler(w http.ResponseWriter, r *http.Request) {
	auth, merchantID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req planRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	plan := domain.SubscriptionType(strings.ToUpper(strings.TrimSpace(req.Type)))
	sub, err := h.subscriptions.ChangePlan(r.Context(), auth, merchantID, plan)
	h.writeSubscription(w, "change_plan", auth, sub, err)
}

func (h *Handler) writeSubscription(w http.ResponseWriter, endpoint string, auth domain.AuthContext, sub *domain.Subscription, err error) {
	if err != nil {
		h.writeDomainError(w, endpoint, auth, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// ListPaymentRequestsHandler lists the merchant's payment requests, optionally by status.
func (h *Handler) ListPaymentRequestsHandler(w http.ResponseWriter, r *http.Request) {
	auth, merchantID, ok := h.viewer(w, r)
	if !ok {
		return
	}
	var statuses []domain.PaymentRequestStatus
	for _, raw := range strings.Split(r.URL.Query().Get("status"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			statuses = append(statuses, domain.PaymentRequestStatus(strings.ToUpper(raw)))
		}
	}
	requests, err := h.payments.ListByMerchant(r.Context(), merchantID, statuses...)
	if err != nil {
		h.writeDomainError(w, "list_payment_requests", auth, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": requests})
}

// GetPaymentRequestHandler returns one payment request.
func (h *Handler) GetPaymentRequestHandler(w http.ResponseWriter, r *http.Request) {
	auth, request, ok := h.paymentRequest(w, r)
	if !ok {
		return
	}
	if !auth.CanView(request.MerchantID) {
		h.writeDomainError(w, "get_payment_request", auth, &domain.OwnershipError{ActorID: auth.ActorID, MerchantID: request.MerchantID})
		return
	}
	writeJSON(w, http.StatusOK, request)
}

// ConfirmPaymentRequestHandler records the customer's claim that the payment was made.
func (h *Handler) ConfirmPaymentRequestHandler(w http.ResponseWriter, r *http.Request) {
	auth, request, ok := h.paymentRequest(w, r)
	if !ok {
		return
	}
	if !auth.CanView(request.MerchantID) {
		h.writeDomainError(w, "confirm_payment_request", auth, &domain.OwnershipError{ActorID: auth.ActorID, MerchantID: request.MerchantID})
		return
	}
	confirmed, err := h.payments.Confirm(r.Context(), request.ID)
	if err != nil {
		h.writeDomainError(w, "confirm_payment_request", auth, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmed)
}

// VerifyPaymentRequestHandler accepts the payment and applies its effect.
func (h *Handler) VerifyPaymentRequestHandler(w http.ResponseWriter, r *http.Request) {
	auth, requestID, ok := h.caller(w, r)
	if !ok {
		return
	}
	verified, err := h.payments.Verify(r.Context(), auth, requestID)
	if err != nil {
		h.writeDomainError(w, "verify_payment_request", auth, err)
		return
	}
	writeJSON(w, http.StatusOK, verified)
}

// RejectPaymentRequestHandler declines the payment.
func (h *Handler) RejectPaymentRequestHandler(w http.ResponseWriter, r *http.Request) {
	auth, requestID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	rejected, err := h.payments.Reject(r.Context(), auth, requestID, req.Reason)
	if err != nil {
		h.writeDomainError(w, "reject_payment_request", auth, err)
		return
	}
	writeJSON(w, http.StatusOK, rejected)
}

func (h *Handler) authenticated(w http.ResponseWriter, r *http.Request) (domain.AuthContext, bool) {
	auth, ok := AuthFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get caller from context")
		return domain.AuthContext{}, false
	}
	return auth, true
}

// caller returns the authenticated actor and the {id} path parameter.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (domain.AuthContext, uuid.UUID, bool) {
	auth, ok := h.authenticated(w, r)
	if !ok {
		return auth, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid ID format")
		return auth, uuid.Nil, false
	}
	return auth, id, true
}

// viewer is caller plus a read-access check on the merchant.
func (h *Handler) viewer(w http.ResponseWriter, r *http.Request) (domain.AuthContext, uuid.UUID, bool) {
	auth, merchantID, ok := h.caller(w, r)
	if !ok {
		return auth, merchantID, false
	}
	if !auth.CanView(merchantID) {
		h.writeDomainError(w, "view", auth, &domain.OwnershipError{ActorID: auth.ActorID, MerchantID: merchantID})
		return auth, merchantID, false
	}
	return auth, merchantID, true
}

func (h *Handler) paymentRequest(w http.ResponseWriter, r *http.Request) (domain.AuthContext, *domain.PaymentRequest, bool) {
	auth, requestID, ok := h.caller(w, r)
	if !ok {
		return auth, nil, false
	}
	request, err := h.payments.Get(r.Context(), requestID)
	if err != nil {
		h.writeDomainError(w, "get_payment_request", auth, err)
		return auth, nil, false
	}
	return auth, request, true
}

// writeDomainError maps typed domain errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, endpoint string, auth domain.AuthContext, err error) {
	var (
		validationErr   *domain.ValidationError
		insufficientErr *domain.InsufficientBalanceError
	)
	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": validationErr.Message, "field": validationErr.Field})
	case errors.As(err, &insufficientErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":     "Insufficient balance",
			"available": insufficientErr.Available,
			"requested": insufficientErr.Requested,
		})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrOwnership):
		writeError(w, http.StatusForbidden, "You are not allowed to perform this action")
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		h.logger.Warn("request aborted", "endpoint", endpoint, "actor_id", auth.ActorID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Request timed out")
	default:
		h.logger.Error("request failed", "endpoint", endpoint, "actor_id", auth.ActorID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
