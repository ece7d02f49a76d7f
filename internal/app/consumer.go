package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/restoplatform/billing-service/internal/domain"
)

const consumerTimeout = 15 * time.Second

// GatewayConsumer turns payment gateway messages into payment request operations. Handlers
// return false only for transient failures so the broker redelivers the message.
type GatewayConsumer struct {
	reconciliation *Reconciliation
	logger         *slog.Logger
}

func NewGatewayConsumer(reconciliation *Reconciliation, logger *slog.Logger) *GatewayConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayConsumer{reconciliation: reconciliation, logger: logger.With("component", "gateway_consumer")}
}

// Bindings maps gateway routing keys to handlers.
func (c *GatewayConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		domain.EventGatewayPaymentCreated:   c.HandleCreated,
		domain.EventGatewayPaymentConfirmed: c.HandleConfirmed,
	}
}

// HandleCreated records a new payment request.
func (c *GatewayConsumer) HandleCreated(body []byte) bool {
	event, ok := c.decode(body)
	if !ok {
		return true
	}
	merchantID, err := uuid.Parse(strings.TrimSpace(event.MerchantID))
	if err != nil {
		c.logger.Warn("dropping payment event with invalid merchant id", "external_ref", event.ExternalRef, "merchant_id", event.MerchantID)
		return true
	}
	amount, err := domain.ParseMoney(event.Amount, event.CurrencyCode)
	if err != nil {
		c.logger.Warn("dropping payment event with invalid amount", "external_ref", event.ExternalRef, "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	request, err := c.reconciliation.Create(ctx, CreatePaymentRequestInput{
		MerchantID:  merchantID,
		Type:        domain.PaymentRequestType(strings.ToUpper(strings.TrimSpace(event.Type))),
		Amount:      amount,
		RenewalDays: event.RenewalDays,
		ExternalRef: event.ExternalRef,
	})
	if err != nil {
		return c.settle("create", event.ExternalRef, err)
	}
	c.logger.Info("payment request recorded from gateway", "payment_request_id", request.ID, "external_ref", request.ExternalRef)
	return true
}

// HandleConfirmed marks the referenced payment request as CONFIRMED.
func (c *GatewayConsumer) HandleConfirmed(body []byte) bool {
	event, ok := c.decode(body)
	if !ok {
		return true
	}
	merchantID, err := uuid.Parse(strings.TrimSpace(event.MerchantID))
	if err != nil {
		c.logger.Warn("dropping confirmation with invalid merchant id", "external_ref", event.ExternalRef)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	request, err := c.reconciliation.repo.FindPaymentRequestByExternalRef(ctx, merchantID, strings.TrimSpace(event.ExternalRef))
	if err != nil {
		return c.settle("confirm", event.ExternalRef, err)
	}
	if _, err := c.reconciliation.Confirm(ctx, request.ID); err != nil {
		return c.settle("confirm", event.ExternalRef, err)
	}
	return true
}

func (c *GatewayConsumer) decode(body []byte) (domain.GatewayPaymentEvent, bool) {
	var event domain.GatewayPaymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal gateway payload", "error", err)
		return event, false
	}
	if strings.TrimSpace(event.ExternalRef) == "" {
		c.logger.Warn("dropping gateway payload without external reference")
		return event, false
	}
	return event, true
}

// settle decides whether a failed message is acknowledged. Domain rejections are permanent;
// anything else is retried.
func (c *GatewayConsumer) settle(op, externalRef string, err error) bool {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
		c.logger.Warn("gateway message rejected", "op", op, "external_ref", externalRef, "error", err)
		return true
	default:
		c.logger.Error("gateway message failed; requeueing", "op", op, "external_ref", externalRef, "error", err)
		return false
	}
}
