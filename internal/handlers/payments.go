// Package handlers connects inbound webhook events to the lifecycle
// orchestrators and pushes the resulting notifications back out on chat.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bodasure/internal/channel"
	"bodasure/internal/claims"
	"bodasure/internal/mpesa"
	"bodasure/internal/policy"
	"bodasure/internal/repo"
)

// ReplayGuard is the redis-backed fast path that drops re-delivered
// callbacks without touching the database. Satisfied by cache.Redis.
type ReplayGuard interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// PaymentProcessor applies payment gateway callbacks to the owning policy
// or claim and notifies the user. Idempotent by provider transaction id.
type PaymentProcessor struct {
	store    repo.Store
	policies *policy.Service
	claims   *claims.Service
	sender   channel.Sender
	guard    ReplayGuard
	logger   *slog.Logger
}

var _ mpesa.CallbackProcessor = (*PaymentProcessor)(nil)

// NewPaymentProcessor creates the callback processor.
func NewPaymentProcessor(store repo.Store, policies *policy.Service, claimSvc *claims.Service, sender channel.Sender, guard ReplayGuard, logger *slog.Logger) *PaymentProcessor {
	return &PaymentProcessor{
		store:    store,
		policies: policies,
		claims:   claimSvc,
		sender:   sender,
		guard:    guard,
		logger:   logger.With("component", "payments"),
	}
}

// HandlePaymentEvent routes a gateway callback by the payment's type. A
// replayed callback hits the short-circuit in redis first, then the
// database status check; either way effects apply exactly once. The marker
// is released when processing fails so the gateway's retry reaches the
// database instead of being swallowed for the marker's lifetime.
func (p *PaymentProcessor) HandlePaymentEvent(ctx context.Context, event mpesa.CallbackEvent) error {
	key := "payment_cb:" + event.TransactionID
	if p.guard != nil {
		if fresh, err := p.guard.SetNX(ctx, key, "1", 24*time.Hour); err == nil && !fresh {
			p.logger.Info("replayed payment callback short-circuited", "txn_id", event.TransactionID)
			return nil
		}
	}

	err := p.apply(ctx, event)
	if err != nil && p.guard != nil {
		if delErr := p.guard.Delete(ctx, key); delErr != nil {
			p.logger.Warn("failed releasing callback replay marker", "error", delErr, "txn_id", event.TransactionID)
		}
	}
	return err
}

func (p *PaymentProcessor) apply(ctx context.Context, event mpesa.CallbackEvent) error {
	payment, err := p.store.GetPaymentByTxnID(ctx, event.TransactionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Ack unknown transactions so the gateway stops retrying them.
			p.logger.Warn("callback for unknown transaction", "txn_id", event.TransactionID)
			return nil
		}
		return fmt.Errorf("load payment: %w", err)
	}

	switch payment.Type {
	case repo.PaymentTypePremium:
		return p.handlePremium(ctx, payment, event)
	case repo.PaymentTypeClaimPayout:
		return p.handlePayout(ctx, payment, event)
	default:
		return fmt.Errorf("unknown payment type %q", payment.Type)
	}
}

func (p *PaymentProcessor) handlePremium(ctx context.Context, payment *repo.Payment, event mpesa.CallbackEvent) error {
	if !event.Success {
		pol, err := p.policies.FailPayment(ctx, event.TransactionID, event.Payload)
		if err != nil {
			return fmt.Errorf("fail premium payment: %w", err)
		}
		p.notify(ctx, payment.Phone, fmt.Sprintf(
			"Your payment for policy %s was not completed (%s). Reply BUY to try again.",
			pol.PolicyNumber, event.ResultDesc))
		return nil
	}

	pol, err := p.policies.ConfirmPayment(ctx, event.TransactionID, event.Payload)
	if err != nil {
		return fmt.Errorf("confirm premium payment: %w", err)
	}

	if pol.Status == repo.PolicyActive {
		p.notify(ctx, payment.Phone, fmt.Sprintf(
			"Payment received. Your policy %s is now active until %s.",
			pol.PolicyNumber, pol.EndAt.Format("02 Jan 2006")))
	} else {
		p.notify(ctx, payment.Phone, fmt.Sprintf(
			"Payment received for policy %s. Activation is finishing up and you will be covered shortly.",
			pol.PolicyNumber))
	}
	return nil
}

func (p *PaymentProcessor) handlePayout(ctx context.Context, payment *repo.Payment, event mpesa.CallbackEvent) error {
	if payment.ClaimID == nil {
		return fmt.Errorf("payout payment %s has no claim reference", payment.TxnID)
	}

	if !event.Success {
		if err := p.store.UpdatePaymentStatus(ctx, event.TransactionID, repo.PaymentFailed, event.Payload); err != nil {
			return fmt.Errorf("fail payout payment: %w", err)
		}
		// The claim stays approved; an operator re-initiates the transfer.
		p.logger.Error("claim payout transfer failed",
			"txn_id", event.TransactionID, "claim_id", *payment.ClaimID, "desc", event.ResultDesc)
		p.notify(ctx, payment.Phone,
			"We could not complete your claim payout. Our team is looking into it and will retry shortly.")
		return nil
	}

	if err := p.store.UpdatePaymentStatus(ctx, event.TransactionID, repo.PaymentCompleted, event.Payload); err != nil {
		return fmt.Errorf("complete payout payment: %w", err)
	}
	claim, err := p.claims.MarkPaid(ctx, *payment.ClaimID, event.TransactionID)
	if err != nil {
		if errors.Is(err, claims.ErrBadTransition) {
			p.logger.Warn("payout confirmed for claim not in approved state",
				"txn_id", event.TransactionID, "claim_id", *payment.ClaimID, "error", err)
			return nil
		}
		return fmt.Errorf("settle claim: %w", err)
	}

	p.notify(ctx, payment.Phone, fmt.Sprintf(
		"Your claim %s payout of %d has been sent to %s.",
		claim.ClaimNumber, payment.Amount, payment.Phone))
	return nil
}

func (p *PaymentProcessor) notify(ctx context.Context, phone, text string) {
	if p.sender == nil {
		return
	}
	if err := p.sender.SendText(ctx, phone, text); err != nil {
		p.logger.Warn("failed sending payment notification", "error", err, "phone", phone)
	}
}
