package handlers

import (
	"context"
	"errors"

	"github.com/Minimalistic-Apps/donation-key-server/internal/logger"
	"github.com/Minimalistic-Apps/donation-key-server/internal/metrics"
	"github.com/Minimalistic-Apps/donation-key-server/internal/models"
	"github.com/Minimalistic-Apps/donation-key-server/internal/storage"
	"github.com/Minimalistic-Apps/donation-key-server/internal/validation"
)

// handlePaymentCallback runs the per-callback state machine. Rejections are
// recorded on the claim's status history and leave it open for a later
// valid callback; only the final SaveSuccess is terminal. A returned error
// means an infrastructure failure and the claim's state is unchanged, so
// the provider's webhook retry is safe.
func (s *Server) handlePaymentCallback(ctx context.Context, callback models.PaymentCallback) error {
	claim, ok, err := s.store.GetClaimByPaymentLinkID(callback.PaymentLinkID)
	if err != nil {
		return err
	}
	if !ok {
		logger.Error("claim not found for payment link", map[string]interface{}{
			"payment_link_id": callback.PaymentLinkID,
		})
		metrics.CallbacksRejectedTotal.WithLabelValues("unknown_claim").Inc()
		return nil
	}

	if msg := validation.ValidateCallback(callback, s.expectedAmount); msg != "" {
		metrics.CallbacksRejectedTotal.WithLabelValues("callback_invalid").Inc()
		return s.store.AppendStatus(claim, msg)
	}

	// Re-fetch the payment from the provider's system of record; the hash
	// is the only value from the webhook that gets cross-checked.
	payment, err := s.lnBits.GetPayment(ctx, callback.PaymentHash)
	if err != nil {
		return err
	}

	if msg := validation.ValidatePayment(payment, callback.PaymentLinkID, s.expectedAmount); msg != "" {
		metrics.CallbacksRejectedTotal.WithLabelValues("payment_invalid").Inc()
		return s.store.AppendStatus(claim, msg)
	}

	used, err := s.store.IsPaymentHashUsed(callback.PaymentHash)
	if err != nil {
		return err
	}
	if used {
		metrics.CallbacksRejectedTotal.WithLabelValues("hash_used").Inc()
		return s.store.AppendStatus(claim, storage.PaymentHashUsedStatus)
	}

	donationKey, err := s.signer.Sign(string(claim))
	if err != nil {
		return err
	}

	if err := s.store.SaveSuccess(claim, callback.PaymentHash, donationKey); err != nil {
		// Lost the race against another callback binding the same hash
		// between the check above and the save; same rejection as the
		// pre-check.
		if errors.Is(err, storage.ErrPaymentHashUsed) {
			metrics.CallbacksRejectedTotal.WithLabelValues("hash_used").Inc()
			return s.store.AppendStatus(claim, storage.PaymentHashUsedStatus)
		}
		return err
	}

	logger.Info("donation key issued", map[string]interface{}{
		"claim":           claim,
		"payment_link_id": callback.PaymentLinkID,
	})
	metrics.DonationKeysIssuedTotal.Inc()
	return nil
}
