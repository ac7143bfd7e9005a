package handlers

import (
	"context"
	"errors"

	"github.com/Minimalistic-Apps/donation-key-server/internal/logger"
	"github.com/Minimalistic-Apps/donation-key-server/internal/metrics"
	"github.com/Minimalistic-Apps/donation-key-server/internal/models"
	"github.com/Minimalistic-Apps/donation-key-server/internal/storage"
)

// handleCreateClaim creates a claim idempotently: the same claim always
// resolves to the same pay link, no matter how often or how concurrently
// it is submitted. The claim row is only written after the provider
// returned a link id, so a timed-out provider call leaves no orphaned
// claim behind.
func (s *Server) handleCreateClaim(ctx context.Context, claim models.DonationTokenClaim) (models.LnURL, error) {
	existingID, ok, err := s.store.GetClaim(claim)
	if err != nil {
		return "", err
	}
	if ok {
		logger.Warn("claim already has a payment link", map[string]interface{}{
			"claim":           claim,
			"payment_link_id": existingID,
		})
		metrics.ClaimsReusedTotal.Inc()
		return s.lnBits.GetPaymentLink(ctx, existingID)
	}

	id, err := s.lnBits.CreatePayLink(ctx, s.expectedAmount, string(claim), s.callbackURL)
	if err != nil {
		return "", err
	}

	lnurl, err := s.lnBits.GetPaymentLink(ctx, id)
	if err != nil {
		return "", err
	}

	if err := s.store.Add(claim, id); err != nil {
		// Two concurrent creations raced; the winner's link is the one
		// callers must see. The link created above is abandoned.
		var exists *storage.ClaimAlreadyExistsError
		if errors.As(err, &exists) {
			logger.Warn("concurrent claim creation, returning winning payment link", map[string]interface{}{
				"claim":           claim,
				"payment_link_id": exists.PaymentLinkID,
			})
			metrics.ClaimsReusedTotal.Inc()
			return s.lnBits.GetPaymentLink(ctx, exists.PaymentLinkID)
		}
		return "", err
	}

	metrics.ClaimsCreatedTotal.Inc()
	return lnurl, nil
}
