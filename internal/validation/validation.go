package validation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Minimalistic-Apps/donation-key-server/internal/lnbits"
	"github.com/Minimalistic-Apps/donation-key-server/internal/models"
)

// ValidateCallback is the cheap early filter over the self-reported webhook
// body. It returns a status message to record on the claim, or "" if the
// callback passes. Rejections are non-fatal: the claim stays open.
func ValidateCallback(callback models.PaymentCallback, expectedAmount decimal.Decimal) string {
	if callback.Amount.LessThan(expectedAmount) {
		return fmt.Sprintf("Amount sent %s is less than %s, please contact support for refund",
			callback.Amount, expectedAmount)
	}
	return ""
}

// ValidatePayment checks the provider's authoritative payment record
// against the claim. The webhook body is attacker-influenceable, so paid
// state, link binding and amount are all re-derived from this record.
// Returns a status message to record, or "" if the payment is good.
func ValidatePayment(payment lnbits.Payment, expectedLinkID models.PaymentLinkID, expectedAmount decimal.Decimal) string {
	if !payment.Paid {
		return "Callback received, but payment not paid."
	}

	if payment.Details.Extra.Link != expectedLinkID {
		return fmt.Sprintf("PaymentLinkId (%d) is not as expected (%d)",
			payment.Details.Extra.Link, expectedLinkID)
	}

	if payment.Details.Amount.LessThan(expectedAmount) {
		return fmt.Sprintf("Amount sent %s is less than %s",
			payment.Details.Amount, expectedAmount)
	}

	return ""
}
