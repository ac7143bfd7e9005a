package models

import "github.com/shopspring/decimal"

// DonationTokenClaim is the opaque client-supplied token identifying one
// donation request. It is the primary identity of a claim and never changes.
type DonationTokenClaim string

// PaymentLinkID is the identifier LNbits assigns to a pay link.
type PaymentLinkID int64

// PaymentHash identifies one settled Lightning payment. A hash may satisfy
// at most one claim, ever.
type PaymentHash string

// LnURL is the redeemable payment link handed back to the client.
type LnURL string

// DonationKey is the base64 RSA signature over a claim, issued once the
// payment behind it has been verified.
type DonationKey string

// CreateClaimRequest is the body of POST /key/claim.
type CreateClaimRequest struct {
	Claim string `json:"claim"`
}

// CreateClaimResponse carries the redeemable link for a claim.
type CreateClaimResponse struct {
	LnURL LnURL `json:"lnurl"`
}

// ErrorResponse reports request validation problems to the client.
type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// ClaimStatusResponse is the body of GET /key/claim/{claim}. Key stays null
// until the claim reached its signed terminal state.
type ClaimStatusResponse struct {
	Key    *DonationKey `json:"key"`
	Status []string     `json:"status"`
}

// PaymentCallback is the webhook body LNbits posts after a payment.
// Everything in it except the payment hash is treated as a hint and
// re-verified against the provider's own record. Comment is optional
// and may be absent or null.
type PaymentCallback struct {
	PaymentHash    PaymentHash     `json:"payment_hash"`
	PaymentRequest string          `json:"payment_request"`
	Amount         decimal.Decimal `json:"amount"`
	Comment        *string         `json:"comment"`
	PaymentLinkID  PaymentLinkID   `json:"lnurlp"`
}
