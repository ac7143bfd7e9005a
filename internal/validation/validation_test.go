package validation

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Minimalistic-Apps/donation-key-server/internal/lnbits"
	"github.com/Minimalistic-Apps/donation-key-server/internal/models"
)

func TestValidateCallback(t *testing.T) {
	expected := decimal.NewFromInt(100)

	tests := []struct {
		name   string
		amount int64
		want   string
	}{
		{
			name:   "amount equal to expected passes",
			amount: 100,
			want:   "",
		},
		{
			name:   "amount above expected passes",
			amount: 150,
			want:   "",
		},
		{
			name:   "amount below expected is rejected",
			amount: 99,
			want:   "Amount sent 99 is less than 100, please contact support for refund",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			callback := models.PaymentCallback{
				PaymentHash:   "AAA",
				Amount:        decimal.NewFromInt(tt.amount),
				PaymentLinkID: 1,
			}
			if got := ValidateCallback(callback, expected); got != tt.want {
				t.Errorf("ValidateCallback() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidatePayment(t *testing.T) {
	expected := decimal.NewFromInt(100)

	makePayment := func(paid bool, link models.PaymentLinkID, amount int64) lnbits.Payment {
		return lnbits.Payment{
			Paid: paid,
			Details: lnbits.PaymentDetails{
				Amount:      decimal.NewFromInt(amount),
				PaymentHash: "AAA",
				Extra:       lnbits.PaymentDetailsExtra{Tag: "lnurlp", Link: link},
			},
		}
	}

	tests := []struct {
		name    string
		payment lnbits.Payment
		want    string
	}{
		{
			name:    "paid payment on the right link passes",
			payment: makePayment(true, 1, 100),
			want:    "",
		},
		{
			name:    "unpaid payment is rejected",
			payment: makePayment(false, 1, 100),
			want:    "Callback received, but payment not paid.",
		},
		{
			name:    "payment bound to another link is rejected",
			payment: makePayment(true, 2, 100),
			want:    "PaymentLinkId (2) is not as expected (1)",
		},
		{
			name:    "authoritative amount below expected is rejected",
			payment: makePayment(true, 1, 10),
			want:    "Amount sent 10 is less than 100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidatePayment(tt.payment, 1, expected); got != tt.want {
				t.Errorf("ValidatePayment() = %q, want %q", got, tt.want)
			}
		})
	}
}
