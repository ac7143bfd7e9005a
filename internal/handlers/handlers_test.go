package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Minimalistic-Apps/donation-key-server/internal/lnbits"
	"github.com/Minimalistic-Apps/donation-key-server/internal/models"
	"github.com/Minimalistic-Apps/donation-key-server/internal/storage"
)

var errMockProvider = errors.New("provider unavailable")

// mockLnBits implements lnbits.Client with overridable function fields.
type mockLnBits struct {
	CreatePayLinkFunc  func(ctx context.Context, amount decimal.Decimal, description, callbackURL string) (models.PaymentLinkID, error)
	GetPaymentLinkFunc func(ctx context.Context, id models.PaymentLinkID) (models.LnURL, error)
	GetPaymentFunc     func(ctx context.Context, hash models.PaymentHash) (lnbits.Payment, error)

	createCalls     int
	getPaymentCalls int
}

func (m *mockLnBits) CreatePayLink(ctx context.Context, amount decimal.Decimal, description, callbackURL string) (models.PaymentLinkID, error) {
	m.createCalls++
	if m.CreatePayLinkFunc != nil {
		return m.CreatePayLinkFunc(ctx, amount, description, callbackURL)
	}
	return 1, nil
}

func (m *mockLnBits) GetPaymentLink(ctx context.Context, id models.PaymentLinkID) (models.LnURL, error) {
	if m.GetPaymentLinkFunc != nil {
		return m.GetPaymentLinkFunc(ctx, id)
	}
	return models.LnURL("LNURL-LINK-1"), nil
}

func (m *mockLnBits) GetPayment(ctx context.Context, hash models.PaymentHash) (lnbits.Payment, error) {
	m.getPaymentCalls++
	if m.GetPaymentFunc != nil {
		return m.GetPaymentFunc(ctx, hash)
	}
	return lnbits.Payment{}, errMockProvider
}

// stubSigner signs without key material so tests can predict the key.
type stubSigner struct{}

func (stubSigner) Sign(message string) (models.DonationKey, error) {
	return models.DonationKey("signed:" + message), nil
}

func fixedNow() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func paidPayment(link models.PaymentLinkID, amount int64) lnbits.Payment {
	return lnbits.Payment{
		Paid: true,
		Details: lnbits.PaymentDetails{
			Amount: decimal.NewFromInt(amount),
			Extra:  lnbits.PaymentDetailsExtra{Tag: "lnurlp", Link: link},
		},
	}
}

func newTestServer(store storage.ClaimStore, client lnbits.Client) *Server {
	return New(store, client, stubSigner{}, decimal.NewFromInt(100), "https://example.com"+URLPaymentSuccessCallback)
}

func doRequest(t *testing.T, handler http.HandlerFunc, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func createClaim(t *testing.T, s *Server, claim string) models.CreateClaimResponse {
	t.Helper()
	rec := doRequest(t, s.ClaimHandler, http.MethodPost, URLClaim, `{"claim": "`+claim+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST %s status = %d, body = %s", URLClaim, rec.Code, rec.Body.String())
	}
	var resp models.CreateClaimResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode create response: %v", err)
	}
	return resp
}

func getStatus(t *testing.T, s *Server, claim string) (int, models.ClaimStatusResponse) {
	t.Helper()
	rec := doRequest(t, s.ClaimStatusHandler, http.MethodGet, URLClaimStatus+claim, "")
	var resp models.ClaimStatusResponse
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode status response: %v", err)
		}
	}
	return rec.Code, resp
}

func TestCreateClaimAndPollStatus(t *testing.T) {
	store := storage.NewMemoryClaimStore(fixedNow)
	s := newTestServer(store, &mockLnBits{})

	resp := createClaim(t, s, "A")
	if resp.LnURL != "LNURL-LINK-1" {
		t.Errorf("lnurl = %q, want %q", resp.LnURL, "LNURL-LINK-1")
	}

	code, status := getStatus(t, s, "A")
	if code != http.StatusOK {
		t.Fatalf("GET status code = %d, want 200", code)
	}
	if status.Key != nil {
		t.Errorf("key = %q, want null before payment", *status.Key)
	}
	if len(status.Status) != 1 || !strings.HasSuffix(status.Status[0], storage.CreatedStatus) {
		t.Errorf("status = %v, want single created entry", status.Status)
	}
}

func TestCreateClaimIsIdempotent(t *testing.T) {
	store := storage.NewMemoryClaimStore(fixedNow)
	client := &mockLnBits{}
	s := newTestServer(store, client)

	first := createClaim(t, s, "A")
	second := createClaim(t, s, "A")

	if first.LnURL != second.LnURL {
		t.Errorf("duplicate creation returned a different link: %q vs %q", first.LnURL, second.LnURL)
	}
	if client.createCalls != 1 {
		t.Errorf("CreatePayLink calls = %d, want 1", client.createCalls)
	}
}

// racingStore simulates losing a concurrent creation race: the claim looks
// absent, but Add reports it was created meanwhile with another link.
type racingStore struct {
	storage.ClaimStore
	winner models.PaymentLinkID
}

func (r *racingStore) GetClaim(models.DonationTokenClaim) (models.PaymentLinkID, bool, error) {
	return 0, false, nil
}

func (r *racingStore) Add(models.DonationTokenClaim, models.PaymentLinkID) error {
	return &storage.ClaimAlreadyExistsError{PaymentLinkID: r.winner}
}

func TestCreateClaimLostRaceReturnsWinningLink(t *testing.T) {
	client := &mockLnBits{
		CreatePayLinkFunc: func(context.Context, decimal.Decimal, string, string) (models.PaymentLinkID, error) {
			return 2, nil
		},
		GetPaymentLinkFunc: func(_ context.Context, id models.PaymentLinkID) (models.LnURL, error) {
			if id == 7 {
				return "LNURL-WINNER", nil
			}
			return "LNURL-LOSER", nil
		},
	}
	store := &racingStore{ClaimStore: storage.NewMemoryClaimStore(fixedNow), winner: 7}
	s := newTestServer(store, client)

	resp := createClaim(t, s, "A")
	if resp.LnURL != "LNURL-WINNER" {
		t.Errorf("lnurl = %q, want the winner's link", resp.LnURL)
	}
}

func TestCreateClaimRequestValidation(t *testing.T) {
	s := newTestServer(storage.NewMemoryClaimStore(fixedNow), &mockLnBits{})

	rec := doRequest(t, s.ClaimHandler, http.MethodPost, URLClaim, `{"claim": ""}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty claim status = %d, want 400", rec.Code)
	}
	var errResp models.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil || len(errResp.Errors) == 0 {
		t.Errorf("want errors array in response, got %s", rec.Body.String())
	}

	rec = doRequest(t, s.ClaimHandler, http.MethodPost, URLClaim, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, s.ClaimHandler, http.MethodGet, URLClaim, "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}

func TestCallbackSuccessIssuesKey(t *testing.T) {
	store := storage.NewMemoryClaimStore(fixedNow)
	client := &mockLnBits{
		GetPaymentFunc: func(_ context.Context, hash models.PaymentHash) (lnbits.Payment, error) {
			return paidPayment(1, 100), nil
		},
	}
	s := newTestServer(store, client)
	createClaim(t, s, "A")

	rec := doRequest(t, s.PaymentCallbackHandler, http.MethodPost, URLPaymentSuccessCallback,
		`{"payment_hash": "AAA", "payment_request": "lnbc100n1p3", "amount": 100, "comment": "", "lnurlp": 1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d, want 200", rec.Code)
	}

	_, status := getStatus(t, s, "A")
	if status.Key == nil || *status.Key != "signed:A" {
		t.Errorf("key = %v, want signed:A", status.Key)
	}
	last := status.Status[len(status.Status)-1]
	if !strings.HasSuffix(last, storage.SuccessStatus) {
		t.Errorf("last status = %q, want success entry", last)
	}
}

func TestCallbackReusedHashIsRejected(t *testing.T) {
	store := storage.NewMemoryClaimStore(fixedNow)
	linkByClaim := map[string]models.PaymentLinkID{"A": 1, "B": 2}
	nextLink := models.PaymentLinkID(0)
	client := &mockLnBits{
		CreatePayLinkFunc: func(_ context.Context, _ decimal.Decimal, description, _ string) (models.PaymentLinkID, error) {
			nextLink = linkByClaim[description]
			return nextLink, nil
		},
		GetPaymentFunc: func(_ context.Context, hash models.PaymentHash) (lnbits.Payment, error) {
			// The provider reports the hash as settled against whichever
			// link the callback names; both checks below pass so the
			// store's hash uniqueness is what rejects the replay.
			return paidPayment(nextLink, 100), nil
		},
	}
	s := newTestServer(store, client)

	createClaim(t, s, "A")
	nextLink = 1
	rec := doRequest(t, s.PaymentCallbackHandler, http.MethodPost, URLPaymentSuccessCallback,
		`{"payment_hash": "AAA", "payment_request": "lnbc1", "amount": 100, "lnurlp": 1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("first callback status = %d, want 200", rec.Code)
	}

	createClaim(t, s, "B")
	nextLink = 2
	rec = doRequest(t, s.PaymentCallbackHandler, http.MethodPost, URLPaymentSuccessCallback,
		`{"payment_hash": "AAA", "payment_request": "lnbc1", "amount": 100, "lnurlp": 2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("replayed callback status = %d, want 200", rec.Code)
	}

	_, statusA := getStatus(t, s, "A")
	if statusA.Key == nil || *statusA.Key != "signed:A" {
		t.Errorf("claim A key = %v, want signed:A untouched", statusA.Key)
	}

	_, statusB := getStatus(t, s, "B")
	if statusB.Key != nil {
		t.Errorf("claim B key = %q, want null for a reused hash", *statusB.Key)
	}
	last := statusB.Status[len(statusB.Status)-1]
	if !strings.HasSuffix(last, storage.PaymentHashUsedStatus) {
		t.Errorf("claim B last status = %q, want reused-hash rejection", last)
	}
}

func TestCallbackUnknownLinkIsDropped(t *testing.T) {
	store := storage.NewMemoryClaimStore(fixedNow)
	client := &mockLnBits{}
	s := newTestServer(store, client)
	createClaim(t, s, "A")

	rec := doRequest(t, s.PaymentCallbackHandler, http.MethodPost, URLPaymentSuccessCallback,
		`{"payment_hash": "AAA", "payment_request": "lnbc1", "amount": 100, "lnurlp": 999}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d, want 200", rec.Code)
	}
	if client.getPaymentCalls != 0 {
		t.Errorf("GetPayment calls = %d, want 0 for an unknown link", client.getPaymentCalls)
	}

	// No state changed anywhere.
	_, status := getStatus(t, s, "A")
	if status.Key != nil || len(status.Status) != 1 {
		t.Errorf("claim A changed: key = %v, status = %v", status.Key, status.Status)
	}
}

func TestCallbackTooLowAmountKeepsClaimOpen(t *testing.T) {
	store := storage.NewMemoryClaimStore(fixedNow)
	client := &mockLnBits{
		GetPaymentFunc: func(context.Context, models.PaymentHash) (lnbits.Payment, error) {
			return paidPayment(1, 100), nil
		},
	}
	s := newTestServer(store, client)
	createClaim(t, s, "A")

	rec := doRequest(t, s.PaymentCallbackHandler, http.MethodPost, URLPaymentSuccessCallback,
		`{"payment_hash": "AAA", "payment_request": "lnbc1", "amount": 10, "lnurlp": 1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d, want 200", rec.Code)
	}

	_, status := getStatus(t, s, "A")
	if status.Key != nil {
		t.Fatalf("key = %q, want null after rejection", *status.Key)
	}
	last := status.Status[len(status.Status)-1]
	if !strings.Contains(last, "less than") {
		t.Errorf("last status = %q, want amount rejection", last)
	}

	// A later valid callback still succeeds.
	rec = doRequest(t, s.PaymentCallbackHandler, http.MethodPost, URLPaymentSuccessCallback,
		`{"payment_hash": "AAA", "payment_request": "lnbc1", "amount": 100, "lnurlp": 1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("second callback status = %d, want 200", rec.Code)
	}

	_, status = getStatus(t, s, "A")
	if status.Key == nil || *status.Key != "signed:A" {
		t.Errorf("key = %v, want signed:A after valid callback", status.Key)
	}
}

func TestCallbackAuthoritativeRejections(t *testing.T) {
	tests := []struct {
		name       string
		payment    lnbits.Payment
		wantStatus string
	}{
		{
			name:       "payment not paid",
			payment:    lnbits.Payment{Paid: false},
			wantStatus: "payment not paid",
		},
		{
			name:       "link mismatch",
			payment:    paidPayment(2, 100),
			wantStatus: "not as expected",
		},
		{
			name:       "authoritative amount too low",
			payment:    paidPayment(1, 10),
			wantStatus: "less than",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryClaimStore(fixedNow)
			client := &mockLnBits{
				GetPaymentFunc: func(context.Context, models.PaymentHash) (lnbits.Payment, error) {
					return tt.payment, nil
				},
			}
			s := newTestServer(store, client)
			createClaim(t, s, "A")

			rec := doRequest(t, s.PaymentCallbackHandler, http.MethodPost, URLPaymentSuccessCallback,
				`{"payment_hash": "AAA", "payment_request": "lnbc1", "amount": 100, "lnurlp": 1}`)
			if rec.Code != http.StatusOK {
				t.Fatalf("callback status = %d, want 200", rec.Code)
			}

			_, status := getStatus(t, s, "A")
			if status.Key != nil {
				t.Errorf("key = %q, want null after rejection", *status.Key)
			}
			last := status.Status[len(status.Status)-1]
			if !strings.Contains(last, tt.wantStatus) {
				t.Errorf("last status = %q, want it to contain %q", last, tt.wantStatus)
			}
		})
	}
}

func TestCallbackProviderFailureReturns500(t *testing.T) {
	store := storage.NewMemoryClaimStore(fixedNow)
	client := &mockLnBits{
		GetPaymentFunc: func(context.Context, models.PaymentHash) (lnbits.Payment, error) {
			return lnbits.Payment{}, errMockProvider
		},
	}
	s := newTestServer(store, client)
	createClaim(t, s, "A")

	rec := doRequest(t, s.PaymentCallbackHandler, http.MethodPost, URLPaymentSuccessCallback,
		`{"payment_hash": "AAA", "payment_request": "lnbc1", "amount": 100, "lnurlp": 1}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("callback status = %d, want 500 so the provider retries", rec.Code)
	}

	// State unchanged, safe to retry.
	_, status := getStatus(t, s, "A")
	if status.Key != nil || len(status.Status) != 1 {
		t.Errorf("claim changed on infrastructure failure: key = %v, status = %v", status.Key, status.Status)
	}
}

func TestCallbackMalformedBodyAnswers200(t *testing.T) {
	s := newTestServer(storage.NewMemoryClaimStore(fixedNow), &mockLnBits{})

	rec := doRequest(t, s.PaymentCallbackHandler, http.MethodPost, URLPaymentSuccessCallback, `{not json`)
	if rec.Code != http.StatusOK {
		t.Errorf("malformed callback status = %d, want 200 to stop provider retries", rec.Code)
	}
}

func TestClaimStatusUnknownClaim(t *testing.T) {
	s := newTestServer(storage.NewMemoryClaimStore(fixedNow), &mockLnBits{})

	code, _ := getStatus(t, s, "missing")
	if code != http.StatusNotFound {
		t.Errorf("status code = %d, want 404", code)
	}

	rec := doRequest(t, s.ClaimStatusHandler, http.MethodGet, URLClaimStatus, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("empty claim path status code = %d, want 404", rec.Code)
	}
}
