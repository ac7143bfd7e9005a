package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Minimalistic-Apps/donation-key-server/internal/lnbits"
	"github.com/Minimalistic-Apps/donation-key-server/internal/logger"
	"github.com/Minimalistic-Apps/donation-key-server/internal/metrics"
	"github.com/Minimalistic-Apps/donation-key-server/internal/models"
	"github.com/Minimalistic-Apps/donation-key-server/internal/sign"
	"github.com/Minimalistic-Apps/donation-key-server/internal/storage"
)

// Route paths served by this package.
const (
	URLClaim                  = "/key/claim"
	URLClaimStatus            = "/key/claim/"
	URLPaymentSuccessCallback = "/key/payment-success-callback"
)

// Server holds the claim lifecycle dependencies and serves the three
// donation-key routes.
type Server struct {
	store          storage.ClaimStore
	lnBits         lnbits.Client
	signer         sign.Signer
	expectedAmount decimal.Decimal
	callbackURL    string
}

// New wires the handlers. callbackURL is the absolute webhook URL handed to
// the provider when pay links are created; it encodes no secret beyond
// routing.
func New(store storage.ClaimStore, lnBits lnbits.Client, signer sign.Signer, expectedAmount decimal.Decimal, callbackURL string) *Server {
	return &Server{
		store:          store,
		lnBits:         lnBits,
		signer:         signer,
		expectedAmount: expectedAmount,
		callbackURL:    callbackURL,
	}
}

// ClaimHandler serves POST /key/claim.
func (s *Server) ClaimHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 10*1024)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("failed to read claim request body", map[string]interface{}{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var req models.CreateClaimRequest
	if err := json.Unmarshal(body, &req); err != nil {
		logger.Error("failed to unmarshal claim request", map[string]interface{}{
			"error": err.Error(),
		})
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Errors: []string{"invalid JSON body"}})
		return
	}

	if req.Claim == "" {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Errors: []string{"'claim' is missing in the body"}})
		return
	}

	lnurl, err := s.handleCreateClaim(r.Context(), models.DonationTokenClaim(req.Claim))
	if err != nil {
		logger.Error("failed to create claim", map[string]interface{}{
			"error": err.Error(),
			"claim": req.Claim,
		})
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, models.CreateClaimResponse{LnURL: lnurl})
}

// PaymentCallbackHandler serves POST /key/payment-success-callback.
// Business-logic rejections still answer 200 so the provider does not
// retry a permanently invalid callback; only store/provider infrastructure
// failures surface as 500, which the provider answers by re-delivering.
func (s *Server) PaymentCallbackHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	metrics.CallbacksReceivedTotal.Inc()

	r.Body = http.MaxBytesReader(w, r.Body, 10*1024)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("failed to read callback body", map[string]interface{}{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusOK)
		return
	}

	var callback models.PaymentCallback
	if err := json.Unmarshal(body, &callback); err != nil {
		// A malformed body will never become valid; do not make the
		// provider retry it.
		logger.Error("failed to unmarshal callback", map[string]interface{}{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.handlePaymentCallback(r.Context(), callback); err != nil {
		logger.Error("failed to process callback", map[string]interface{}{
			"error":           err.Error(),
			"payment_link_id": callback.PaymentLinkID,
		})
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ClaimStatusHandler serves GET /key/claim/{claim}.
func (s *Server) ClaimStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claim := strings.TrimPrefix(r.URL.Path, URLClaimStatus)
	if claim == "" || strings.Contains(claim, "/") {
		http.NotFound(w, r)
		return
	}

	key, statuses, err := s.store.GetStatus(models.DonationTokenClaim(claim))
	if err != nil {
		if errors.Is(err, storage.ErrClaimNotFound) {
			http.NotFound(w, r)
			return
		}
		logger.Error("failed to get claim status", map[string]interface{}{
			"error": err.Error(),
			"claim": claim,
		})
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, models.ClaimStatusResponse{Key: key, Status: statuses})
}

// HealthHandler returns service health status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
