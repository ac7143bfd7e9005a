package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/Minimalistic-Apps/donation-key-server/internal/models"
)

type statusEntry struct {
	at      time.Time
	message string
}

// MemoryClaimStore is a mutex-guarded in-memory ClaimStore. It keeps the
// same failure semantics as the SQL store and is mainly used in tests.
type MemoryClaimStore struct {
	mu     sync.Mutex
	now    func() time.Time
	links  map[models.DonationTokenClaim]models.PaymentLinkID
	byLink map[models.PaymentLinkID]models.DonationTokenClaim
	status map[models.DonationTokenClaim][]statusEntry
	hashes map[models.PaymentHash]models.DonationTokenClaim
	keys   map[models.DonationTokenClaim]models.DonationKey
}

func NewMemoryClaimStore(now func() time.Time) *MemoryClaimStore {
	return &MemoryClaimStore{
		now:    now,
		links:  make(map[models.DonationTokenClaim]models.PaymentLinkID),
		byLink: make(map[models.PaymentLinkID]models.DonationTokenClaim),
		status: make(map[models.DonationTokenClaim][]statusEntry),
		hashes: make(map[models.PaymentHash]models.DonationTokenClaim),
		keys:   make(map[models.DonationTokenClaim]models.DonationKey),
	}
}

func (s *MemoryClaimStore) Add(claim models.DonationTokenClaim, id models.PaymentLinkID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.links[claim]; ok {
		return &ClaimAlreadyExistsError{PaymentLinkID: existing}
	}

	s.links[claim] = id
	s.byLink[id] = claim
	s.status[claim] = append(s.status[claim], statusEntry{at: s.now(), message: CreatedStatus})
	return nil
}

func (s *MemoryClaimStore) GetClaim(claim models.DonationTokenClaim) (models.PaymentLinkID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.links[claim]
	return id, ok, nil
}

func (s *MemoryClaimStore) GetClaimByPaymentLinkID(id models.PaymentLinkID) (models.DonationTokenClaim, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claim, ok := s.byLink[id]
	return claim, ok, nil
}

func (s *MemoryClaimStore) AppendStatus(claim models.DonationTokenClaim, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status[claim] = append(s.status[claim], statusEntry{at: s.now(), message: message})
	return nil
}

func (s *MemoryClaimStore) SaveSuccess(claim models.DonationTokenClaim, hash models.PaymentHash, key models.DonationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.links[claim]; !ok {
		return ErrClaimNotFound
	}
	if _, used := s.hashes[hash]; used {
		return ErrPaymentHashUsed
	}
	// A claim that already succeeded may not bind a second hash either.
	if _, done := s.keys[claim]; done {
		return ErrPaymentHashUsed
	}

	s.hashes[hash] = claim
	s.keys[claim] = key
	s.status[claim] = append(s.status[claim], statusEntry{at: s.now(), message: SuccessStatus})
	return nil
}

func (s *MemoryClaimStore) GetStatus(claim models.DonationTokenClaim) (*models.DonationKey, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.links[claim]; !ok {
		return nil, nil, ErrClaimNotFound
	}

	var statuses []string
	for _, entry := range s.status[claim] {
		statuses = append(statuses, fmt.Sprintf("[%s] %s", entry.at.Format(statusTimeFormat), entry.message))
	}

	var key *models.DonationKey
	if k, ok := s.keys[claim]; ok {
		key = &k
	}
	return key, statuses, nil
}

func (s *MemoryClaimStore) IsPaymentHashUsed(hash models.PaymentHash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, used := s.hashes[hash]
	return used, nil
}
