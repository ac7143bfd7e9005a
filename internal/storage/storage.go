package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/Minimalistic-Apps/donation-key-server/internal/logger"
	"github.com/Minimalistic-Apps/donation-key-server/internal/models"
)

// Status messages appended to a claim's audit trail.
const (
	CreatedStatus         = "Claim created, waiting for payment..."
	SuccessStatus         = "Successfully claimed."
	PaymentHashUsedStatus = "Payment hash is already used."
)

var (
	// ErrClaimNotFound is returned when an operation references a claim
	// that was never created.
	ErrClaimNotFound = errors.New("claim not found")

	// ErrPaymentHashUsed is returned by SaveSuccess when the payment hash
	// is already bound to a claim. This is the replay-protection gate.
	ErrPaymentHashUsed = errors.New("payment hash already used")
)

// ClaimAlreadyExistsError is returned by Add when the claim was created
// before. It carries the existing pay-link binding so the caller can hand
// back the original link instead of creating a second one.
type ClaimAlreadyExistsError struct {
	PaymentLinkID models.PaymentLinkID
}

func (e *ClaimAlreadyExistsError) Error() string {
	return fmt.Sprintf("claim already exists with payment link %d", e.PaymentLinkID)
}

// ClaimStore is the durable record of claims, their pay-link binding,
// their append-only status history and their terminal donation key.
//
// Add and SaveSuccess are the two atomic-and-exclusive operations: Add
// fails with *ClaimAlreadyExistsError for a duplicate claim, SaveSuccess
// fails with ErrPaymentHashUsed for a reused payment hash. Callers rely on
// these failures for correctness instead of taking locks around the store.
type ClaimStore interface {
	Add(claim models.DonationTokenClaim, id models.PaymentLinkID) error
	GetClaim(claim models.DonationTokenClaim) (models.PaymentLinkID, bool, error)
	GetClaimByPaymentLinkID(id models.PaymentLinkID) (models.DonationTokenClaim, bool, error)
	AppendStatus(claim models.DonationTokenClaim, message string) error
	SaveSuccess(claim models.DonationTokenClaim, hash models.PaymentHash, key models.DonationKey) error
	GetStatus(claim models.DonationTokenClaim) (*models.DonationKey, []string, error)
	IsPaymentHashUsed(hash models.PaymentHash) (bool, error)
}

// statusTimeFormat matches the bracketed ISO timestamps in the status log.
const statusTimeFormat = "2006-01-02T15:04:05"

// SQLClaimStore backs ClaimStore with a claims table plus an append-only
// statuses table. It speaks both Postgres (lib/pq) and SQLite
// (mattn/go-sqlite3); queries are written with ? placeholders and rebound
// for Postgres.
type SQLClaimStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// NewSQLClaimStore opens the database, configures the connection pool and
// creates the schema if it does not exist yet.
func NewSQLClaimStore(driver, dsn string, now func() time.Time) (*SQLClaimStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLClaimStore{db: db, driver: driver, now: now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("database connection established", map[string]interface{}{
		"driver":         driver,
		"max_open_conns": 25,
		"max_idle_conns": 25,
	})
	return s, nil
}

// migrate creates the claims and statuses tables. The statuses id column is
// the only dialect-specific part: it provides the total append order per
// claim.
func (s *SQLClaimStore) migrate() error {
	statusID := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "postgres" {
		statusID = "id BIGSERIAL PRIMARY KEY"
	}

	schema := `
		CREATE TABLE IF NOT EXISTS claims (
			claim TEXT NOT NULL PRIMARY KEY,
			payment_link_id BIGINT NOT NULL,
			payment_hash TEXT NULL UNIQUE,
			donation_key TEXT NULL
		);

		CREATE INDEX IF NOT EXISTS claims_payment_link_id ON claims (payment_link_id);
		CREATE INDEX IF NOT EXISTS claims_payment_hash ON claims (payment_hash);

		CREATE TABLE IF NOT EXISTS statuses (
			` + statusID + `,
			claim TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS statuses_claim ON statuses (claim);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLClaimStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $N for the Postgres driver.
func (s *SQLClaimStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation reports whether err is a unique-constraint failure from
// either supported driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// Add inserts a new claim with its pay-link binding and the initial status.
// The claims primary key makes concurrent duplicate creations lose cleanly:
// the loser gets *ClaimAlreadyExistsError carrying the winner's link id.
func (s *SQLClaimStore) Add(claim models.DonationTokenClaim, id models.PaymentLinkID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(s.rebind("INSERT INTO claims (claim, payment_link_id) VALUES (?, ?)"), string(claim), int64(id))
	if err != nil {
		if isUniqueViolation(err) {
			tx.Rollback()
			existing, ok, lookupErr := s.GetClaim(claim)
			if lookupErr != nil {
				return lookupErr
			}
			if ok {
				return &ClaimAlreadyExistsError{PaymentLinkID: existing}
			}
		}
		return fmt.Errorf("failed to insert claim: %w", err)
	}

	if err := s.appendStatusTx(tx, claim, CreatedStatus); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetClaim returns the pay-link binding of a claim, if it exists.
func (s *SQLClaimStore) GetClaim(claim models.DonationTokenClaim) (models.PaymentLinkID, bool, error) {
	var id int64
	err := s.db.QueryRow(s.rebind("SELECT payment_link_id FROM claims WHERE claim = ?"), string(claim)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query claim: %w", err)
	}
	return models.PaymentLinkID(id), true, nil
}

// GetClaimByPaymentLinkID is the reverse lookup used when a callback
// arrives keyed by the provider-side link id.
func (s *SQLClaimStore) GetClaimByPaymentLinkID(id models.PaymentLinkID) (models.DonationTokenClaim, bool, error) {
	var claim string
	err := s.db.QueryRow(s.rebind("SELECT claim FROM claims WHERE payment_link_id = ?"), int64(id)).Scan(&claim)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query claim by payment link id: %w", err)
	}
	return models.DonationTokenClaim(claim), true, nil
}

func (s *SQLClaimStore) appendStatusTx(tx *sql.Tx, claim models.DonationTokenClaim, message string) error {
	_, err := tx.Exec(
		s.rebind("INSERT INTO statuses (claim, created_at, status) VALUES (?, ?, ?)"),
		string(claim), s.now(), message)
	if err != nil {
		return fmt.Errorf("failed to insert status: %w", err)
	}
	return nil
}

// AppendStatus appends a timestamped entry to the claim's audit trail.
func (s *SQLClaimStore) AppendStatus(claim models.DonationTokenClaim, message string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.appendStatusTx(tx, claim, message); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveSuccess atomically binds the payment hash, records the donation key
// and appends the success status. It is the single authority on hash
// uniqueness: the conditional update plus the UNIQUE constraint on
// payment_hash close the check-then-act race, so no pre-check is required
// for correctness.
func (s *SQLClaimStore) SaveSuccess(claim models.DonationTokenClaim, hash models.PaymentHash, key models.DonationKey) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		s.rebind("UPDATE claims SET payment_hash = ?, donation_key = ? WHERE claim = ? AND payment_hash IS NULL"),
		string(hash), string(key), string(claim))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPaymentHashUsed
		}
		return fmt.Errorf("failed to save success: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		// Either the claim does not exist, or it already carries a hash.
		_, ok, lookupErr := s.GetClaim(claim)
		if lookupErr != nil {
			return lookupErr
		}
		if !ok {
			return ErrClaimNotFound
		}
		return ErrPaymentHashUsed
	}

	if err := s.appendStatusTx(tx, claim, SuccessStatus); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetStatus returns the donation key (nil until success) and the status
// history in append order, rendered as "[timestamp] message" lines.
func (s *SQLClaimStore) GetStatus(claim models.DonationTokenClaim) (*models.DonationKey, []string, error) {
	var donationKey sql.NullString
	err := s.db.QueryRow(s.rebind("SELECT donation_key FROM claims WHERE claim = ?"), string(claim)).Scan(&donationKey)
	if err == sql.ErrNoRows {
		return nil, nil, ErrClaimNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query claim: %w", err)
	}

	rows, err := s.db.Query(
		s.rebind("SELECT created_at, status FROM statuses WHERE claim = ? ORDER BY id"), string(claim))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query statuses: %w", err)
	}
	defer rows.Close()

	var statuses []string
	for rows.Next() {
		var createdAt time.Time
		var status string
		if err := rows.Scan(&createdAt, &status); err != nil {
			return nil, nil, fmt.Errorf("failed to scan status row: %w", err)
		}
		statuses = append(statuses, fmt.Sprintf("[%s] %s", createdAt.Format(statusTimeFormat), status))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate statuses: %w", err)
	}

	var key *models.DonationKey
	if donationKey.Valid {
		k := models.DonationKey(donationKey.String)
		key = &k
	}
	return key, statuses, nil
}

// IsPaymentHashUsed reports whether any claim already bound this hash.
// Advisory only; SaveSuccess re-checks atomically.
func (s *SQLClaimStore) IsPaymentHashUsed(hash models.PaymentHash) (bool, error) {
	var claim string
	err := s.db.QueryRow(s.rebind("SELECT claim FROM claims WHERE payment_hash = ?"), string(hash)).Scan(&claim)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query payment hash: %w", err)
	}
	return true, nil
}
