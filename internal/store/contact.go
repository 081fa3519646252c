package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mkrv/dispatchly/internal/models"
)

type ContactRepository struct {
	db *sql.DB
}

func NewContactRepository(db *sql.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

func (r *ContactRepository) Create(c *models.Contact) error {
	c.ID = uuid.New().String()
	c.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(`
		INSERT INTO contacts (id, owner_id, email, phone, first_name, last_name, company, email_opted_out, sms_opted_out, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Email, c.Phone, c.FirstName, c.LastName, c.Company,
		c.EmailOptedOut, c.SMSOptedOut, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

func (r *ContactRepository) GetByID(id string) (*models.Contact, error) {
	c := &models.Contact{}
	var email, phone, firstName, lastName, company sql.NullString

	err := r.db.QueryRow(`
		SELECT id, owner_id, email, phone, first_name, last_name, company, email_opted_out, sms_opted_out, created_at
		FROM contacts WHERE id = ?`, id,
	).Scan(&c.ID, &c.OwnerID, &email, &phone, &firstName, &lastName, &company,
		&c.EmailOptedOut, &c.SMSOptedOut, &c.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.Email = email.String
	c.Phone = phone.String
	c.FirstName = firstName.String
	c.LastName = lastName.String
	c.Company = company.String
	return c, nil
}

// SetOptOut sets or clears a consent flag. Only the consent gate calls
// this; campaign dispatch reads the flags but never writes them.
func (r *ContactRepository) SetOptOut(contactID string, channel models.Channel, optedOut bool) error {
	var column string
	switch channel {
	case models.ChannelEmail:
		column = "email_opted_out"
	case models.ChannelSMS:
		column = "sms_opted_out"
	default:
		return fmt.Errorf("no consent flag for channel %q", channel)
	}

	_, err := r.db.Exec(
		"UPDATE contacts SET "+column+" = ? WHERE id = ?", optedOut, contactID,
	)
	if err != nil {
		return fmt.Errorf("failed to update consent flag: %w", err)
	}
	return nil
}

// CreditRepository manages per-owner SMS credit balances. All mutation is
// done with atomic conditional updates, never read-then-write.
type CreditRepository struct {
	db *sql.DB
}

func NewCreditRepository(db *sql.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

// Add tops up an owner balance, creating the row when absent.
func (r *CreditRepository) Add(ownerID string, amount int) error {
	_, err := r.db.Exec(`
		INSERT INTO credit_balances (owner_id, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at`,
		ownerID, amount, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to add credits: %w", err)
	}
	return nil
}

// Reserve decrements one credit if the balance allows it. This is the
// pessimistic per-send reservation: concurrent campaigns for the same
// owner contend on the row, and the store's conditional update decides
// who gets the credit.
func (r *CreditRepository) Reserve(ownerID string) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE credit_balances SET balance = balance - 1, updated_at = ?
		WHERE owner_id = ? AND balance >= 1`,
		time.Now().UTC(), ownerID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reserve credit: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Refund returns a credit reserved for a send that failed.
func (r *CreditRepository) Refund(ownerID string) error {
	_, err := r.db.Exec(`
		UPDATE credit_balances SET balance = balance + 1, updated_at = ? WHERE owner_id = ?`,
		time.Now().UTC(), ownerID,
	)
	if err != nil {
		return fmt.Errorf("failed to refund credit: %w", err)
	}
	return nil
}

// Balance returns the current balance for an owner.
func (r *CreditRepository) Balance(ownerID string) (int, error) {
	var n int
	err := r.db.QueryRow(
		"SELECT balance FROM credit_balances WHERE owner_id = ?", ownerID,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}
