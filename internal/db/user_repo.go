package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"fincoach/internal/types"
)

// BillingInfo is the slice of a user record the billing gateway needs.
type BillingInfo struct {
	UserID           string
	Email            string
	Name             string
	StripeCustomerID string
}

// UserRepo exposes the user fields this service touches. User accounts
// themselves are owned by the identity service; this repo only reads
// billing-relevant columns and writes back the Stripe customer link.
type UserRepo struct {
	db DBTX
}

func NewUserRepo(db DBTX) *UserRepo {
	return &UserRepo{db: db}
}

// GetBillingInfo loads the billing-relevant fields for a user.
func (r *UserRepo) GetBillingInfo(ctx context.Context, userID string) (*BillingInfo, error) {
	info := BillingInfo{UserID: userID}
	var customerID *string
	err := r.db.QueryRow(ctx,
		`SELECT email, name, stripe_customer_id FROM users WHERE id = $1`,
		userID).Scan(&info.Email, &info.Name, &customerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get user billing info", err)
	}
	if customerID != nil {
		info.StripeCustomerID = *customerID
	}
	return &info, nil
}

// SetStripeCustomerID stores the Stripe customer link created on first
// checkout. The WHERE guard keeps a concurrent first-checkout from
// overwriting an already-established link.
func (r *UserRepo) SetStripeCustomerID(ctx context.Context, userID, customerID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE users
		 SET stripe_customer_id = $1, updated_at = NOW()
		 WHERE id = $2 AND stripe_customer_id IS NULL`,
		customerID, userID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set stripe customer id", err)
	}
	return nil
}

// GetIDByStripeCustomerID resolves a Stripe customer back to a local
// user. Returns "" when the customer is unknown, which the webhook
// handler treats as an event for a user this deployment never created.
func (r *UserRepo) GetIDByStripeCustomerID(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := r.db.QueryRow(ctx,
		`SELECT id FROM users WHERE stripe_customer_id = $1`,
		customerID).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to resolve stripe customer", err)
	}
	return userID, nil
}
