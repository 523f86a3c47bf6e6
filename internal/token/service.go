package token

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ConsumeRequest meters one billable action for a user.
type ConsumeRequest struct {
	UserID         string
	OrganizationID string
	Action         ActionType
	Metadata       map[string]any
}

// ConsumeResult reports a successful debit.
type ConsumeResult struct {
	TransactionID string `json:"transaction_id"`
	Consumed      int64  `json:"consumed"`
	BalanceBefore int64  `json:"balance_before"`
	BalanceAfter  int64  `json:"balance_after"`
}

// RefundRequest reverses a prior debit after a downstream failure.
// DebitTransactionID, when set, must reference the original consumption entry
// and makes the refund idempotent on it: a duplicate call replays the
// recorded refund instead of crediting twice.
type RefundRequest struct {
	UserID             string
	OrganizationID     string
	Amount             int64
	Reason             string
	DebitTransactionID string
}

// RefundResult reports a compensating credit. Replayed is true when the
// refund had already been applied for the same debit transaction.
type RefundResult struct {
	TransactionID string `json:"transaction_id"`
	Refunded      int64  `json:"refunded"`
	BalanceAfter  int64  `json:"balance_after"`
	Replayed      bool   `json:"replayed,omitempty"`
}

// AllocateRequest grants tokens from the org pool to a user.
type AllocateRequest struct {
	AdminID        string
	OrganizationID string
	TargetUserID   string
	Amount         int64
	MonthlyQuota   *int64
}

type AllocateResult struct {
	TransactionID string `json:"transaction_id"`
	Allocated     int64  `json:"allocated"`
	BalanceAfter  int64  `json:"balance_after"`
	MonthlyQuota  int64  `json:"monthly_quota"`
}

// PurchaseRequest tops up the organization pool.
type PurchaseRequest struct {
	AdminID        string
	OrganizationID string
	Amount         int64
	ExpiresAt      *time.Time
}

type PurchaseResult struct {
	TransactionID   string `json:"transaction_id"`
	TotalTokens     int64  `json:"total_tokens"`
	TokensPurchased int64  `json:"tokens_purchased"`
}

// RevokeRequest claws tokens back from a user into the org pool.
type RevokeRequest struct {
	AdminID        string
	OrganizationID string
	TargetUserID   string
	Amount         int64
}

type RevokeResult struct {
	TransactionID string `json:"transaction_id"`
	Revoked       int64  `json:"revoked"`
	BalanceAfter  int64  `json:"balance_after"`
}

// ResetResult reports one allocation refilled to its monthly quota.
type ResetResult struct {
	UserID        string `json:"user_id"`
	TransactionID string `json:"transaction_id"`
	BalanceBefore int64  `json:"balance_before"`
	BalanceAfter  int64  `json:"balance_after"`
}

// ExpireResult reports a forfeited unallocated pool. Expired is zero when the
// wallet had not passed its expiry.
type ExpireResult struct {
	TransactionID string `json:"transaction_id,omitempty"`
	Expired       int64  `json:"expired"`
}

// UpsertActionCostRequest creates or updates a per-organization cost override.
type UpsertActionCostRequest struct {
	AdminID        string
	OrganizationID string
	Action         ActionType
	TokenCost      int64
	Enabled        bool
	AdminOnly      bool
}

// TransactionFilter narrows a ledger listing. Before is an exclusive id
// cursor; transaction ids are ULIDs, so id order is creation order.
type TransactionFilter struct {
	UserID string
	Type   TransactionType
	Limit  int
	Before string
}

// Service is the transport-agnostic metering and ledger contract consumed by
// the HTTP layer, admin tooling and feature handlers.
type Service interface {
	CreateOrganization(ctx context.Context, name string) (Organization, error)
	AddMember(ctx context.Context, orgID, userID string, role Role) (Member, error)

	ResolveCost(ctx context.Context, orgID string, action ActionType) (ActionCost, error)
	UpsertActionCost(ctx context.Context, req UpsertActionCostRequest) (ActionCost, error)

	Consume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	Allocate(ctx context.Context, req AllocateRequest) (AllocateResult, error)
	Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error)
	Revoke(ctx context.Context, req RevokeRequest) (RevokeResult, error)
	ResetMonthly(ctx context.Context, orgID string, asOf time.Time) ([]ResetResult, error)
	ExpireWallet(ctx context.Context, orgID string, asOf time.Time) (ExpireResult, error)

	GetWallet(ctx context.Context, orgID string) (Wallet, error)
	GetAllocation(ctx context.Context, orgID, userID string) (Allocation, error)
	ListTransactions(ctx context.Context, orgID string, f TransactionFilter) ([]Transaction, error)
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func NormalizeLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return defaultListLimit
	}
	return limit
}

func requireID(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidInput, name)
	}
	return value, nil
}

func requirePositive(name string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %s must be > 0", ErrInvalidInput, name)
	}
	return nil
}

func (r *ConsumeRequest) Validate() error {
	var err error
	if r.UserID, err = requireID("user_id", r.UserID); err != nil {
		return err
	}
	if r.OrganizationID, err = requireID("organization_id", r.OrganizationID); err != nil {
		return err
	}
	if strings.TrimSpace(string(r.Action)) == "" {
		return fmt.Errorf("%w: action_type is required", ErrInvalidInput)
	}
	return nil
}

func (r *RefundRequest) Validate() error {
	var err error
	if r.UserID, err = requireID("user_id", r.UserID); err != nil {
		return err
	}
	if r.OrganizationID, err = requireID("organization_id", r.OrganizationID); err != nil {
		return err
	}
	if err := requirePositive("amount", r.Amount); err != nil {
		return err
	}
	r.DebitTransactionID = strings.TrimSpace(r.DebitTransactionID)
	return nil
}

func (r *AllocateRequest) Validate() error {
	var err error
	if r.AdminID, err = requireID("admin_id", r.AdminID); err != nil {
		return err
	}
	if r.OrganizationID, err = requireID("organization_id", r.OrganizationID); err != nil {
		return err
	}
	if r.TargetUserID, err = requireID("target_user_id", r.TargetUserID); err != nil {
		return err
	}
	if err := requirePositive("amount", r.Amount); err != nil {
		return err
	}
	if r.MonthlyQuota != nil && *r.MonthlyQuota < 0 {
		return fmt.Errorf("%w: monthly_quota must be >= 0", ErrInvalidInput)
	}
	return nil
}

func (r *PurchaseRequest) Validate() error {
	var err error
	if r.AdminID, err = requireID("admin_id", r.AdminID); err != nil {
		return err
	}
	if r.OrganizationID, err = requireID("organization_id", r.OrganizationID); err != nil {
		return err
	}
	return requirePositive("amount", r.Amount)
}

func (r *RevokeRequest) Validate() error {
	var err error
	if r.AdminID, err = requireID("admin_id", r.AdminID); err != nil {
		return err
	}
	if r.OrganizationID, err = requireID("organization_id", r.OrganizationID); err != nil {
		return err
	}
	if r.TargetUserID, err = requireID("target_user_id", r.TargetUserID); err != nil {
		return err
	}
	return requirePositive("amount", r.Amount)
}

func (r *UpsertActionCostRequest) Validate() error {
	var err error
	if r.AdminID, err = requireID("admin_id", r.AdminID); err != nil {
		return err
	}
	if r.OrganizationID, err = requireID("organization_id", r.OrganizationID); err != nil {
		return err
	}
	if strings.TrimSpace(string(r.Action)) == "" {
		return fmt.Errorf("%w: action_type is required", ErrInvalidInput)
	}
	if r.TokenCost < 0 {
		return fmt.Errorf("%w: token_cost must be >= 0", ErrInvalidInput)
	}
	return nil
}

// lastResetBoundary is the most recent monthly reset instant at or before
// asOf for the given day-of-month. Days beyond the month's length clamp to
// its last day, so a day-31 quota resets on Feb 28/29.
func lastResetBoundary(asOf time.Time, day int) time.Time {
	if day < 1 {
		day = 1
	}
	asOf = asOf.UTC()
	year, month := asOf.Year(), asOf.Month()
	boundary := monthBoundary(year, month, day)
	if boundary.After(asOf) {
		year, month = prevMonth(year, month)
		boundary = monthBoundary(year, month, day)
	}
	return boundary
}

func monthBoundary(year int, month time.Month, day int) time.Time {
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func prevMonth(year int, month time.Month) (int, time.Month) {
	if month == time.January {
		return year - 1, time.December
	}
	return year, month - 1
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ResetDue reports whether an allocation should be refilled at asOf: it has
// never been reset, or its last reset predates the most recent boundary.
func ResetDue(a Allocation, asOf time.Time) bool {
	boundary := lastResetBoundary(asOf, a.QuotaResetDay)
	if a.LastResetAt == nil {
		return a.CreatedAt.Before(boundary)
	}
	return a.LastResetAt.Before(boundary)
}
