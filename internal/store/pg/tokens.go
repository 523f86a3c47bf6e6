package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tally.org/internal/ids"
	"tally.org/internal/token"
)

func (s *Store) CreateOrganization(ctx context.Context, name string) (token.Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return token.Organization{}, fmt.Errorf("%w: name is required", token.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return token.Organization{}, err
	}
	defer func() { _ = tx.Rollback() }()

	org := token.Organization{ID: ids.New(), Name: name}
	if err := tx.QueryRowContext(ctx, `
		insert into organizations (id, name)
		values ($1, $2)
		returning created_at
	`, org.ID, org.Name).Scan(&org.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return token.Organization{}, token.ErrConflict
		}
		return token.Organization{}, err
	}

	// Wallet is 1:1 with the organization and exists from day one.
	if _, err := tx.ExecContext(ctx, `
		insert into organization_wallets (organization_id)
		values ($1)
	`, org.ID); err != nil {
		return token.Organization{}, err
	}

	if err := tx.Commit(); err != nil {
		return token.Organization{}, err
	}
	return org, nil
}

func (s *Store) AddMember(ctx context.Context, orgID, userID string, role token.Role) (token.Member, error) {
	orgID = strings.TrimSpace(orgID)
	userID = strings.TrimSpace(userID)
	if orgID == "" || userID == "" {
		return token.Member{}, fmt.Errorf("%w: organization_id and user_id are required", token.ErrInvalidInput)
	}
	if role == "" {
		role = token.RoleMember
	}
	if !role.Valid() {
		return token.Member{}, fmt.Errorf("%w: unsupported role %s", token.ErrInvalidInput, role)
	}

	m := token.Member{UserID: userID, OrganizationID: orgID, Role: role}
	err := s.db.QueryRowContext(ctx, `
		insert into org_members (user_id, organization_id, role)
		values ($1, $2, $3)
		on conflict (user_id, organization_id) do update set role = excluded.role
		returning created_at
	`, userID, orgID, string(role)).Scan(&m.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return token.Member{}, token.ErrNotFound
		}
		return token.Member{}, err
	}
	return m, nil
}

// roleOf returns the caller's role inside the organization, or ErrNotMember.
func roleOf(ctx context.Context, q querier, orgID, userID string) (token.Role, error) {
	var role string
	err := q.QueryRowContext(ctx, `
		select role from org_members
		where user_id = $1 and organization_id = $2
	`, userID, orgID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", token.ErrNotMember
	}
	if err != nil {
		return "", err
	}
	return token.Role(role), nil
}

func requireAdmin(ctx context.Context, q querier, orgID, userID string) error {
	role, err := roleOf(ctx, q, orgID, userID)
	if err != nil {
		return err
	}
	if !role.CanAdminister() {
		return token.ErrPermissionDenied
	}
	return nil
}

// resolveCostQuery picks the org override over the global default in a single
// priority-ordered lookup instead of two sequential queries.
const resolveCostQuery = `
	select coalesce(organization_id, ''), token_cost, is_enabled, admin_only
	from token_action_costs
	where action_type = $2 and (organization_id = $1 or organization_id is null)
	order by organization_id nulls last
	limit 1
`

func resolveCost(ctx context.Context, q querier, orgID string, action token.ActionType) (token.ActionCost, error) {
	cost := token.ActionCost{ActionType: action}
	err := q.QueryRowContext(ctx, resolveCostQuery, orgID, string(action)).
		Scan(&cost.OrganizationID, &cost.TokenCost, &cost.Enabled, &cost.AdminOnly)
	if errors.Is(err, sql.ErrNoRows) {
		return token.ActionCost{}, token.ErrUnknownAction
	}
	if err != nil {
		return token.ActionCost{}, err
	}
	return cost, nil
}

func (s *Store) ResolveCost(ctx context.Context, orgID string, action token.ActionType) (token.ActionCost, error) {
	return resolveCost(ctx, s.db, orgID, action)
}

func (s *Store) UpsertActionCost(ctx context.Context, req token.UpsertActionCostRequest) (token.ActionCost, error) {
	if err := req.Validate(); err != nil {
		return token.ActionCost{}, err
	}
	if err := requireAdmin(ctx, s.db, req.OrganizationID, req.AdminID); err != nil {
		return token.ActionCost{}, err
	}

	row := token.ActionCost{
		OrganizationID: req.OrganizationID,
		ActionType:     req.Action,
		TokenCost:      req.TokenCost,
		Enabled:        req.Enabled,
		AdminOnly:      req.AdminOnly,
	}
	_, err := s.db.ExecContext(ctx, `
		insert into token_action_costs (organization_id, action_type, token_cost, is_enabled, admin_only)
		values ($1, $2, $3, $4, $5)
		on conflict (organization_id, action_type) do update set
			token_cost = excluded.token_cost,
			is_enabled = excluded.is_enabled,
			admin_only = excluded.admin_only
	`, req.OrganizationID, string(req.Action), req.TokenCost, req.Enabled, req.AdminOnly)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return token.ActionCost{}, token.ErrNotFound
		}
		return token.ActionCost{}, err
	}
	return row, nil
}

func (s *Store) Consume(ctx context.Context, req token.ConsumeRequest) (token.ConsumeResult, error) {
	if err := req.Validate(); err != nil {
		return token.ConsumeResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return token.ConsumeResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	role, err := roleOf(ctx, tx, req.OrganizationID, req.UserID)
	if err != nil {
		return token.ConsumeResult{}, err
	}
	cost, err := resolveCost(ctx, tx, req.OrganizationID, req.Action)
	if err != nil {
		return token.ConsumeResult{}, err
	}
	if !cost.Enabled {
		return token.ConsumeResult{}, token.ErrActionDisabled
	}
	if cost.AdminOnly && !role.CanAdminister() {
		return token.ConsumeResult{}, token.ErrPermissionDenied
	}

	// The debit is a single guarded update: two racing consumers cannot both
	// pass the balance check, and a lost race surfaces as zero rows here
	// rather than a negative balance.
	var after int64
	err = tx.QueryRowContext(ctx, `
		update user_token_allocations
		set current_balance = current_balance - $3, updated_at = now()
		where user_id = $1 and organization_id = $2 and current_balance >= $3
		returning current_balance
	`, req.UserID, req.OrganizationID, cost.TokenCost).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
		return token.ConsumeResult{}, s.classifyDebitFailure(ctx, tx, req.OrganizationID, req.UserID, cost.TokenCost)
	}
	if err != nil {
		return token.ConsumeResult{}, err
	}
	before := after + cost.TokenCost

	if _, err := tx.ExecContext(ctx, `
		update organization_wallets
		set tokens_consumed = tokens_consumed + $2, updated_at = now()
		where organization_id = $1
	`, req.OrganizationID, cost.TokenCost); err != nil {
		return token.ConsumeResult{}, err
	}

	entry := token.Transaction{
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Type:           token.TxConsumption,
		Amount:         cost.TokenCost,
		BalanceBefore:  before,
		BalanceAfter:   after,
		ActionType:     req.Action,
		Metadata:       req.Metadata,
	}
	txID, err := insertTransaction(ctx, tx, entry)
	if err != nil {
		return token.ConsumeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return token.ConsumeResult{}, err
	}
	return token.ConsumeResult{
		TransactionID: txID,
		Consumed:      cost.TokenCost,
		BalanceBefore: before,
		BalanceAfter:  after,
	}, nil
}

// classifyDebitFailure distinguishes a missing allocation from a balance that
// no longer covers the cost.
func (s *Store) classifyDebitFailure(ctx context.Context, q querier, orgID, userID string, required int64) error {
	var available int64
	err := q.QueryRowContext(ctx, `
		select current_balance from user_token_allocations
		where user_id = $1 and organization_id = $2
	`, userID, orgID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return token.ErrNoAllocation
	}
	if err != nil {
		return err
	}
	return &token.InsufficientBalanceError{Required: required, Available: available}
}

func (s *Store) Refund(ctx context.Context, req token.RefundRequest) (token.RefundResult, error) {
	if err := req.Validate(); err != nil {
		return token.RefundResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return token.RefundResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := roleOf(ctx, tx, req.OrganizationID, req.UserID); err != nil {
		return token.RefundResult{}, err
	}

	if req.DebitTransactionID != "" {
		// Replay a refund already recorded for this debit.
		var prior token.RefundResult
		err := tx.QueryRowContext(ctx, `
			select id, amount, balance_after from token_transactions
			where refund_of = $1
		`, req.DebitTransactionID).Scan(&prior.TransactionID, &prior.Refunded, &prior.BalanceAfter)
		if err == nil {
			prior.Replayed = true
			return prior, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return token.RefundResult{}, err
		}

		var (
			debitAmount int64
			debitUser   sql.NullString
			debitType   string
			debitOrg    string
		)
		err = tx.QueryRowContext(ctx, `
			select amount, user_id, transaction_type, organization_id from token_transactions
			where id = $1
		`, req.DebitTransactionID).Scan(&debitAmount, &debitUser, &debitType, &debitOrg)
		if errors.Is(err, sql.ErrNoRows) {
			return token.RefundResult{}, fmt.Errorf("%w: debit transaction", token.ErrNotFound)
		}
		if err != nil {
			return token.RefundResult{}, err
		}
		if debitType != string(token.TxConsumption) || debitOrg != req.OrganizationID ||
			!debitUser.Valid || debitUser.String != req.UserID {
			return token.RefundResult{}, fmt.Errorf("%w: debit transaction", token.ErrNotFound)
		}
		if req.Amount > debitAmount {
			return token.RefundResult{}, fmt.Errorf("%w: refund exceeds original debit", token.ErrInvalidInput)
		}
	}

	var after int64
	err = tx.QueryRowContext(ctx, `
		update user_token_allocations
		set current_balance = current_balance + $3, updated_at = now()
		where user_id = $1 and organization_id = $2
		returning current_balance
	`, req.UserID, req.OrganizationID, req.Amount).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
		return token.RefundResult{}, token.ErrNoAllocation
	}
	if err != nil {
		return token.RefundResult{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		update organization_wallets
		set tokens_consumed = greatest(tokens_consumed - $2, 0), updated_at = now()
		where organization_id = $1
	`, req.OrganizationID, req.Amount); err != nil {
		return token.RefundResult{}, err
	}

	meta := map[string]any{}
	if req.Reason != "" {
		meta["reason"] = req.Reason
	}
	entry := token.Transaction{
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Type:           token.TxRefund,
		Amount:         req.Amount,
		BalanceBefore:  after - req.Amount,
		BalanceAfter:   after,
		RefundOf:       req.DebitTransactionID,
		Metadata:       meta,
	}
	txID, err := insertTransaction(ctx, tx, entry)
	if err != nil {
		// A concurrent duplicate beat us to the unique refund_of slot; report
		// its result instead of double-crediting.
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation && req.DebitTransactionID != "" {
			_ = tx.Rollback()
			var prior token.RefundResult
			replayErr := s.db.QueryRowContext(ctx, `
				select id, amount, balance_after from token_transactions
				where refund_of = $1
			`, req.DebitTransactionID).Scan(&prior.TransactionID, &prior.Refunded, &prior.BalanceAfter)
			if replayErr != nil {
				return token.RefundResult{}, err
			}
			prior.Replayed = true
			return prior, nil
		}
		return token.RefundResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return token.RefundResult{}, err
	}
	return token.RefundResult{TransactionID: txID, Refunded: req.Amount, BalanceAfter: after}, nil
}

func (s *Store) Allocate(ctx context.Context, req token.AllocateRequest) (token.AllocateResult, error) {
	if err := req.Validate(); err != nil {
		return token.AllocateResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return token.AllocateResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireAdmin(ctx, tx, req.OrganizationID, req.AdminID); err != nil {
		return token.AllocateResult{}, err
	}
	if _, err := roleOf(ctx, tx, req.OrganizationID, req.TargetUserID); err != nil {
		return token.AllocateResult{}, err
	}

	// Guarded pool reservation: two admins granting concurrently cannot
	// jointly overdraw total_tokens - tokens_allocated.
	var allocated int64
	err = tx.QueryRowContext(ctx, `
		update organization_wallets
		set tokens_allocated = tokens_allocated + $2, updated_at = now()
		where organization_id = $1 and total_tokens - tokens_allocated >= $2
		returning tokens_allocated
	`, req.OrganizationID, req.Amount).Scan(&allocated)
	if errors.Is(err, sql.ErrNoRows) {
		var total, granted int64
		err := tx.QueryRowContext(ctx, `
			select total_tokens, tokens_allocated from organization_wallets
			where organization_id = $1
		`, req.OrganizationID).Scan(&total, &granted)
		if errors.Is(err, sql.ErrNoRows) {
			return token.AllocateResult{}, token.ErrWalletNotFound
		}
		if err != nil {
			return token.AllocateResult{}, err
		}
		return token.AllocateResult{}, &token.InsufficientOrgPoolError{Available: total - granted, Requested: req.Amount}
	}
	if err != nil {
		return token.AllocateResult{}, err
	}

	quotaProvided := req.MonthlyQuota != nil
	quota := req.Amount
	if quotaProvided {
		quota = *req.MonthlyQuota
	}
	var after, newQuota int64
	err = tx.QueryRowContext(ctx, `
		insert into user_token_allocations
			(user_id, organization_id, monthly_quota, current_balance, quota_reset_day, allocated_by)
		values ($1, $2, $3, $4, 1, $5)
		on conflict (user_id, organization_id) do update set
			current_balance = user_token_allocations.current_balance + excluded.current_balance,
			monthly_quota = case when $6 then excluded.monthly_quota else user_token_allocations.monthly_quota end,
			allocated_by = excluded.allocated_by,
			updated_at = now()
		returning current_balance, monthly_quota
	`, req.TargetUserID, req.OrganizationID, quota, req.Amount, req.AdminID, quotaProvided).Scan(&after, &newQuota)
	if err != nil {
		return token.AllocateResult{}, err
	}

	entry := token.Transaction{
		OrganizationID: req.OrganizationID,
		UserID:         req.TargetUserID,
		Type:           token.TxAllocation,
		Amount:         req.Amount,
		BalanceBefore:  after - req.Amount,
		BalanceAfter:   after,
		Metadata: map[string]any{
			"allocated_by":  req.AdminID,
			"monthly_quota": newQuota,
		},
	}
	txID, err := insertTransaction(ctx, tx, entry)
	if err != nil {
		return token.AllocateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return token.AllocateResult{}, err
	}
	return token.AllocateResult{
		TransactionID: txID,
		Allocated:     req.Amount,
		BalanceAfter:  after,
		MonthlyQuota:  newQuota,
	}, nil
}

func (s *Store) Purchase(ctx context.Context, req token.PurchaseRequest) (token.PurchaseResult, error) {
	if err := req.Validate(); err != nil {
		return token.PurchaseResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return token.PurchaseResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireAdmin(ctx, tx, req.OrganizationID, req.AdminID); err != nil {
		return token.PurchaseResult{}, err
	}

	var total, purchased int64
	err = tx.QueryRowContext(ctx, `
		update organization_wallets
		set total_tokens = total_tokens + $2,
			tokens_purchased = tokens_purchased + $2,
			last_purchase_at = now(),
			tokens_expire_at = coalesce($3, tokens_expire_at),
			updated_at = now()
		where organization_id = $1
		returning total_tokens, tokens_purchased
	`, req.OrganizationID, req.Amount, nullTime(req.ExpiresAt)).Scan(&total, &purchased)
	if errors.Is(err, sql.ErrNoRows) {
		return token.PurchaseResult{}, token.ErrWalletNotFound
	}
	if err != nil {
		return token.PurchaseResult{}, err
	}

	entry := token.Transaction{
		OrganizationID: req.OrganizationID,
		Type:           token.TxPurchase,
		Amount:         req.Amount,
		BalanceBefore:  total - req.Amount,
		BalanceAfter:   total,
		Metadata:       map[string]any{"purchased_by": req.AdminID},
	}
	txID, err := insertTransaction(ctx, tx, entry)
	if err != nil {
		return token.PurchaseResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return token.PurchaseResult{}, err
	}
	return token.PurchaseResult{TransactionID: txID, TotalTokens: total, TokensPurchased: purchased}, nil
}

func (s *Store) Revoke(ctx context.Context, req token.RevokeRequest) (token.RevokeResult, error) {
	if err := req.Validate(); err != nil {
		return token.RevokeResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return token.RevokeResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireAdmin(ctx, tx, req.OrganizationID, req.AdminID); err != nil {
		return token.RevokeResult{}, err
	}

	var after int64
	err = tx.QueryRowContext(ctx, `
		update user_token_allocations
		set current_balance = current_balance - $3, updated_at = now()
		where user_id = $1 and organization_id = $2 and current_balance >= $3
		returning current_balance
	`, req.TargetUserID, req.OrganizationID, req.Amount).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
		return token.RevokeResult{}, s.classifyDebitFailure(ctx, tx, req.OrganizationID, req.TargetUserID, req.Amount)
	}
	if err != nil {
		return token.RevokeResult{}, err
	}

	// Conservation: the clawed-back amount returns to the unallocated pool.
	res, err := tx.ExecContext(ctx, `
		update organization_wallets
		set tokens_allocated = tokens_allocated - $2, updated_at = now()
		where organization_id = $1 and tokens_allocated >= $2
	`, req.OrganizationID, req.Amount)
	if err != nil {
		return token.RevokeResult{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return token.RevokeResult{}, err
	} else if n == 0 {
		return token.RevokeResult{}, fmt.Errorf("%w: wallet allocation counter out of sync", token.ErrConflict)
	}

	entry := token.Transaction{
		OrganizationID: req.OrganizationID,
		UserID:         req.TargetUserID,
		Type:           token.TxRevocation,
		Amount:         req.Amount,
		BalanceBefore:  after + req.Amount,
		BalanceAfter:   after,
		Metadata:       map[string]any{"revoked_by": req.AdminID},
	}
	txID, err := insertTransaction(ctx, tx, entry)
	if err != nil {
		return token.RevokeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return token.RevokeResult{}, err
	}
	return token.RevokeResult{TransactionID: txID, Revoked: req.Amount, BalanceAfter: after}, nil
}

func (s *Store) ResetMonthly(ctx context.Context, orgID string, asOf time.Time) ([]token.ResetResult, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, fmt.Errorf("%w: organization_id is required", token.ErrInvalidInput)
	}
	asOf = asOf.UTC()

	rows, err := s.db.QueryContext(ctx, `
		select user_id from user_token_allocations
		where organization_id = $1
		order by user_id
	`, orgID)
	if err != nil {
		return nil, err
	}
	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		userIDs = append(userIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []token.ResetResult
	for _, userID := range userIDs {
		res, applied, err := s.resetOne(ctx, orgID, userID, asOf)
		if err != nil {
			return results, err
		}
		if applied {
			results = append(results, res)
		}
	}
	return results, nil
}

// resetOne refills a single allocation in its own transaction. The row lock
// keeps balance_before accurate, and the re-check under lock makes a
// concurrent reset at the same boundary a no-op.
func (s *Store) resetOne(ctx context.Context, orgID, userID string, asOf time.Time) (token.ResetResult, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return token.ResetResult{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var a token.Allocation
	var lastReset sql.NullTime
	err = tx.QueryRowContext(ctx, `
		select monthly_quota, current_balance, quota_reset_day, last_reset_at, created_at
		from user_token_allocations
		where user_id = $1 and organization_id = $2
		for update
	`, userID, orgID).Scan(&a.MonthlyQuota, &a.CurrentBalance, &a.QuotaResetDay, &lastReset, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return token.ResetResult{}, false, nil
	}
	if err != nil {
		return token.ResetResult{}, false, err
	}
	a.UserID = userID
	a.OrganizationID = orgID
	if lastReset.Valid {
		t := lastReset.Time
		a.LastResetAt = &t
	}
	if !token.ResetDue(a, asOf) {
		return token.ResetResult{}, false, nil
	}

	before := a.CurrentBalance
	if _, err := tx.ExecContext(ctx, `
		update user_token_allocations
		set current_balance = monthly_quota, last_reset_at = $3, updated_at = now()
		where user_id = $1 and organization_id = $2
	`, userID, orgID, asOf); err != nil {
		return token.ResetResult{}, false, err
	}

	entry := token.Transaction{
		OrganizationID: orgID,
		UserID:         userID,
		Type:           token.TxMonthlyReset,
		Amount:         a.MonthlyQuota,
		BalanceBefore:  before,
		BalanceAfter:   a.MonthlyQuota,
	}
	txID, err := insertTransaction(ctx, tx, entry)
	if err != nil {
		return token.ResetResult{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return token.ResetResult{}, false, err
	}
	return token.ResetResult{
		UserID:        userID,
		TransactionID: txID,
		BalanceBefore: before,
		BalanceAfter:  a.MonthlyQuota,
	}, true, nil
}

func (s *Store) ExpireWallet(ctx context.Context, orgID string, asOf time.Time) (token.ExpireResult, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return token.ExpireResult{}, fmt.Errorf("%w: organization_id is required", token.ErrInvalidInput)
	}
	asOf = asOf.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return token.ExpireResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var total, allocated int64
	var expireAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		select total_tokens, tokens_allocated, tokens_expire_at
		from organization_wallets
		where organization_id = $1
		for update
	`, orgID).Scan(&total, &allocated, &expireAt)
	if errors.Is(err, sql.ErrNoRows) {
		return token.ExpireResult{}, token.ErrWalletNotFound
	}
	if err != nil {
		return token.ExpireResult{}, err
	}
	if !expireAt.Valid || expireAt.Time.After(asOf) {
		return token.ExpireResult{}, nil
	}

	if _, err := tx.ExecContext(ctx, `
		update organization_wallets
		set total_tokens = tokens_allocated, tokens_expire_at = null, updated_at = now()
		where organization_id = $1
	`, orgID); err != nil {
		return token.ExpireResult{}, err
	}

	expired := total - allocated
	if expired <= 0 {
		return token.ExpireResult{}, tx.Commit()
	}

	entry := token.Transaction{
		OrganizationID: orgID,
		Type:           token.TxExpiration,
		Amount:         expired,
		BalanceBefore:  total,
		BalanceAfter:   allocated,
	}
	txID, err := insertTransaction(ctx, tx, entry)
	if err != nil {
		return token.ExpireResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return token.ExpireResult{}, err
	}
	return token.ExpireResult{TransactionID: txID, Expired: expired}, nil
}

func (s *Store) GetWallet(ctx context.Context, orgID string) (token.Wallet, error) {
	w := token.Wallet{OrganizationID: orgID}
	var lastPurchase, expireAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select total_tokens, tokens_purchased, tokens_allocated, tokens_consumed,
			last_purchase_at, tokens_expire_at, updated_at
		from organization_wallets
		where organization_id = $1
	`, orgID).Scan(&w.TotalTokens, &w.TokensPurchased, &w.TokensAllocated, &w.TokensConsumed,
		&lastPurchase, &expireAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return token.Wallet{}, token.ErrWalletNotFound
	}
	if err != nil {
		return token.Wallet{}, err
	}
	if lastPurchase.Valid {
		t := lastPurchase.Time
		w.LastPurchaseAt = &t
	}
	if expireAt.Valid {
		t := expireAt.Time
		w.TokensExpireAt = &t
	}
	return w, nil
}

func (s *Store) GetAllocation(ctx context.Context, orgID, userID string) (token.Allocation, error) {
	a := token.Allocation{UserID: userID, OrganizationID: orgID}
	var lastReset sql.NullTime
	var allocatedBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select monthly_quota, current_balance, quota_reset_day, last_reset_at,
			allocated_by, created_at, updated_at
		from user_token_allocations
		where user_id = $1 and organization_id = $2
	`, userID, orgID).Scan(&a.MonthlyQuota, &a.CurrentBalance, &a.QuotaResetDay, &lastReset,
		&allocatedBy, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return token.Allocation{}, token.ErrNoAllocation
	}
	if err != nil {
		return token.Allocation{}, err
	}
	if lastReset.Valid {
		t := lastReset.Time
		a.LastResetAt = &t
	}
	if allocatedBy.Valid {
		a.AllocatedBy = allocatedBy.String
	}
	return a, nil
}

func (s *Store) ListTransactions(ctx context.Context, orgID string, f token.TransactionFilter) ([]token.Transaction, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, fmt.Errorf("%w: organization_id is required", token.ErrInvalidInput)
	}
	if f.Before != "" && !ids.IsValid(f.Before) {
		return nil, fmt.Errorf("%w: malformed cursor", token.ErrInvalidInput)
	}

	where := []string{"organization_id = $1"}
	args := []any{orgID}
	idx := 2
	if f.UserID != "" {
		where = append(where, fmt.Sprintf("user_id = $%d", idx))
		args = append(args, f.UserID)
		idx++
	}
	if f.Type != "" {
		where = append(where, fmt.Sprintf("transaction_type = $%d", idx))
		args = append(args, string(f.Type))
		idx++
	}
	if f.Before != "" {
		where = append(where, fmt.Sprintf("id < $%d", idx))
		args = append(args, f.Before)
		idx++
	}
	args = append(args, token.NormalizeLimit(f.Limit))

	query := fmt.Sprintf(`
		select id, organization_id, user_id, transaction_type, amount,
			balance_before, balance_after, action_type, refund_of, metadata, created_at
		from token_transactions
		where %s
		order by id desc
		limit $%d
	`, strings.Join(where, " and "), idx)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []token.Transaction
	for rows.Next() {
		var (
			tx       token.Transaction
			userID   sql.NullString
			action   sql.NullString
			refundOf sql.NullString
			rawMeta  []byte
		)
		if err := rows.Scan(&tx.ID, &tx.OrganizationID, &userID, &tx.Type, &tx.Amount,
			&tx.BalanceBefore, &tx.BalanceAfter, &action, &refundOf, &rawMeta, &tx.CreatedAt); err != nil {
			return nil, err
		}
		if userID.Valid {
			tx.UserID = userID.String
		}
		if action.Valid {
			tx.ActionType = token.ActionType(action.String)
		}
		if refundOf.Valid {
			tx.RefundOf = refundOf.String
		}
		tx.Metadata = map[string]any{}
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &tx.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func insertTransaction(ctx context.Context, q querier, entry token.Transaction) (string, error) {
	metaJSON := []byte("{}")
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return "", fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = raw
	}
	id := ids.New()
	_, err := q.ExecContext(ctx, `
		insert into token_transactions
			(id, organization_id, user_id, transaction_type, amount,
			balance_before, balance_after, action_type, refund_of, metadata)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, id, entry.OrganizationID, nullIfEmpty(entry.UserID), string(entry.Type), entry.Amount,
		entry.BalanceBefore, entry.BalanceAfter, nullIfEmpty(string(entry.ActionType)),
		nullIfEmpty(entry.RefundOf), metaJSON)
	if err != nil {
		return "", err
	}
	return id, nil
}
