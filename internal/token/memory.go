package token

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tally.org/internal/ids"
)

// InMemory implements Service with in-process concurrency safety. It mirrors
// the guarantees of the Postgres store closely enough to back the HTTP tests
// and the concurrency property tests.
type InMemory struct {
	mu      sync.RWMutex
	orgs    map[string]Organization
	members map[string]map[string]Role // org id -> user id -> role
	wallets map[string]*Wallet
	allocs  map[string]*Allocation // org id + "/" + user id
	costs   map[string]ActionCost  // org id ("" = global) + "|" + action
	txs     []Transaction
	refunds map[string]Transaction // debit tx id -> refund tx
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty metered tenancy.
func NewInMemory() *InMemory {
	return &InMemory{
		orgs:    make(map[string]Organization),
		members: make(map[string]map[string]Role),
		wallets: make(map[string]*Wallet),
		allocs:  make(map[string]*Allocation),
		costs:   make(map[string]ActionCost),
		refunds: make(map[string]Transaction),
	}
}

func allocKey(orgID, userID string) string { return orgID + "/" + userID }
func costKey(orgID string, action ActionType) string {
	return orgID + "|" + string(action)
}

// SetGlobalCost seeds a global default cost row. The Postgres deployment gets
// these from seed SQL; tests and the in-memory service use this instead.
func (s *InMemory) SetGlobalCost(action ActionType, cost int64, enabled, adminOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costs[costKey("", action)] = ActionCost{
		ActionType: action,
		TokenCost:  cost,
		Enabled:    enabled,
		AdminOnly:  adminOnly,
	}
}

func (s *InMemory) CreateOrganization(ctx context.Context, name string) (Organization, error) {
	name, err := requireID("name", name)
	if err != nil {
		return Organization{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	org := Organization{ID: ids.New(), Name: name, CreatedAt: time.Now().UTC()}
	s.orgs[org.ID] = org
	s.members[org.ID] = make(map[string]Role)
	s.wallets[org.ID] = &Wallet{OrganizationID: org.ID, UpdatedAt: org.CreatedAt}
	return org, nil
}

func (s *InMemory) AddMember(ctx context.Context, orgID, userID string, role Role) (Member, error) {
	orgID, err := requireID("organization_id", orgID)
	if err != nil {
		return Member{}, err
	}
	userID, err = requireID("user_id", userID)
	if err != nil {
		return Member{}, err
	}
	if role == "" {
		role = RoleMember
	}
	if !role.Valid() {
		return Member{}, fmt.Errorf("%w: unsupported role %s", ErrInvalidInput, role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orgs[orgID]; !ok {
		return Member{}, ErrNotFound
	}
	s.members[orgID][userID] = role
	return Member{UserID: userID, OrganizationID: orgID, Role: role, CreatedAt: time.Now().UTC()}, nil
}

func (s *InMemory) ResolveCost(ctx context.Context, orgID string, action ActionType) (ActionCost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveCostLocked(orgID, action)
}

func (s *InMemory) resolveCostLocked(orgID string, action ActionType) (ActionCost, error) {
	if c, ok := s.costs[costKey(orgID, action)]; ok {
		return c, nil
	}
	if c, ok := s.costs[costKey("", action)]; ok {
		return c, nil
	}
	return ActionCost{}, ErrUnknownAction
}

func (s *InMemory) UpsertActionCost(ctx context.Context, req UpsertActionCostRequest) (ActionCost, error) {
	if err := req.Validate(); err != nil {
		return ActionCost{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAdminLocked(req.OrganizationID, req.AdminID); err != nil {
		return ActionCost{}, err
	}
	row := ActionCost{
		OrganizationID: req.OrganizationID,
		ActionType:     req.Action,
		TokenCost:      req.TokenCost,
		Enabled:        req.Enabled,
		AdminOnly:      req.AdminOnly,
	}
	s.costs[costKey(req.OrganizationID, req.Action)] = row
	return row, nil
}

func (s *InMemory) Consume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error) {
	if err := req.Validate(); err != nil {
		return ConsumeResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	role, ok := s.roleLocked(req.OrganizationID, req.UserID)
	if !ok {
		return ConsumeResult{}, ErrNotMember
	}
	cost, err := s.resolveCostLocked(req.OrganizationID, req.Action)
	if err != nil {
		return ConsumeResult{}, err
	}
	if !cost.Enabled {
		return ConsumeResult{}, ErrActionDisabled
	}
	if cost.AdminOnly && !role.CanAdminister() {
		return ConsumeResult{}, ErrPermissionDenied
	}

	alloc, ok := s.allocs[allocKey(req.OrganizationID, req.UserID)]
	if !ok {
		return ConsumeResult{}, ErrNoAllocation
	}
	if alloc.CurrentBalance < cost.TokenCost {
		return ConsumeResult{}, &InsufficientBalanceError{Required: cost.TokenCost, Available: alloc.CurrentBalance}
	}

	before := alloc.CurrentBalance
	alloc.CurrentBalance -= cost.TokenCost
	alloc.UpdatedAt = time.Now().UTC()
	if w := s.wallets[req.OrganizationID]; w != nil {
		w.TokensConsumed += cost.TokenCost
		w.UpdatedAt = alloc.UpdatedAt
	}

	tx := s.appendTxLocked(Transaction{
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Type:           TxConsumption,
		Amount:         cost.TokenCost,
		BalanceBefore:  before,
		BalanceAfter:   alloc.CurrentBalance,
		ActionType:     req.Action,
		Metadata:       copyMetadata(req.Metadata),
	})
	return ConsumeResult{
		TransactionID: tx.ID,
		Consumed:      cost.TokenCost,
		BalanceBefore: before,
		BalanceAfter:  alloc.CurrentBalance,
	}, nil
}

func (s *InMemory) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if err := req.Validate(); err != nil {
		return RefundResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roleLocked(req.OrganizationID, req.UserID); !ok {
		return RefundResult{}, ErrNotMember
	}
	alloc, ok := s.allocs[allocKey(req.OrganizationID, req.UserID)]
	if !ok {
		return RefundResult{}, ErrNoAllocation
	}

	if req.DebitTransactionID != "" {
		if prior, ok := s.refunds[req.DebitTransactionID]; ok {
			return RefundResult{
				TransactionID: prior.ID,
				Refunded:      prior.Amount,
				BalanceAfter:  prior.BalanceAfter,
				Replayed:      true,
			}, nil
		}
		debit, ok := s.findTxLocked(req.DebitTransactionID)
		if !ok || debit.Type != TxConsumption ||
			debit.OrganizationID != req.OrganizationID || debit.UserID != req.UserID {
			return RefundResult{}, fmt.Errorf("%w: debit transaction", ErrNotFound)
		}
		if req.Amount > debit.Amount {
			return RefundResult{}, fmt.Errorf("%w: refund exceeds original debit", ErrInvalidInput)
		}
	}

	before := alloc.CurrentBalance
	alloc.CurrentBalance += req.Amount
	alloc.UpdatedAt = time.Now().UTC()
	if w := s.wallets[req.OrganizationID]; w != nil {
		w.TokensConsumed -= req.Amount
		if w.TokensConsumed < 0 {
			w.TokensConsumed = 0
		}
		w.UpdatedAt = alloc.UpdatedAt
	}

	meta := map[string]any{}
	if req.Reason != "" {
		meta["reason"] = req.Reason
	}
	tx := s.appendTxLocked(Transaction{
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Type:           TxRefund,
		Amount:         req.Amount,
		BalanceBefore:  before,
		BalanceAfter:   alloc.CurrentBalance,
		RefundOf:       req.DebitTransactionID,
		Metadata:       meta,
	})
	if req.DebitTransactionID != "" {
		s.refunds[req.DebitTransactionID] = tx
	}
	return RefundResult{TransactionID: tx.ID, Refunded: req.Amount, BalanceAfter: alloc.CurrentBalance}, nil
}

func (s *InMemory) Allocate(ctx context.Context, req AllocateRequest) (AllocateResult, error) {
	if err := req.Validate(); err != nil {
		return AllocateResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAdminLocked(req.OrganizationID, req.AdminID); err != nil {
		return AllocateResult{}, err
	}
	if _, ok := s.roleLocked(req.OrganizationID, req.TargetUserID); !ok {
		return AllocateResult{}, ErrNotMember
	}
	w, ok := s.wallets[req.OrganizationID]
	if !ok {
		return AllocateResult{}, ErrWalletNotFound
	}
	if available := w.Available(); req.Amount > available {
		return AllocateResult{}, &InsufficientOrgPoolError{Available: available, Requested: req.Amount}
	}

	now := time.Now().UTC()
	key := allocKey(req.OrganizationID, req.TargetUserID)
	alloc, exists := s.allocs[key]
	var before int64
	if !exists {
		quota := req.Amount
		if req.MonthlyQuota != nil {
			quota = *req.MonthlyQuota
		}
		alloc = &Allocation{
			UserID:         req.TargetUserID,
			OrganizationID: req.OrganizationID,
			MonthlyQuota:   quota,
			CurrentBalance: req.Amount,
			QuotaResetDay:  1,
			AllocatedBy:    req.AdminID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		s.allocs[key] = alloc
	} else {
		before = alloc.CurrentBalance
		alloc.CurrentBalance += req.Amount
		if req.MonthlyQuota != nil {
			alloc.MonthlyQuota = *req.MonthlyQuota
		}
		alloc.AllocatedBy = req.AdminID
		alloc.UpdatedAt = now
	}
	w.TokensAllocated += req.Amount
	w.UpdatedAt = now

	tx := s.appendTxLocked(Transaction{
		OrganizationID: req.OrganizationID,
		UserID:         req.TargetUserID,
		Type:           TxAllocation,
		Amount:         req.Amount,
		BalanceBefore:  before,
		BalanceAfter:   alloc.CurrentBalance,
		Metadata: map[string]any{
			"allocated_by":  req.AdminID,
			"monthly_quota": alloc.MonthlyQuota,
		},
	})
	return AllocateResult{
		TransactionID: tx.ID,
		Allocated:     req.Amount,
		BalanceAfter:  alloc.CurrentBalance,
		MonthlyQuota:  alloc.MonthlyQuota,
	}, nil
}

func (s *InMemory) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	if err := req.Validate(); err != nil {
		return PurchaseResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAdminLocked(req.OrganizationID, req.AdminID); err != nil {
		return PurchaseResult{}, err
	}
	w, ok := s.wallets[req.OrganizationID]
	if !ok {
		return PurchaseResult{}, ErrWalletNotFound
	}

	now := time.Now().UTC()
	before := w.TotalTokens
	w.TotalTokens += req.Amount
	w.TokensPurchased += req.Amount
	w.LastPurchaseAt = &now
	if req.ExpiresAt != nil {
		expires := req.ExpiresAt.UTC()
		w.TokensExpireAt = &expires
	}
	w.UpdatedAt = now

	tx := s.appendTxLocked(Transaction{
		OrganizationID: req.OrganizationID,
		Type:           TxPurchase,
		Amount:         req.Amount,
		BalanceBefore:  before,
		BalanceAfter:   w.TotalTokens,
		Metadata:       map[string]any{"purchased_by": req.AdminID},
	})
	return PurchaseResult{
		TransactionID:   tx.ID,
		TotalTokens:     w.TotalTokens,
		TokensPurchased: w.TokensPurchased,
	}, nil
}

func (s *InMemory) Revoke(ctx context.Context, req RevokeRequest) (RevokeResult, error) {
	if err := req.Validate(); err != nil {
		return RevokeResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAdminLocked(req.OrganizationID, req.AdminID); err != nil {
		return RevokeResult{}, err
	}
	alloc, ok := s.allocs[allocKey(req.OrganizationID, req.TargetUserID)]
	if !ok {
		return RevokeResult{}, ErrNoAllocation
	}
	if alloc.CurrentBalance < req.Amount {
		return RevokeResult{}, &InsufficientBalanceError{Required: req.Amount, Available: alloc.CurrentBalance}
	}

	now := time.Now().UTC()
	before := alloc.CurrentBalance
	alloc.CurrentBalance -= req.Amount
	alloc.UpdatedAt = now
	if w := s.wallets[req.OrganizationID]; w != nil {
		w.TokensAllocated -= req.Amount
		w.UpdatedAt = now
	}

	tx := s.appendTxLocked(Transaction{
		OrganizationID: req.OrganizationID,
		UserID:         req.TargetUserID,
		Type:           TxRevocation,
		Amount:         req.Amount,
		BalanceBefore:  before,
		BalanceAfter:   alloc.CurrentBalance,
		Metadata:       map[string]any{"revoked_by": req.AdminID},
	})
	return RevokeResult{TransactionID: tx.ID, Revoked: req.Amount, BalanceAfter: alloc.CurrentBalance}, nil
}

func (s *InMemory) ResetMonthly(ctx context.Context, orgID string, asOf time.Time) ([]ResetResult, error) {
	orgID, err := requireID("organization_id", orgID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orgs[orgID]; !ok {
		return nil, ErrNotFound
	}
	asOf = asOf.UTC()

	var due []*Allocation
	for _, a := range s.allocs {
		if a.OrganizationID == orgID && ResetDue(*a, asOf) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].UserID < due[j].UserID })

	results := make([]ResetResult, 0, len(due))
	for _, a := range due {
		before := a.CurrentBalance
		a.CurrentBalance = a.MonthlyQuota
		reset := asOf
		a.LastResetAt = &reset
		a.UpdatedAt = asOf

		tx := s.appendTxLocked(Transaction{
			OrganizationID: orgID,
			UserID:         a.UserID,
			Type:           TxMonthlyReset,
			Amount:         a.MonthlyQuota,
			BalanceBefore:  before,
			BalanceAfter:   a.CurrentBalance,
		})
		results = append(results, ResetResult{
			UserID:        a.UserID,
			TransactionID: tx.ID,
			BalanceBefore: before,
			BalanceAfter:  a.CurrentBalance,
		})
	}
	return results, nil
}

func (s *InMemory) ExpireWallet(ctx context.Context, orgID string, asOf time.Time) (ExpireResult, error) {
	orgID, err := requireID("organization_id", orgID)
	if err != nil {
		return ExpireResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[orgID]
	if !ok {
		return ExpireResult{}, ErrWalletNotFound
	}
	asOf = asOf.UTC()
	if w.TokensExpireAt == nil || w.TokensExpireAt.After(asOf) {
		return ExpireResult{}, nil
	}

	expired := w.Available()
	before := w.TotalTokens
	w.TotalTokens = w.TokensAllocated
	w.TokensExpireAt = nil
	w.UpdatedAt = asOf
	if expired <= 0 {
		return ExpireResult{}, nil
	}

	tx := s.appendTxLocked(Transaction{
		OrganizationID: orgID,
		Type:           TxExpiration,
		Amount:         expired,
		BalanceBefore:  before,
		BalanceAfter:   w.TotalTokens,
	})
	return ExpireResult{TransactionID: tx.ID, Expired: expired}, nil
}

func (s *InMemory) GetWallet(ctx context.Context, orgID string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[orgID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return *w, nil
}

func (s *InMemory) GetAllocation(ctx context.Context, orgID, userID string) (Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.allocs[allocKey(orgID, userID)]
	if !ok {
		return Allocation{}, ErrNoAllocation
	}
	return *a, nil
}

func (s *InMemory) ListTransactions(ctx context.Context, orgID string, f TransactionFilter) ([]Transaction, error) {
	orgID, err := requireID("organization_id", orgID)
	if err != nil {
		return nil, err
	}
	limit := NormalizeLimit(f.Limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []Transaction
	for i := len(s.txs) - 1; i >= 0 && len(res) < limit; i-- {
		tx := s.txs[i]
		if tx.OrganizationID != orgID {
			continue
		}
		if f.Before != "" && tx.ID >= f.Before {
			continue
		}
		if f.UserID != "" && tx.UserID != f.UserID {
			continue
		}
		if f.Type != "" && tx.Type != f.Type {
			continue
		}
		res = append(res, tx)
	}
	return res, nil
}

func (s *InMemory) roleLocked(orgID, userID string) (Role, bool) {
	users, ok := s.members[orgID]
	if !ok {
		return "", false
	}
	role, ok := users[userID]
	return role, ok
}

func (s *InMemory) requireAdminLocked(orgID, adminID string) error {
	role, ok := s.roleLocked(orgID, adminID)
	if !ok {
		return ErrNotMember
	}
	if !role.CanAdminister() {
		return ErrPermissionDenied
	}
	return nil
}

func (s *InMemory) findTxLocked(id string) (Transaction, bool) {
	for i := len(s.txs) - 1; i >= 0; i-- {
		if s.txs[i].ID == id {
			return s.txs[i], true
		}
	}
	return Transaction{}, false
}

func (s *InMemory) appendTxLocked(tx Transaction) Transaction {
	tx.ID = ids.New()
	tx.CreatedAt = time.Now().UTC()
	s.txs = append(s.txs, tx)
	return tx
}

func copyMetadata(m map[string]any) map[string]any {
	if len(m) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
