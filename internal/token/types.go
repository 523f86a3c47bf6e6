package token

import "time"

// Role is a user's role inside one organization. Roles are organization
// scoped: the same user may be an admin in one org and a plain member in
// another.
type Role string

const (
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// CanAdminister reports whether the role may run admin-gated operations
// (allocation, purchase, revocation, catalog edits, admin-only actions).
func (r Role) CanAdminister() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	return r == RoleMember || r == RoleAdmin || r == RoleSuperAdmin
}

// ActionType names a billable action.
type ActionType string

const (
	ActionMessageText  ActionType = "message_text"
	ActionMessageMedia ActionType = "message_media"
	ActionAISummary    ActionType = "ai_summary"
	ActionAISmartReply ActionType = "ai_smart_reply"
	ActionAIModeration ActionType = "ai_moderation"
	ActionAIAnalytics  ActionType = "ai_analytics"
	ActionBroadcast    ActionType = "broadcast"
	ActionVoiceNote    ActionType = "voice_note"
	ActionFileShare    ActionType = "file_share"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxPurchase     TransactionType = "purchase"
	TxAllocation   TransactionType = "allocation"
	TxRevocation   TransactionType = "revocation"
	TxConsumption  TransactionType = "consumption"
	TxRefund       TransactionType = "refund"
	TxExpiration   TransactionType = "expiration"
	TxMonthlyReset TransactionType = "monthly_reset"
)

// Valid reports whether the transaction type is one of the known values.
func (t TransactionType) Valid() bool {
	switch t {
	case TxPurchase, TxAllocation, TxRevocation, TxConsumption, TxRefund, TxExpiration, TxMonthlyReset:
		return true
	}
	return false
}

// Organization is the tenancy root. Every wallet, allocation, cost override
// and transaction belongs to exactly one organization.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Member links a user to an organization with a role.
type Member struct {
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	Role           Role      `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// Wallet is the organization-level token pool. TokensAllocated tracks grants
// made to users net of revocations, not users' outstanding balances.
type Wallet struct {
	OrganizationID  string     `json:"organization_id"`
	TotalTokens     int64      `json:"total_tokens"`
	TokensPurchased int64      `json:"tokens_purchased"`
	TokensAllocated int64      `json:"tokens_allocated"`
	TokensConsumed  int64      `json:"tokens_consumed"`
	LastPurchaseAt  *time.Time `json:"last_purchase_at,omitempty"`
	TokensExpireAt  *time.Time `json:"tokens_expire_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Available is the part of the pool not yet granted to any user.
func (w Wallet) Available() int64 { return w.TotalTokens - w.TokensAllocated }

// Allocation is a user's slice of the organization pool. CurrentBalance is
// never negative; the store enforces that with a guarded conditional update.
type Allocation struct {
	UserID         string     `json:"user_id"`
	OrganizationID string     `json:"organization_id"`
	MonthlyQuota   int64      `json:"monthly_quota"`
	CurrentBalance int64      `json:"current_balance"`
	QuotaResetDay  int        `json:"quota_reset_day"`
	LastResetAt    *time.Time `json:"last_reset_at,omitempty"`
	AllocatedBy    string     `json:"allocated_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ActionCost is the price and gating for one action. OrganizationID is empty
// for the global default row; a row with a concrete organization overrides
// the default for that org only.
type ActionCost struct {
	OrganizationID string     `json:"organization_id,omitempty"`
	ActionType     ActionType `json:"action_type"`
	TokenCost      int64      `json:"token_cost"`
	Enabled        bool       `json:"is_enabled"`
	AdminOnly      bool       `json:"admin_only"`
}

// Transaction is one immutable ledger entry. Entries are written in the same
// atomic unit as the balance mutation they record and are never updated.
type Transaction struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	UserID         string          `json:"user_id,omitempty"` // empty for org-level entries
	Type           TransactionType `json:"transaction_type"`
	Amount         int64           `json:"amount"`
	BalanceBefore  int64           `json:"balance_before"`
	BalanceAfter   int64           `json:"balance_after"`
	ActionType     ActionType      `json:"action_type,omitempty"`
	RefundOf       string          `json:"refund_of,omitempty"` // consumption tx id this entry compensates
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
