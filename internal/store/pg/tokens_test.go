package pg

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"tally.org/internal/token"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err, "sqlmock.New")
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func expectRole(mock sqlmock.Sqlmock, userID, orgID, role string) {
	mock.ExpectQuery("select role from org_members").
		WithArgs(userID, orgID).
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow(role))
}

func TestConsumeDebitsAtomically(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectRole(mock, "user-1", "org-1", "member")
	mock.ExpectQuery("from token_action_costs").
		WithArgs("org-1", "ai_summary").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "token_cost", "is_enabled", "admin_only"}).
			AddRow("", int64(15), true, false))
	mock.ExpectQuery("update user_token_allocations").
		WithArgs("user-1", "org-1", int64(15)).
		WillReturnRows(sqlmock.NewRows([]string{"current_balance"}).AddRow(int64(85)))
	mock.ExpectExec("update organization_wallets").
		WithArgs("org-1", int64(15)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into token_transactions").
		WithArgs(sqlmock.AnyArg(), "org-1", sqlmock.AnyArg(), "consumption", int64(15),
			int64(100), int64(85), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	res, err := s.Consume(context.Background(), token.ConsumeRequest{
		UserID:         "user-1",
		OrganizationID: "org-1",
		Action:         token.ActionAISummary,
	})
	require.NoError(t, err)
	require.Equal(t, int64(15), res.Consumed)
	require.Equal(t, int64(100), res.BalanceBefore)
	require.Equal(t, int64(85), res.BalanceAfter)
	require.NotEmpty(t, res.TransactionID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeInsufficientBalance(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectRole(mock, "user-1", "org-1", "member")
	mock.ExpectQuery("from token_action_costs").
		WithArgs("org-1", "ai_summary").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "token_cost", "is_enabled", "admin_only"}).
			AddRow("", int64(15), true, false))
	// Guarded debit misses, the follow-up read finds the row with too little.
	mock.ExpectQuery("update user_token_allocations").
		WithArgs("user-1", "org-1", int64(15)).
		WillReturnRows(sqlmock.NewRows([]string{"current_balance"}))
	mock.ExpectQuery("select current_balance from user_token_allocations").
		WithArgs("user-1", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{"current_balance"}).AddRow(int64(10)))
	mock.ExpectRollback()

	_, err := s.Consume(context.Background(), token.ConsumeRequest{
		UserID:         "user-1",
		OrganizationID: "org-1",
		Action:         token.ActionAISummary,
	})
	var insufficient *token.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(15), insufficient.Required)
	require.Equal(t, int64(10), insufficient.Available)
	require.ErrorIs(t, err, token.ErrInsufficientBalance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeMissingAllocation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectRole(mock, "user-1", "org-1", "member")
	mock.ExpectQuery("from token_action_costs").
		WithArgs("org-1", "message_text").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "token_cost", "is_enabled", "admin_only"}).
			AddRow("", int64(1), true, false))
	mock.ExpectQuery("update user_token_allocations").
		WithArgs("user-1", "org-1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"current_balance"}))
	mock.ExpectQuery("select current_balance from user_token_allocations").
		WithArgs("user-1", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{"current_balance"}))
	mock.ExpectRollback()

	_, err := s.Consume(context.Background(), token.ConsumeRequest{
		UserID:         "user-1",
		OrganizationID: "org-1",
		Action:         token.ActionMessageText,
	})
	require.ErrorIs(t, err, token.ErrNoAllocation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocatePoolOverdraw(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectRole(mock, "admin-1", "org-1", "admin")
	expectRole(mock, "user-1", "org-1", "member")
	mock.ExpectQuery("update organization_wallets").
		WithArgs("org-1", int64(2000)).
		WillReturnRows(sqlmock.NewRows([]string{"tokens_allocated"}))
	mock.ExpectQuery("select total_tokens, tokens_allocated from organization_wallets").
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"total_tokens", "tokens_allocated"}).
			AddRow(int64(1500), int64(500)))
	mock.ExpectRollback()

	_, err := s.Allocate(context.Background(), token.AllocateRequest{
		AdminID:        "admin-1",
		OrganizationID: "org-1",
		TargetUserID:   "user-1",
		Amount:         2000,
	})
	var pool *token.InsufficientOrgPoolError
	require.ErrorAs(t, err, &pool)
	require.Equal(t, int64(1000), pool.Available)
	require.Equal(t, int64(2000), pool.Requested)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocateRequiresAdmin(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectRole(mock, "user-2", "org-1", "member")
	mock.ExpectRollback()

	_, err := s.Allocate(context.Background(), token.AllocateRequest{
		AdminID:        "user-2",
		OrganizationID: "org-1",
		TargetUserID:   "user-1",
		Amount:         100,
	})
	require.ErrorIs(t, err, token.ErrPermissionDenied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundReplaysRecordedCredit(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectRole(mock, "user-1", "org-1", "member")
	mock.ExpectQuery("where refund_of").
		WithArgs("01J0DEBIT").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount", "balance_after"}).
			AddRow("01J0REFUND", int64(15), int64(100)))
	mock.ExpectRollback()

	res, err := s.Refund(context.Background(), token.RefundRequest{
		UserID:             "user-1",
		OrganizationID:     "org-1",
		Amount:             15,
		DebitTransactionID: "01J0DEBIT",
	})
	require.NoError(t, err)
	require.True(t, res.Replayed)
	require.Equal(t, "01J0REFUND", res.TransactionID)
	require.Equal(t, int64(15), res.Refunded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundRejectsForeignDebit(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectRole(mock, "user-1", "org-1", "member")
	mock.ExpectQuery("where refund_of").
		WithArgs("01J0DEBIT").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount", "balance_after"}))
	mock.ExpectQuery("select amount, user_id, transaction_type, organization_id from token_transactions").
		WithArgs("01J0DEBIT").
		WillReturnRows(sqlmock.NewRows([]string{"amount", "user_id", "transaction_type", "organization_id"}).
			AddRow(int64(15), "someone-else", "consumption", "org-1"))
	mock.ExpectRollback()

	_, err := s.Refund(context.Background(), token.RefundRequest{
		UserID:             "user-1",
		OrganizationID:     "org-1",
		Amount:             15,
		DebitTransactionID: "01J0DEBIT",
	})
	require.ErrorIs(t, err, token.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveCostPrefersOverride(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("from token_action_costs").
		WithArgs("org-1", "ai_summary").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "token_cost", "is_enabled", "admin_only"}).
			AddRow("org-1", int64(25), true, false))

	cost, err := s.ResolveCost(context.Background(), "org-1", token.ActionAISummary)
	require.NoError(t, err)
	require.Equal(t, "org-1", cost.OrganizationID)
	require.Equal(t, int64(25), cost.TokenCost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveCostUnknownAction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("from token_action_costs").
		WithArgs("org-1", "teleport").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "token_cost", "is_enabled", "admin_only"}))

	_, err := s.ResolveCost(context.Background(), "org-1", token.ActionType("teleport"))
	require.ErrorIs(t, err, token.ErrUnknownAction)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTransactionsFilters(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"id", "organization_id", "user_id", "transaction_type", "amount",
		"balance_before", "balance_after", "action_type", "refund_of", "metadata", "created_at",
	}).AddRow("01J0TX2", "org-1", "user-1", "consumption", int64(15),
		int64(100), int64(85), "ai_summary", nil, []byte(`{"chat_id":"c-9"}`), time.Now().UTC()).
		AddRow("01J0TX1", "org-1", "user-1", "allocation", int64(100),
			int64(0), int64(100), nil, nil, []byte(`{}`), time.Now().UTC())

	mock.ExpectQuery("from token_transactions").
		WithArgs("org-1", "user-1", "consumption", 10).
		WillReturnRows(rows)

	list, err := s.ListTransactions(context.Background(), "org-1", token.TransactionFilter{
		UserID: "user-1",
		Type:   token.TxConsumption,
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "01J0TX2", list[0].ID)
	require.Equal(t, token.ActionAISummary, list[0].ActionType)
	require.Equal(t, "c-9", list[0].Metadata["chat_id"])
	require.Equal(t, token.TxAllocation, list[1].Type)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTransactionsRejectsBadCursor(t *testing.T) {
	s, _ := newMockStore(t)

	_, err := s.ListTransactions(context.Background(), "org-1", token.TransactionFilter{
		Before: "not-a-ulid",
	})
	require.ErrorIs(t, err, token.ErrInvalidInput)
}

func TestRevokeWalletCounterOutOfSync(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectRole(mock, "admin-1", "org-1", "admin")
	mock.ExpectQuery("update user_token_allocations").
		WithArgs("user-1", "org-1", int64(50)).
		WillReturnRows(sqlmock.NewRows([]string{"current_balance"}).AddRow(int64(0)))
	mock.ExpectExec("update organization_wallets").
		WithArgs("org-1", int64(50)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.Revoke(context.Background(), token.RevokeRequest{
		AdminID:        "admin-1",
		OrganizationID: "org-1",
		TargetUserID:   "user-1",
		Amount:         50,
	})
	require.ErrorIs(t, err, token.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurchaseMissingWallet(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectRole(mock, "admin-1", "org-1", "admin")
	mock.ExpectQuery("update organization_wallets").
		WithArgs("org-1", int64(500), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"total_tokens", "tokens_purchased"}))
	mock.ExpectRollback()

	_, err := s.Purchase(context.Background(), token.PurchaseRequest{
		AdminID:        "admin-1",
		OrganizationID: "org-1",
		Amount:         500,
	})
	require.ErrorIs(t, err, token.ErrWalletNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeNonMember(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select role from org_members").
		WithArgs("stranger", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}))
	mock.ExpectRollback()

	_, err := s.Consume(context.Background(), token.ConsumeRequest{
		UserID:         "stranger",
		OrganizationID: "org-1",
		Action:         token.ActionMessageText,
	})
	require.ErrorIs(t, err, token.ErrNotMember)
	require.NoError(t, mock.ExpectationsWereMet())
}

