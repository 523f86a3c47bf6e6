package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tally.org/internal/auth"
	"tally.org/internal/obs"
	"tally.org/internal/token"
)

type consumeRequest struct {
	UserID         string         `json:"user_id"`
	OrganizationID string         `json:"organization_id"`
	ActionType     string         `json:"action_type"`
	Metadata       map[string]any `json:"metadata"`
}

type refundRequest struct {
	UserID             string `json:"user_id"`
	OrganizationID     string `json:"organization_id"`
	Amount             int64  `json:"amount"`
	Reason             string `json:"reason"`
	DebitTransactionID string `json:"debit_transaction_id"`
}

type allocateRequest struct {
	OrganizationID string `json:"organization_id"`
	TargetUserID   string `json:"target_user_id"`
	Amount         int64  `json:"amount"`
	MonthlyQuota   *int64 `json:"monthly_quota"`
}

type purchaseRequest struct {
	OrganizationID string     `json:"organization_id"`
	Amount         int64      `json:"amount"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

type revokeRequest struct {
	OrganizationID string `json:"organization_id"`
	TargetUserID   string `json:"target_user_id"`
	Amount         int64  `json:"amount"`
}

type maintenanceRequest struct {
	OrganizationID string     `json:"organization_id"`
	AsOf           *time.Time `json:"as_of"`
}

type upsertCostRequest struct {
	OrganizationID string `json:"organization_id"`
	ActionType     string `json:"action_type"`
	TokenCost      int64  `json:"token_cost"`
	Enabled        bool   `json:"is_enabled"`
	AdminOnly      bool   `json:"admin_only"`
}

type listTransactionsResponse struct {
	Items      []token.Transaction `json:"items"`
	NextBefore string              `json:"next_before,omitempty"`
	AsOf       time.Time           `json:"as_of"`
}

// callerID prefers the authenticated subject; the body field is a dev-mode
// fallback that only applies when auth is disabled.
func callerID(r *http.Request, bodyUser string) string {
	if id, ok := auth.UserIDFromContext(r.Context()); ok {
		return id
	}
	return strings.TrimSpace(bodyUser)
}

func (a *API) handleConsume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req consumeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.tokens.Consume(r.Context(), token.ConsumeRequest{
		UserID:         callerID(r, req.UserID),
		OrganizationID: req.OrganizationID,
		Action:         token.ActionType(strings.TrimSpace(req.ActionType)),
		Metadata:       req.Metadata,
	})
	if err != nil {
		obs.ObserveConsume(req.ActionType, consumeFailureClass(err), 0)
		handleTokenError(w, r, err)
		return
	}
	obs.ObserveConsume(req.ActionType, "ok", res.Consumed)
	a.publish(req.OrganizationID, callerID(r, req.UserID), token.TxConsumption,
		token.ActionType(req.ActionType), res.TransactionID, res.Consumed, res.BalanceAfter)

	a.audit(r.Context(), "token.consume", map[string]any{
		"organization_id": req.OrganizationID,
		"action_type":     req.ActionType,
		"amount":          res.Consumed,
		"transaction_id":  res.TransactionID,
	})
	writeJSON(w, http.StatusCreated, res)
}

func consumeFailureClass(err error) string {
	switch {
	case errors.Is(err, token.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, token.ErrUnknownAction):
		return "unknown_action"
	case errors.Is(err, token.ErrActionDisabled):
		return "action_disabled"
	case errors.Is(err, token.ErrNoAllocation):
		return "no_allocation"
	case errors.Is(err, token.ErrNotMember), errors.Is(err, token.ErrPermissionDenied):
		return "denied"
	case errors.Is(err, token.ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}

func (a *API) handleRefund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.tokens.Refund(r.Context(), token.RefundRequest{
		UserID:             callerID(r, req.UserID),
		OrganizationID:     req.OrganizationID,
		Amount:             req.Amount,
		Reason:             req.Reason,
		DebitTransactionID: req.DebitTransactionID,
	})
	if err != nil {
		handleTokenError(w, r, err)
		return
	}

	if !res.Replayed {
		a.publish(req.OrganizationID, callerID(r, req.UserID), token.TxRefund,
			"", res.TransactionID, res.Refunded, res.BalanceAfter)
	}
	event := "token.refund"
	if res.Replayed {
		event = "token.refund.replay"
	}
	a.audit(r.Context(), event, map[string]any{
		"organization_id": req.OrganizationID,
		"amount":          res.Refunded,
		"transaction_id":  res.TransactionID,
		"debit_tx":        req.DebitTransactionID,
	})
	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (a *API) handleAllocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req allocateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.tokens.Allocate(r.Context(), token.AllocateRequest{
		AdminID:        callerID(r, ""),
		OrganizationID: req.OrganizationID,
		TargetUserID:   req.TargetUserID,
		Amount:         req.Amount,
		MonthlyQuota:   req.MonthlyQuota,
	})
	if err != nil {
		handleTokenError(w, r, err)
		return
	}

	a.publish(req.OrganizationID, req.TargetUserID, token.TxAllocation,
		"", res.TransactionID, req.Amount, res.BalanceAfter)
	a.audit(r.Context(), "token.allocate", map[string]any{
		"organization_id": req.OrganizationID,
		"target_user_id":  req.TargetUserID,
		"amount":          req.Amount,
		"transaction_id":  res.TransactionID,
	})
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handlePurchase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req purchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.tokens.Purchase(r.Context(), token.PurchaseRequest{
		AdminID:        callerID(r, ""),
		OrganizationID: req.OrganizationID,
		Amount:         req.Amount,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		handleTokenError(w, r, err)
		return
	}

	a.publish(req.OrganizationID, "", token.TxPurchase,
		"", res.TransactionID, req.Amount, res.TotalTokens)
	a.audit(r.Context(), "token.purchase", map[string]any{
		"organization_id": req.OrganizationID,
		"amount":          req.Amount,
		"transaction_id":  res.TransactionID,
	})
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.tokens.Revoke(r.Context(), token.RevokeRequest{
		AdminID:        callerID(r, ""),
		OrganizationID: req.OrganizationID,
		TargetUserID:   req.TargetUserID,
		Amount:         req.Amount,
	})
	if err != nil {
		handleTokenError(w, r, err)
		return
	}

	a.publish(req.OrganizationID, req.TargetUserID, token.TxRevocation,
		"", res.TransactionID, req.Amount, res.BalanceAfter)
	a.audit(r.Context(), "token.revoke", map[string]any{
		"organization_id": req.OrganizationID,
		"target_user_id":  req.TargetUserID,
		"amount":          req.Amount,
		"transaction_id":  res.TransactionID,
	})
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req maintenanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	asOf := time.Now().UTC()
	if req.AsOf != nil {
		asOf = req.AsOf.UTC()
	}

	results, err := a.tokens.ResetMonthly(r.Context(), req.OrganizationID, asOf)
	if err != nil {
		handleTokenError(w, r, err)
		return
	}

	a.audit(r.Context(), "token.monthly_reset", map[string]any{
		"organization_id": req.OrganizationID,
		"reset_count":     len(results),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"reset_count": len(results),
		"results":     results,
	})
}

func (a *API) handleExpire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req maintenanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	asOf := time.Now().UTC()
	if req.AsOf != nil {
		asOf = req.AsOf.UTC()
	}

	res, err := a.tokens.ExpireWallet(r.Context(), req.OrganizationID, asOf)
	if err != nil {
		handleTokenError(w, r, err)
		return
	}

	if res.Expired > 0 {
		a.audit(r.Context(), "token.expire", map[string]any{
			"organization_id": req.OrganizationID,
			"expired":         res.Expired,
			"transaction_id":  res.TransactionID,
		})
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleWallet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	orgID := strings.TrimSpace(r.URL.Query().Get("organization_id"))
	if orgID == "" {
		writeError(w, r, http.StatusBadRequest, "organization_id query parameter is required")
		return
	}
	wallet, err := a.tokens.GetWallet(r.Context(), orgID)
	if err != nil {
		handleTokenError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (a *API) handleAllocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	orgID := strings.TrimSpace(q.Get("organization_id"))
	if orgID == "" {
		writeError(w, r, http.StatusBadRequest, "organization_id query parameter is required")
		return
	}
	userID := callerID(r, q.Get("user_id"))
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	alloc, err := a.tokens.GetAllocation(r.Context(), orgID, userID)
	if err != nil {
		handleTokenError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	orgID := strings.TrimSpace(q.Get("organization_id"))
	if orgID == "" {
		writeError(w, r, http.StatusBadRequest, "organization_id query parameter is required")
		return
	}
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	filter := token.TransactionFilter{
		UserID: strings.TrimSpace(q.Get("user_id")),
		Type:   token.TransactionType(strings.TrimSpace(q.Get("type"))),
		Limit:  limit,
		Before: strings.TrimSpace(q.Get("before")),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown transaction type")
		return
	}

	items, err := a.tokens.ListTransactions(r.Context(), orgID, filter)
	if err != nil {
		handleTokenError(w, r, err)
		return
	}

	resp := listTransactionsResponse{
		Items: items,
		AsOf:  time.Now().UTC(),
	}
	// A full page means there may be older entries behind the last id.
	if len(items) == limit {
		resp.NextBefore = items[len(items)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCosts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.getCost(w, r)
	case http.MethodPut:
		a.putCost(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) getCost(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orgID := strings.TrimSpace(q.Get("organization_id"))
	action := strings.TrimSpace(q.Get("action_type"))
	if orgID == "" || action == "" {
		writeError(w, r, http.StatusBadRequest, "organization_id and action_type query parameters are required")
		return
	}
	cost, err := a.tokens.ResolveCost(r.Context(), orgID, token.ActionType(action))
	if err != nil {
		handleTokenError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cost)
}

func (a *API) putCost(w http.ResponseWriter, r *http.Request) {
	var req upsertCostRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	cost, err := a.tokens.UpsertActionCost(r.Context(), token.UpsertActionCostRequest{
		AdminID:        callerID(r, ""),
		OrganizationID: req.OrganizationID,
		Action:         token.ActionType(strings.TrimSpace(req.ActionType)),
		TokenCost:      req.TokenCost,
		Enabled:        req.Enabled,
		AdminOnly:      req.AdminOnly,
	})
	if err != nil {
		handleTokenError(w, r, err)
		return
	}

	a.audit(r.Context(), "token.cost.upsert", map[string]any{
		"organization_id": req.OrganizationID,
		"action_type":     req.ActionType,
		"token_cost":      req.TokenCost,
		"is_enabled":      req.Enabled,
	})
	writeJSON(w, http.StatusOK, cost)
}

// --- organizations ---

type createOrgRequest struct {
	Name string `json:"name"`
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (a *API) handleOrgsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req createOrgRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	org, err := a.tokens.CreateOrganization(r.Context(), req.Name)
	if err != nil {
		handleTokenError(w, r, err)
		return
	}

	a.audit(r.Context(), "org.create", map[string]any{
		"organization_id": org.ID,
		"name":            org.Name,
	})
	w.Header().Set("Location", "/v1/orgs/"+org.ID)
	writeJSON(w, http.StatusCreated, org)
}

func (a *API) handleOrgScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/orgs/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "members" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req addMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	member, err := a.tokens.AddMember(r.Context(), parts[0], req.UserID, token.Role(strings.TrimSpace(req.Role)))
	if err != nil {
		handleTokenError(w, r, err)
		return
	}

	a.audit(r.Context(), "org.member.add", map[string]any{
		"organization_id": parts[0],
		"user_id":         member.UserID,
		"role":            string(member.Role),
	})
	writeJSON(w, http.StatusCreated, member)
}

// --- helpers ---

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleTokenError(w http.ResponseWriter, r *http.Request, err error) {
	var balErr *token.InsufficientBalanceError
	if errors.As(err, &balErr) {
		writeErrorDetails(w, r, http.StatusConflict, balErr.Error(), map[string]any{
			"required":  balErr.Required,
			"available": balErr.Available,
		})
		return
	}
	var poolErr *token.InsufficientOrgPoolError
	if errors.As(err, &poolErr) {
		writeErrorDetails(w, r, http.StatusConflict, poolErr.Error(), map[string]any{
			"available": poolErr.Available,
			"requested": poolErr.Requested,
		})
		return
	}

	switch {
	case errors.Is(err, token.ErrInvalidInput), errors.Is(err, token.ErrUnknownAction):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, token.ErrActionDisabled),
		errors.Is(err, token.ErrNotMember),
		errors.Is(err, token.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, token.ErrNoAllocation),
		errors.Is(err, token.ErrWalletNotFound),
		errors.Is(err, token.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, token.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorDetails(w, r, code, msg, nil)
}

func writeErrorDetails(w http.ResponseWriter, r *http.Request, code int, msg string, details map[string]any) {
	payload := map[string]any{
		"error": msg,
	}
	for k, v := range details {
		payload[k] = v
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
