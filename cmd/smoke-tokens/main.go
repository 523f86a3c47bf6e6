package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"
)

// End-to-end smoke test against a running tally-api: provisions an org,
// funds it, allocates to a member, burns tokens and checks conservation.
func main() {
	base := os.Getenv("TALLY_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	c := &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}

	adminToken := c.token("smoke-admin")
	memberToken := c.token("smoke-member")

	var org struct {
		ID string `json:"id"`
	}
	c.post(adminToken, "/v1/orgs", map[string]any{"name": fmt.Sprintf("smoke-%d", time.Now().UnixNano())}, &org)
	c.post(adminToken, "/v1/orgs/"+org.ID+"/members", map[string]any{"user_id": "smoke-admin", "role": "admin"}, nil)
	c.post(adminToken, "/v1/orgs/"+org.ID+"/members", map[string]any{"user_id": "smoke-member", "role": "member"}, nil)

	c.post(adminToken, "/v1/tokens/purchase", map[string]any{"organization_id": org.ID, "amount": 1000}, nil)
	c.post(adminToken, "/v1/tokens/allocate", map[string]any{
		"organization_id": org.ID, "target_user_id": "smoke-member", "amount": 100,
	}, nil)

	var debit struct {
		TransactionID string `json:"transaction_id"`
		Consumed      int64  `json:"consumed"`
		BalanceAfter  int64  `json:"balance_after"`
	}
	c.post(memberToken, "/v1/tokens/consume", map[string]any{
		"organization_id": org.ID, "action_type": "ai_summary",
	}, &debit)
	if debit.BalanceAfter != 100-debit.Consumed {
		log.Fatalf("balance mismatch: consumed %d, left %d", debit.Consumed, debit.BalanceAfter)
	}

	var wallet struct {
		TotalTokens     int64 `json:"total_tokens"`
		TokensAllocated int64 `json:"tokens_allocated"`
		TokensConsumed  int64 `json:"tokens_consumed"`
	}
	c.get(memberToken, "/v1/tokens/wallet", url.Values{"organization_id": {org.ID}}, &wallet)
	if wallet.TotalTokens != 1000 || wallet.TokensAllocated != 100 || wallet.TokensConsumed != debit.Consumed {
		log.Fatalf("wallet out of balance: %+v", wallet)
	}

	// Refund replay must not double-credit.
	refundBody := map[string]any{
		"organization_id": org.ID, "amount": debit.Consumed,
		"reason": "smoke", "debit_transaction_id": debit.TransactionID,
	}
	c.post(memberToken, "/v1/tokens/refund", refundBody, nil)
	c.post(memberToken, "/v1/tokens/refund", refundBody, nil)

	var alloc struct {
		CurrentBalance int64 `json:"current_balance"`
	}
	c.get(memberToken, "/v1/tokens/allocation", url.Values{"organization_id": {org.ID}}, &alloc)
	if alloc.CurrentBalance != 100 {
		log.Fatalf("refund replay double-credited: balance %d", alloc.CurrentBalance)
	}

	fmt.Printf("✅ token smoke test passed: org=%s\n", org.ID)
}

type client struct {
	base string
	http *http.Client
}

func (c *client) token(user string) string {
	var resp struct {
		Token string `json:"token"`
	}
	c.post("", "/v1/auth/token", map[string]any{"user": user}, &resp)
	return resp.Token
}

func (c *client) post(token, path string, body, out any) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal %s: %v", path, err)
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("request %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.do(req, token, path, out)
}

func (c *client) get(token, path string, params url.Values, out any) {
	req, err := http.NewRequest(http.MethodGet, c.base+path+"?"+params.Encode(), nil)
	if err != nil {
		log.Fatalf("request %s: %v", path, err)
	}
	c.do(req, token, path, out)
}

func (c *client) do(req *http.Request, token, path string, out any) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("call %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var msg map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&msg)
		log.Fatalf("%s returned %d: %v", path, resp.StatusCode, msg)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", path, err)
		}
	}
}
