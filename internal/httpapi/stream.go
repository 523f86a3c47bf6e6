package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"tally.org/internal/stream"
	"tally.org/internal/token"
)

// handleEvents serves the ledger as Server-Sent Events, optionally filtered
// by organization_id.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	orgID := strings.TrimSpace(r.URL.Query().Get("organization_id"))
	ch := a.stream.Subscribe(ctx, orgID)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

// publish mirrors a committed ledger entry onto the event stream.
func (a *API) publish(orgID, userID string, txType token.TransactionType, action token.ActionType, txID string, amount, balanceAfter int64) {
	if a.stream == nil {
		return
	}
	a.stream.Publish(stream.LedgerEvent{
		TransactionID:  txID,
		OrganizationID: orgID,
		UserID:         userID,
		Type:           string(txType),
		ActionType:     string(action),
		Amount:         amount,
		BalanceAfter:   balanceAfter,
		Timestamp:      time.Now().UTC(),
	})
}
