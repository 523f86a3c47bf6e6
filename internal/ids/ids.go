package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier. Ledger pagination
// relies on this: ordering transaction ids orders them by creation time, so
// an id doubles as a cursor.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// IsValid reports whether s parses as an identifier produced by New. Used to
// reject malformed pagination cursors before they reach the store.
func IsValid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
