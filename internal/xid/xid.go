// Package xid mints prefixed identifiers for draft lines, sales and
// closures. Ids only need to be unique within one shop's lifetime, not
// globally, so a millisecond timestamp plus a short random tail is
// enough.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

func New(prefix string) string {
	tail := make([]byte, 6)
	if _, err := rand.Read(tail); err != nil {
		// Timestamp-only fallback stays unique enough for a single till.
		return fmt.Sprintf("%s-%x", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%x-%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(tail))
}
