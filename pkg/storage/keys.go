package storage

import (
	"fmt"
	"time"
)

// Key schema for Pebble storage:
//
//   acc:<email>                        → wallet account
//   ord:<orderID>                      → latest order revision
//   led:<payer>:<unixnano>:<entryID>   → ledger entry
//   debt:<unixnano>:<debtID>           → reconciliation debt

// Key prefixes
const (
	prefixAccount = "acc:"
	prefixOrder   = "ord:"
	prefixLedger  = "led:"
	prefixDebt    = "debt:"
)

// accountKey returns the key for a wallet account
// Format: "acc:{email}"
func accountKey(email string) []byte {
	return []byte(prefixAccount + email)
}

// orderKey returns the key for an order
// Format: "ord:{orderID}"
func orderKey(orderID string) []byte {
	return []byte(prefixOrder + orderID)
}

// ledgerKey returns the key for a ledger entry.
// Timestamp is zero-padded (20 digits) for lexicographic sorting
func ledgerKey(payer string, at time.Time, entryID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixLedger, payer, at.UnixNano(), entryID))
}

// ledgerPrefix returns the prefix for one payer's entries, or all entries when payer is empty
func ledgerPrefix(payer string) []byte {
	if payer == "" {
		return []byte(prefixLedger)
	}
	return []byte(prefixLedger + payer + ":")
}

func debtKey(at time.Time, debtID string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixDebt, at.UnixNano(), debtID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
