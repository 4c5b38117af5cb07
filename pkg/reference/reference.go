/**
 * @description
 * This package generates short, human-shareable order and ledger reference
 * codes: a routing-path prefix followed by 2 random letters, 4 random digits,
 * and 2 random letters (e.g. "WLQK4821ZR").
 *
 * @notes
 * - Uniqueness is NOT guaranteed here; the database enforces it with a unique
 *   index. Callers must catch a collision error and retry with a fresh suffix.
 *   At this alphabet size (~45.7M suffixes per prefix) collisions are rare but
 *   never impossible.
 */

package reference

import (
	"math/rand"
	"strings"
)

// Prefixes encode the routing path and channel an order took. Ledger entries
// use PrefixLedger regardless of path.
const (
	PrefixWebLive   = "WL"
	PrefixWebManual = "WM"
	PrefixAPILive   = "AL"
	PrefixAPIManual = "AM"
	PrefixLedger    = "TX"
)

const (
	letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits  = "0123456789"
)

// Generate builds prefix + 2 letters + 4 digits + 2 letters.
func Generate(prefix string) string {
	var b strings.Builder
	b.Grow(len(prefix) + 8)
	b.WriteString(prefix)
	for i := 0; i < 2; i++ {
		b.WriteByte(letters[rand.Intn(len(letters))])
	}
	for i := 0; i < 4; i++ {
		b.WriteByte(digits[rand.Intn(len(digits))])
	}
	for i := 0; i < 2; i++ {
		b.WriteByte(letters[rand.Intn(len(letters))])
	}
	return b.String()
}
