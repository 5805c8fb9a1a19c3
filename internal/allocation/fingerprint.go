package allocation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/mkelholt/squadbid/internal/store"
)

// Fingerprint returns a stable digest of the bid set. A manual preview
// records it; commit recomputes and rejects when any bid changed in between.
func Fingerprint(bids []store.Bid) string {
	lines := make([]string, 0, len(bids))
	for _, b := range bids {
		lines = append(lines, fmt.Sprintf("%s|%s|%d", b.ItemID, b.TeamID, b.Amount))
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
