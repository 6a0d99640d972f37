package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ZeroHash is the reserved fingerprint for empty input. Returning a fixed
// value instead of erroring lets callers persist and compare fingerprints of
// snapshots that legitimately hold zero rows.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// RowKey is the minimal canonical tuple hashed for one row. The label must
// already be in raw form; Fingerprint normalizes it before hashing so
// cosmetic differences do not change the fingerprint.
type RowKey struct {
	Label    string `json:"keyword_canonical"`
	Anchor   string `json:"anchor"`
	Cluster  string `json:"cluster"`
	Intent   string `json:"intent"`
	Language string `json:"language"`
	FamilyID string `json:"canonical_family_id"`
}

// SHA256Hex returns the lowercase hex SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SHA256JSON marshals v to JSON and returns the hex SHA-256 digest.
func SHA256JSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint marshal failed: %w", err)
	}
	return SHA256Hex(string(data)), nil
}

// Fingerprint computes the deterministic base hash of a row set. Rows are
// mapped to canonical tuples, sorted by (anchor, normalized label, intent),
// JSON-serialized and SHA-256 hashed. Empty input yields ZeroHash.
//
// The result is invariant under input reordering and under cosmetic label
// differences (case, punctuation, extra whitespace).
func Fingerprint(rows []RowKey) string {
	if len(rows) == 0 {
		return ZeroHash
	}

	prepared := make([]RowKey, len(rows))
	for i, r := range rows {
		prepared[i] = RowKey{
			Label:    Normalize(r.Label),
			Anchor:   r.Anchor,
			Cluster:  r.Cluster,
			Intent:   r.Intent,
			Language: orDefault(r.Language, "English"),
			FamilyID: r.FamilyID,
		}
	}

	sort.Slice(prepared, func(i, j int) bool {
		a, b := prepared[i], prepared[j]
		if a.Anchor != b.Anchor {
			return a.Anchor < b.Anchor
		}
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		return a.Intent < b.Intent
	})

	data, err := json.Marshal(prepared)
	if err != nil {
		// RowKey contains only strings; Marshal cannot fail here.
		return ZeroHash
	}
	return SHA256Hex(string(data))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ShortHash returns the first n hex chars of a hash for compact logging.
func ShortHash(hash string, n int) string {
	if n <= 0 || n > len(hash) {
		return hash
	}
	return hash[:n]
}

// JoinKey builds a deterministic composite document key from parts, using the
// same separator convention everywhere so concurrent duplicate writes
// converge on the same id.
func JoinKey(parts ...string) string {
	return strings.Join(parts, "__")
}
