// Package snapshot implements versioned snapshot documents and their chunked
// bulk row payloads. A snapshot is one artifact for a (domain, category,
// country, language) key; its row data is persisted as fixed-size,
// hash-verified chunks under the snapshot document.
package snapshot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Lifecycle is the trust state of a snapshot.
type Lifecycle string

const (
	LifecycleDraft         Lifecycle = "DRAFT"
	LifecycleHydrated      Lifecycle = "HYDRATED"
	LifecycleValidated     Lifecycle = "VALIDATED"
	LifecycleValidatedLite Lifecycle = "VALIDATED_LITE"
	LifecycleCertified     Lifecycle = "CERTIFIED"
	LifecycleCertifiedFull Lifecycle = "CERTIFIED_FULL"
	LifecycleCertifiedLite Lifecycle = "CERTIFIED_LITE"
	// LifecyclePoisoned marks a certified snapshot later found to hold
	// degenerate values. Terminal for trust purposes; the document is
	// retained for audit, never deleted.
	LifecyclePoisoned Lifecycle = "POISONED"
)

// ErrPoisoned is returned by readers that refuse to consume row data from a
// poisoned snapshot. Match with errors.Is.
var ErrPoisoned = errors.New("snapshot is poisoned")

// CertifiedSet is the single authoritative list of certified lifecycle
// values. Resolution, repair and audit all consume this set; it is defined
// exactly once.
var CertifiedSet = []Lifecycle{LifecycleCertified, LifecycleCertifiedFull, LifecycleCertifiedLite}

// ValidatedSet is the single authoritative list of validated (but not yet
// certified) lifecycle values.
var ValidatedSet = []Lifecycle{LifecycleValidated, LifecycleValidatedLite, LifecycleHydrated}

// IsCertified reports whether l is in the certified set.
func (l Lifecycle) IsCertified() bool {
	for _, c := range CertifiedSet {
		if l == c {
			return true
		}
	}
	return false
}

// IsValidated reports whether l is in the validated set.
func (l Lifecycle) IsValidated() bool {
	for _, v := range ValidatedSet {
		if l == v {
			return true
		}
	}
	return false
}

// LifecycleStrings converts a lifecycle set to its string form for queries.
func LifecycleStrings(set []Lifecycle) []string {
	out := make([]string, len(set))
	for i, l := range set {
		out[i] = string(l)
	}
	return out
}

// RowStatus is the validation state of one row.
type RowStatus string

const (
	RowUnverified RowStatus = "UNVERIFIED"
	RowValid      RowStatus = "VALID"
	RowLow        RowStatus = "LOW"
	RowZero       RowStatus = "ZERO"
	RowError      RowStatus = "ERROR"
)

// Row is one line item inside a snapshot's bulk dataset. Rows are owned
// exclusively by their parent snapshot and are never referenced across
// snapshots.
type Row struct {
	ID               string    `json:"id"`
	Keyword          string    `json:"keyword"`
	KeywordCanonical string    `json:"keyword_canonical"`
	AnchorID         string    `json:"anchor_id"`
	Cluster          string    `json:"cluster,omitempty"`
	Intent           string    `json:"intent,omitempty"`
	Language         string    `json:"language,omitempty"`
	FamilyID         string    `json:"canonical_family_id,omitempty"`
	Status           RowStatus `json:"status"`
	ValidationTier   string    `json:"validation_tier,omitempty"`
	Volume           float64   `json:"volume"`
	CPC              float64   `json:"cpc"`
	Competition      float64   `json:"competition"`
	ValidatedAtISO   string    `json:"validated_at_iso,omitempty"`
	Active           bool      `json:"active"`
}

// Anchor is a named partition rows are grouped under within a category.
type Anchor struct {
	ID   string `json:"anchor_id"`
	Name string `json:"name"`
}

// Targets holds the acceptance targets a snapshot is validated against.
type Targets struct {
	PerAnchor        int `json:"per_anchor"`
	ValidationMinVol int `json:"validation_min_vol"`
}

// Stats holds row counts and per-partition breakdowns.
// Invariant: ValidTotal + ZeroTotal + ErrorTotal <= KeywordsTotal.
type Stats struct {
	AnchorsTotal   int            `json:"anchors_total"`
	KeywordsTotal  int            `json:"keywords_total"`
	ValidatedTotal int            `json:"validated_total"`
	ValidTotal     int            `json:"valid_total"`
	ZeroTotal      int            `json:"zero_total"`
	LowTotal       int            `json:"low_total"`
	ErrorTotal     int            `json:"error_total"`
	PerAnchorValid map[string]int `json:"per_anchor_valid_counts,omitempty"`
	PerAnchorTotal map[string]int `json:"per_anchor_total_counts,omitempty"`
}

// Integrity records the chunk layout and combined hash of the row payload.
// ChunkCount must equal the number of persisted chunk records.
type Integrity struct {
	SHA256     string `json:"sha256"`
	ChunkCount int    `json:"chunk_count"`
	ChunkSize  int    `json:"chunk_size"`
}

// Snapshot is the versioned metadata document for one artifact.
type Snapshot struct {
	SnapshotID   string    `json:"snapshot_id"`
	CategoryID   string    `json:"category_id"`
	CountryCode  string    `json:"country_code"`
	LanguageCode string    `json:"language_code"`
	Lifecycle    Lifecycle `json:"lifecycle"`
	CreatedAtISO string    `json:"created_at_iso"`
	UpdatedAtISO string    `json:"updated_at_iso"`
	Anchors      []Anchor  `json:"anchors"`
	Targets      Targets   `json:"targets"`
	Stats        Stats     `json:"stats"`
	Integrity    Integrity `json:"integrity"`

	// Poison audit trail, set only by the repair service.
	Poisoned     bool   `json:"poisoned,omitempty"`
	PoisonedAt   string `json:"poisoned_at,omitempty"`
	PoisonReason string `json:"poison_reason,omitempty"`
	PoisonedBy   string `json:"poisoned_by,omitempty"`
}

// Month returns the YYYY-MM window the snapshot was created in.
func (s *Snapshot) Month() string {
	if len(s.CreatedAtISO) < 7 {
		return ""
	}
	return s.CreatedAtISO[:7]
}

// Scope identifies one (category, country, language) snapshot family.
type Scope struct {
	CategoryID   string
	CountryCode  string
	LanguageCode string
}

// NewSnapshotID allocates a creation-time-ordered snapshot id. The embedded
// unix-millisecond prefix is monotonic enough for "latest" ordering without a
// dedicated sequence; the uuid suffix keeps concurrent allocations distinct.
func NewSnapshotID() string {
	return fmt.Sprintf("snap_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// IsRealSnapshotID reports whether id names a real data snapshot. Diagnostic
// artifacts written by probes (diag_*, anything mentioning integrity) must
// never resolve as active data.
func IsRealSnapshotID(id string) bool {
	if id == "" {
		return false
	}
	if !strings.HasPrefix(id, "snap_") && !strings.HasPrefix(id, "cbv3_") {
		return false
	}
	if strings.HasPrefix(id, "diag_") || strings.HasPrefix(id, "v4_check_") || strings.Contains(id, "integrity") {
		return false
	}
	return true
}

// MonthKey returns the YYYY-MM window id for t in UTC.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// CurrentMonthKey returns the current YYYY-MM window id.
func CurrentMonthKey() string {
	return MonthKey(time.Now())
}
