package canon

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"lowercase", "Espresso Machine", "espresso machine"},
		{"trim", "  beans  ", "beans"},
		{"punctuation dropped", "semi-automatic, (best!)", "semiautomatic best"},
		{"diacritics stripped", "café crème", "cafe creme"},
		{"whitespace collapsed", "cold \t brew   maker", "cold brew maker"},
		{"digits kept", "15 bar pump", "15 bar pump"},
		{"only punctuation", "!!!", ""},
		{"trailing space after dropped token", "beans &", "beans"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	for _, s := range []string{"Café Crème!", "  A  B  ", "semi-automatic"} {
		once := Normalize(s)
		assert.Equal(t, once, Normalize(once))
	}
}

func sampleRows() []RowKey {
	return []RowKey{
		{Label: "Espresso Machine", Anchor: "a1", Cluster: "c1", Intent: "buy", FamilyID: "f1"},
		{Label: "coffee beans", Anchor: "a2", Cluster: "c2", Intent: "research", FamilyID: "f2"},
		{Label: "cold brew maker", Anchor: "a1", Cluster: "c1", Intent: "buy", FamilyID: "f3"},
	}
}

func TestFingerprintInvariantUnderReordering(t *testing.T) {
	rows := sampleRows()
	reversed := []RowKey{rows[2], rows[0], rows[1]}

	assert.Equal(t, Fingerprint(rows), Fingerprint(reversed))
}

func TestFingerprintInvariantUnderCosmeticLabelChanges(t *testing.T) {
	rows := sampleRows()
	cosmetic := sampleRows()
	cosmetic[0].Label = "  ESPRESSO-machine! "

	assert.Equal(t, Fingerprint(rows), Fingerprint(cosmetic))
}

func TestFingerprintChangesOnSemanticDifference(t *testing.T) {
	rows := sampleRows()

	moved := sampleRows()
	moved[0].Anchor = "a9"
	assert.NotEqual(t, Fingerprint(rows), Fingerprint(moved))

	renamed := sampleRows()
	renamed[1].Label = "tea leaves"
	assert.NotEqual(t, Fingerprint(rows), Fingerprint(renamed))
}

func TestFingerprintEmptyIsZeroHash(t *testing.T) {
	assert.Equal(t, ZeroHash, Fingerprint(nil))
	assert.Equal(t, ZeroHash, Fingerprint([]RowKey{}))
	assert.Len(t, ZeroHash, 64)
}

func TestFingerprintDefaultsLanguage(t *testing.T) {
	explicit := []RowKey{{Label: "beans", Anchor: "a1", Language: "English"}}
	implicit := []RowKey{{Label: "beans", Anchor: "a1"}}

	assert.Equal(t, Fingerprint(explicit), Fingerprint(implicit))
}

func TestFingerprintDoesNotMutateInput(t *testing.T) {
	rows := sampleRows()
	before := sampleRows()

	Fingerprint(rows)
	if diff := cmp.Diff(before, rows); diff != "" {
		t.Errorf("input rows mutated (-want +got):\n%s", diff)
	}
}

func TestSHA256Hex(t *testing.T) {
	// Known digest of the empty string.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		SHA256Hex(""))
	assert.NotEqual(t, SHA256Hex("a"), SHA256Hex("b"))
}

func TestShortHash(t *testing.T) {
	h := SHA256Hex("x")
	assert.Equal(t, h[:12], ShortHash(h, 12))
	assert.Equal(t, h, ShortHash(h, 0))
	assert.Equal(t, h, ShortHash(h, 500))
}

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "us__en__cat_espresso", JoinKey("us", "en", "cat_espresso"))
}
