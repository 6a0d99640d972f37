package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const taxonomyYAML = `
categories:
  - id: cat_espresso
    name: Espresso
    anchors: [machines, beans, grinders]
    sub_groups:
      - name: hardware
        anchors: [machines, grinders]
      - name: consumables
        anchors: [beans]
  - id: cat_tea
    name: Tea
    anchors: [leaves, kettles]
`

func writeTaxonomy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad(t *testing.T) {
	reg, err := Load(writeTaxonomy(t, taxonomyYAML))
	require.NoError(t, err)

	require.Len(t, reg.Categories, 2)
	assert.Equal(t, []string{"cat_espresso", "cat_tea"}, reg.IDs())

	cat, ok := reg.Find("cat_espresso")
	require.True(t, ok)
	assert.Equal(t, "Espresso", cat.Name)
	assert.Len(t, cat.SubGroups, 2)

	_, ok = reg.Find("cat_missing")
	assert.False(t, ok)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAMLErrors(t *testing.T) {
	_, err := Load(writeTaxonomy(t, "categories: [oops"))
	assert.Error(t, err)
}

func TestFingerprintIsDeterministic(t *testing.T) {
	reg, err := Load(writeTaxonomy(t, taxonomyYAML))
	require.NoError(t, err)

	a, err := reg.Fingerprint()
	require.NoError(t, err)
	b, err := reg.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprintInvariantUnderDeclarationOrder(t *testing.T) {
	shuffled := `
categories:
  - id: cat_tea
    name: Tea
    anchors: [kettles, leaves]
  - id: cat_espresso
    name: Espresso
    anchors: [grinders, beans, machines]
    sub_groups:
      - name: consumables
        anchors: [beans]
      - name: hardware
        anchors: [grinders, machines]
`
	a, err := Load(writeTaxonomy(t, taxonomyYAML))
	require.NoError(t, err)
	b, err := Load(writeTaxonomy(t, shuffled))
	require.NoError(t, err)

	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, err := b.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}

func TestFingerprintChangesOnStructuralEdit(t *testing.T) {
	base, err := Load(writeTaxonomy(t, taxonomyYAML))
	require.NoError(t, err)
	fa, err := base.Fingerprint()
	require.NoError(t, err)

	edited, err := Load(writeTaxonomy(t, taxonomyYAML))
	require.NoError(t, err)
	edited.Categories[0].Anchors = append(edited.Categories[0].Anchors, "tampers")
	fb, err := edited.Fingerprint()
	require.NoError(t, err)

	assert.NotEqual(t, fa, fb)
}

func TestFingerprintDoesNotMutateRegistry(t *testing.T) {
	reg, err := Load(writeTaxonomy(t, taxonomyYAML))
	require.NoError(t, err)

	_, err = reg.Fingerprint()
	require.NoError(t, err)

	// Declaration order survives fingerprinting.
	assert.Equal(t, []string{"cat_espresso", "cat_tea"}, reg.IDs())
	assert.Equal(t, []string{"machines", "beans", "grinders"}, reg.Categories[0].Anchors)
}
