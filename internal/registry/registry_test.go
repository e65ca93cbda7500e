package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeItem(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()

	writeItem(t, dir, "220-implement-auth.md", `---
outputs:
  - internal/auth/
worker: claude
---
Implement the auth package.
`)
	writeItem(t, dir, "221-implement-storage.md", "Implement storage.\n")
	writeItem(t, dir, "222-integration-tests.md", `---
depends_on: [220, 221]
---
Write integration tests.
`)
	writeItem(t, filepath.Join(dir, "infra"), "007-provision.md", "Provision infra.\n")

	r, err := Load([]string{dir, filepath.Join(dir, "does-not-exist")})
	require.NoError(t, err)
	return r
}

func TestLoadParsesFrontMatter(t *testing.T) {
	r := testRegistry(t)

	item, ok := r.Get("220")
	require.True(t, ok)
	assert.Equal(t, "implement-auth", item.Name)
	assert.Equal(t, []string{"internal/auth/"}, item.Outputs)
	assert.Equal(t, "claude", item.Worker)
	assert.Equal(t, "Implement the auth package.\n", item.Content)

	item, ok = r.Get("222")
	require.True(t, ok)
	assert.Equal(t, []string{"220", "221"}, item.DependsOn)
}

func TestResolveNumericToken(t *testing.T) {
	r := testRegistry(t)

	item, err := r.Resolve("220")
	require.NoError(t, err)
	assert.Equal(t, "220", item.ID)

	// Zero-padding applies during resolution.
	item, err = r.Resolve("infra/7")
	require.NoError(t, err)
	assert.Equal(t, "infra/007", item.ID)
}

func TestResolveByName(t *testing.T) {
	r := testRegistry(t)

	item, err := r.Resolve("implement-storage")
	require.NoError(t, err)
	assert.Equal(t, "221", item.ID)
}

func TestResolveUnknownToken(t *testing.T) {
	r := testRegistry(t)

	_, err := r.Resolve("999")
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, "999", nfErr.Token)

	_, err = r.Resolve("implement")
	require.ErrorAs(t, err, &nfErr)
	assert.NotEmpty(t, nfErr.Suggestions)
}

func TestItemsSortedByID(t *testing.T) {
	r := testRegistry(t)

	var ids []string
	for _, item := range r.Items() {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"220", "221", "222", "infra/007"}, ids)
}
