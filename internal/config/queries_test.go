package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadQuerySeeds_MissingPath(t *testing.T) {
	seeds, err := LoadQuerySeeds("")
	require.NoError(t, err)
	assert.Empty(t, seeds.Industries)

	seeds, err = LoadQuerySeeds("/nonexistent/queries.yaml")
	require.NoError(t, err)
	assert.Empty(t, seeds.Industries)
}

func TestLoadQuerySeeds_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queries.yaml")
	content := []byte(`industries:
  ergonomic pillows:
    en:
      - ergonomic pillow
      - cervical pillow
    de:
      - ergonomisches kissen
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	seeds, err := LoadQuerySeeds(path)
	require.NoError(t, err)

	langs := seeds.For("Ergonomic Pillows")
	assert.Equal(t, []string{"ergonomic pillow", "cervical pillow"}, langs["en"])
	assert.Equal(t, []string{"ergonomisches kissen"}, langs["de"])
}

func TestLoadQuerySeeds_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queries.yaml")
	require.NoError(t, os.WriteFile(path, []byte("industries: [not a map"), 0o600))

	_, err := LoadQuerySeeds(path)
	assert.Error(t, err)
}

func TestQuerySeeds_For_Fallback(t *testing.T) {
	seeds := &QuerySeeds{Industries: map[string]map[string][]string{}}
	langs := seeds.For("standing desks")
	assert.Equal(t, []string{"standing desks"}, langs["en"])
}
