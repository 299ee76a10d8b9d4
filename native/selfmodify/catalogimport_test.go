package selfmodify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeSeedFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog-seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestImportCatalogSeed(t *testing.T) {
	path := writeSeedFile(t, `
services:
  - service_id: summarize-doc
    price_micros: 500000
  - service_id: translate-text
    price_micros: 250000
`)
	rows, err := ImportCatalogSeed(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "summarize-doc", rows[0].ServiceID)
	require.Equal(t, int64(500000), rows[0].PriceMicros)
	require.Equal(t, int64(0), rows[0].Orders)
}

func TestImportCatalogSeedRejectsDuplicateID(t *testing.T) {
	path := writeSeedFile(t, `
services:
  - service_id: summarize-doc
    price_micros: 500000
  - service_id: summarize-doc
    price_micros: 600000
`)
	_, err := ImportCatalogSeed(path)
	require.Error(t, err)
}

func TestImportCatalogSeedRejectsNonPositivePrice(t *testing.T) {
	path := writeSeedFile(t, `
services:
  - service_id: summarize-doc
    price_micros: 0
`)
	_, err := ImportCatalogSeed(path)
	require.Error(t, err)
}

func TestImportCatalogSeedMissingFile(t *testing.T) {
	_, err := ImportCatalogSeed(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
