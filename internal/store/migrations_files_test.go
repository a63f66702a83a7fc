package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

var migrationName = regexp.MustCompile(`^(\d{4})_[a-z0-9_]+\.(up|down)\.sql$`)

// TestMigrationVersionsArePairedAndContiguous guards the runner's ordering:
// files apply in name order, so versions must be zero-padded, gap-free and
// each reversible.
func TestMigrationVersionsArePairedAndContiguous(t *testing.T) {
	entries, err := os.ReadDir(filepath.Join("..", "..", "db", "migrations"))
	require.NoError(t, err)

	pairs := map[int]map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		require.NotNil(t, match, "unexpected file in migrations dir: %s", entry.Name())

		version, err := strconv.Atoi(match[1])
		require.NoError(t, err)
		if pairs[version] == nil {
			pairs[version] = map[string]string{}
		}
		require.Empty(t, pairs[version][match[2]], "duplicate %s file for version %04d", match[2], version)
		pairs[version][match[2]] = entry.Name()
	}
	require.NotEmpty(t, pairs, "no migrations discovered")

	for v := 1; v <= len(pairs); v++ {
		files, ok := pairs[v]
		require.True(t, ok, "missing migration version %04d", v)
		require.NotEmpty(t, files["up"], "version %04d has no up file", v)
		require.NotEmpty(t, files["down"], "version %04d has no down file", v)
		require.Equal(t, files["up"][:len(files["up"])-len(".up.sql")], files["down"][:len(files["down"])-len(".down.sql")],
			fmt.Sprintf("version %04d up/down names differ", v))
	}
}
