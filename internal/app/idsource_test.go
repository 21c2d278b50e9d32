package app

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadIDsCSV(t *testing.T) {
	path := writeFile(t, "data.csv", "\ufeffwnid,name\n n001 ,cat\n,empty\nn002,dog\nn001,cat again\n\"n003\",\"quoted, name\"\n")

	ids, err := LoadIDs(path, "wnid")
	require.NoError(t, err)
	assert.Equal(t, []string{"n001", "n002", "n001", "n003"}, ids)
}

func TestLoadIDsTSVAndOtherColumn(t *testing.T) {
	path := writeFile(t, "data.tsv", "name\tid\ncat\tn010\ndog\tn011\nshort\n")

	ids, err := LoadIDs(path, "id")
	require.NoError(t, err)
	assert.Equal(t, []string{"n010", "n011"}, ids)
}

func TestLoadIDsErrors(t *testing.T) {
	_, err := LoadIDs(filepath.Join(t.TempDir(), "missing.csv"), "wnid")
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	_, err = LoadIDs(writeFile(t, "data.csv", "id,name\nn001,cat\n"), "wnid")
	assert.ErrorIs(t, err, ErrMissingColumn)

	_, err = LoadIDs(writeFile(t, "data.csv", "wnid\n \n\n"), "wnid")
	assert.ErrorIs(t, err, ErrNoItems)

	_, err = LoadIDs(writeFile(t, "data.csv", ""), "wnid")
	assert.ErrorIs(t, err, ErrNoItems)
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"b", "a", "c"}, Dedupe([]string{"b", "a", "b", "c", "a"}))
	assert.Empty(t, Dedupe(nil))
}
