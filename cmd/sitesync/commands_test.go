package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBatchFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	raws, err := readBatchFile(write("wrapped.json", `{"actions":[{"id":"a1"},{"id":"a2"}]}`))
	require.NoError(t, err)
	assert.Len(t, raws, 2)

	raws, err = readBatchFile(write("bare.json", `[{"id":"a1"}, 42]`))
	require.NoError(t, err)
	require.Len(t, raws, 2)
	assert.JSONEq(t, `42`, string(raws[1]))

	_, err = readBatchFile(write("bad.json", `{"actions":`))
	assert.Error(t, err)

	_, err = readBatchFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestSortedKeys(t *testing.T) {
	got := sortedKeys(map[string]int{"OWNER": 1, "LABOUR": 2, "MANAGER": 3})
	assert.Equal(t, []string{"LABOUR", "MANAGER", "OWNER"}, got)
}
