package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func runApp(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out

	err := app.Run(append([]string{"allocbench"}, args...))
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	out, err := runApp(t, "run", "--operations", "300", "--strategy", "free_list", "--heap-only", "--detailed")
	require.NoError(t, err)

	var report struct {
		Operations int
		Heap       struct {
			Strategy string
			Map      json.RawMessage
		}
		Pool *struct{}
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, 300, report.Operations)
	require.Equal(t, "free_list", report.Heap.Strategy)
	require.NotEmpty(t, report.Heap.Map)
	require.Nil(t, report.Pool)
}

func TestCompareCommand(t *testing.T) {
	out, err := runApp(t, "compare", "--operations", "200", "--seed", "3")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)

	for i, expected := range []string{"first_fit", "next_fit", "free_list"} {
		var report struct {
			Seed int64
			Heap struct {
				Strategy string
			}
		}
		require.NoError(t, json.Unmarshal([]byte(lines[i]), &report))
		require.Equal(t, int64(3), report.Seed)
		require.Equal(t, expected, report.Heap.Strategy)
	}
}

func TestDumpConfigRoundTrip(t *testing.T) {
	out, err := runApp(t, "dumpconfig", "--strategy", "next_fit", "--operations", "50")
	require.NoError(t, err)
	require.Contains(t, out, `strategy = "next_fit"`)

	path := filepath.Join(t.TempDir(), "workload.toml")
	require.NoError(t, os.WriteFile(path, []byte(out), 0o600))

	out, err = runApp(t, "run", "--config", path, "--pool-only")
	require.NoError(t, err)
	require.Contains(t, out, `"Operations":50`)
	require.NotContains(t, out, `"Heap"`)
}

func TestBadStrategy(t *testing.T) {
	_, err := runApp(t, "run", "--strategy", "best_fit")
	require.Error(t, err)
}
