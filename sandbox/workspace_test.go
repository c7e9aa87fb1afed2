package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspace(t *testing.T) {
	t.Run("MaterializeAndRead", func(t *testing.T) {
		ws, err := NewWorkspace(t.TempDir())
		require.NoError(t, err)
		defer ws.Destroy()

		require.NoError(t, ws.Materialize(map[string]string{
			"solution.py":            "x = 1\n",
			"tests/unit/test_sol.py": "def test(): pass\n",
		}))

		data, err := os.ReadFile(filepath.Join(ws.Dir(), "tests", "unit", "test_sol.py"))
		require.NoError(t, err)
		assert.Equal(t, "def test(): pass\n", string(data))

		data, err = ws.ReadFile("solution.py", 1024)
		require.NoError(t, err)
		assert.Equal(t, "x = 1\n", string(data))
	})

	t.Run("RejectsTraversal", func(t *testing.T) {
		root := t.TempDir()
		ws, err := NewWorkspace(root)
		require.NoError(t, err)
		defer ws.Destroy()

		err = ws.Materialize(map[string]string{"../escape.txt": "nope"})
		require.Error(t, err)
		assert.NoFileExists(t, filepath.Join(root, "escape.txt"))
	})

	t.Run("RejectsAbsolutePath", func(t *testing.T) {
		ws, err := NewWorkspace(t.TempDir())
		require.NoError(t, err)
		defer ws.Destroy()

		err = ws.Materialize(map[string]string{"/etc/cron.d/evil": "nope"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "absolute path")
	})

	t.Run("SymlinkedReportStaysInside", func(t *testing.T) {
		outside := filepath.Join(t.TempDir(), "secret.txt")
		require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))

		ws, err := NewWorkspace(t.TempDir())
		require.NoError(t, err)
		defer ws.Destroy()

		require.NoError(t, os.Symlink(outside, filepath.Join(ws.Dir(), "report.json")))

		_, err = ws.ReadFile("report.json", 1024)
		require.Error(t, err)
	})

	t.Run("ReadFileLimit", func(t *testing.T) {
		ws, err := NewWorkspace(t.TempDir())
		require.NoError(t, err)
		defer ws.Destroy()

		require.NoError(t, ws.WriteFile("big.json", []byte(strings.Repeat("a", 100))))

		_, err = ws.ReadFile("big.json", 10)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds")
	})

	t.Run("DestroyRemovesLockedDirectories", func(t *testing.T) {
		ws, err := NewWorkspace(t.TempDir())
		require.NoError(t, err)

		require.NoError(t, ws.WriteFile("locked/file.txt", []byte("x")))
		require.NoError(t, os.Chmod(filepath.Join(ws.Dir(), "locked"), 0o500))

		require.NoError(t, ws.Destroy())
		assert.NoDirExists(t, ws.Dir())
	})

	t.Run("HandoverWithoutRootIsNoop", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("running as root")
		}
		ws, err := NewWorkspace(t.TempDir())
		require.NoError(t, err)
		defer ws.Destroy()

		require.NoError(t, ws.Handover(Identity{UID: 61000, GID: 61000}))
	})
}
