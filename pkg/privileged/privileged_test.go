package privileged

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHaveFindsCommandOnPath(t *testing.T) {
	require.True(t, Have("ls"))
	require.False(t, Have("definitely-not-a-real-binary-xyz"))
}

func TestEnsureDirCreatesNestedPath(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a", "b", "c")

	require.NoError(t, EnsureDir(target, 0o755))

	info, err := os.Stat(target)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestWriteFileWritesDirectlyWhenWritable(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "sub", "file.txt")

	require.NoError(t, WriteFile(target, []byte("hello"), 0o644))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestCopyFileCopiesDirectlyWhenWritable(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src.txt")
	dest := filepath.Join(root, "dest.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	mode := os.FileMode(0o600)
	require.NoError(t, CopyFile(src, dest, &mode))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	res, err := Run([]string{"sh", "-c", "echo out; echo err 1>&2; exit 3"}, false)
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
	require.Contains(t, res.Stdout, "out")
	require.Contains(t, res.Stderr, "err")
}

func TestRunCheckedReturnsErrorOnNonzeroExit(t *testing.T) {
	_, err := RunChecked([]string{"sh", "-c", "echo boom 1>&2; exit 1"}, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}
