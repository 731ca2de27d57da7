package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckRemoteURL(t *testing.T) {
	require.NoError(t, CheckRemoteURL("https://arxiv.org/pdf/1706.03762"))
	require.NoError(t, CheckRemoteURL("http://example.org/a.pdf"))
	for _, raw := range []string{"file:///etc/passwd", "ftp://example.org/a.pdf", "/etc/passwd", "https:///nohost"} {
		require.ErrorIs(t, CheckRemoteURL(raw), ErrSourceNotAllowed, raw)
	}
}

func TestLocalPathUnder(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "alice", "a.pdf")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0o644))

	got, err := LocalPathUnder(root, "file://"+filepath.ToSlash(path))
	require.NoError(t, err)
	require.Equal(t, "a.pdf", filepath.Base(got))

	_, err = LocalPathUnder(root, "file:///etc/passwd")
	require.ErrorIs(t, err, ErrSourceNotAllowed)
	_, err = LocalPathUnder(root, "file://"+filepath.ToSlash(root)+"/../outside.pdf")
	require.ErrorIs(t, err, ErrSourceNotAllowed)
	_, err = LocalPathUnder("", "file://"+filepath.ToSlash(path))
	require.ErrorIs(t, err, ErrSourceNotAllowed)
}
