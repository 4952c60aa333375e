package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDataRoot(t *testing.T) {
	t.Setenv(dataRootEnv, "")
	assert.Equal(t, DefaultDataRoot, ResolveDataRoot())

	t.Setenv(dataRootEnv, "/srv/license")
	assert.Equal(t, "/srv/license", ResolveDataRoot())
	assert.Equal(t, "/srv/license/audit_spool", SpoolDir())
}

func TestLogFile(t *testing.T) {
	root := t.TempDir()
	t.Setenv(dataRootEnv, root)

	p, err := LogFile("server.log")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "logs", "server.log"), p)

	p, err = LogFile("/var/log/ts-license.log")
	require.NoError(t, err)
	assert.Equal(t, "/var/log/ts-license.log", p)

	_, err = LogFile("../../etc/passwd")
	assert.Error(t, err)
}

func TestSafeJoin(t *testing.T) {
	base := t.TempDir()

	cases := []struct {
		name     string
		elements []string
		valid    bool
	}{
		{"normal", []string{"logs", "app.log"}, true},
		{"parent", []string{"..", "other"}, false},
		{"nested_parent", []string{"logs", "..", "..", "secrets"}, false},
		{"sibling_prefix", []string{"..", filepath.Base(base) + "-evil"}, false},
		{"absolute", []string{"/etc/passwd"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := SafeJoin(base, tc.elements...)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "a", "b")
	require.NoError(t, EnsureDirs(dir))
	assert.DirExists(t, dir)
}
