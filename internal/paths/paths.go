// Package paths resolves where the service keeps local state: the audit
// spool and rotated log files.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultDataRoot = "/var/lib/ts-license"
	dataRootEnv     = "LICENSE_DATA_ROOT"
)

// ResolveDataRoot returns LICENSE_DATA_ROOT or DefaultDataRoot.
func ResolveDataRoot() string {
	if root := os.Getenv(dataRootEnv); root != "" {
		return root
	}
	return DefaultDataRoot
}

// SpoolDir is the default audit spool directory.
func SpoolDir() string {
	return filepath.Join(ResolveDataRoot(), "audit_spool")
}

// LogFile places a relative log file name under <data root>/logs. Absolute
// names are returned unchanged.
func LogFile(name string) (string, error) {
	if name == "" || filepath.IsAbs(name) {
		return name, nil
	}
	return SafeJoin(ResolveDataRoot(), "logs", name)
}

// EnsureDirs creates dir and its parents.
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SafeJoin joins path elements and ensures the result stays within base.
func SafeJoin(base string, elements ...string) (string, error) {
	for _, el := range elements {
		if filepath.IsAbs(el) {
			return "", fmt.Errorf("path traversal attempt detected: absolute path not allowed in elements: %s", el)
		}
	}
	joined := filepath.Join(append([]string{base}, elements...)...)

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}

	if absJoined != absBase && !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt detected: %s is outside %s", absJoined, absBase)
	}
	return absJoined, nil
}
