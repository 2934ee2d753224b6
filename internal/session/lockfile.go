package session

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/nsm66/nsm66d/internal/infra/procexec"
)

// LockPath is a deterministic function of the session's simple name
// and its absolute path, so any daemon opening the same session
// computes the same lock file location (spec §4.B).
func LockPath(runtimeDir, sessionName, sessionPath string) string {
	sum := sha1.Sum([]byte(sessionPath))
	safe := strings.ReplaceAll(sessionName, string(filepath.Separator), "_")
	return filepath.Join(runtimeDir, fmt.Sprintf("%s.%s.lock", safe, hex.EncodeToString(sum[:8])))
}

// WriteLock writes lockPath with the session path and the daemon's OSC
// URL, one per line.
func WriteLock(lockPath, sessionPath, daemonURL string) error {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	body := sessionPath + "\n" + daemonURL + "\n"
	if err := os.WriteFile(lockPath, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	log.Debug().Str("path", lockPath).Msg("session lock written")
	return nil
}

// DeleteLock removes lockPath. Missing files are not an error.
func DeleteLock(lockPath string) error {
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete lock file: %w", err)
	}
	return nil
}

// ReadLock reads back the session path and daemon URL from an existing
// lock file, returning (sessionPath, daemonURL, error).
func ReadLock(lockPath string) (string, string, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "", "", fmt.Errorf("read lock file: %w", err)
	}
	lines := strings.SplitN(strings.TrimRight(string(data), "\n"), "\n", 2)
	if len(lines) < 2 {
		return "", "", fmt.Errorf("malformed lock file %q", lockPath)
	}
	return lines[0], lines[1], nil
}

// IsLocked reports whether a lock file already exists for lockPath.
func IsLocked(lockPath string) bool {
	_, err := os.Stat(lockPath)
	return err == nil
}

// WriteDaemonFile writes <runtimeDir>/d/<pid> containing the daemon's
// advertised OSC URL, one line, per spec §4.B and §6 "Filesystem layout".
func WriteDaemonFile(runtimeDir string, pid int, url string) error {
	dir := filepath.Join(runtimeDir, "d")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create daemon file directory: %w", err)
	}
	path := filepath.Join(dir, procexec.PIDString(pid))
	if err := os.WriteFile(path, []byte(url+"\n"), 0o644); err != nil {
		return fmt.Errorf("write daemon file: %w", err)
	}
	return nil
}

// DeleteDaemonFile removes the daemon file for pid, ignoring a missing file.
func DeleteDaemonFile(runtimeDir string, pid int) error {
	path := filepath.Join(runtimeDir, "d", procexec.PIDString(pid))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete daemon file: %w", err)
	}
	return nil
}
