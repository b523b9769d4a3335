package supervisor

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	bridgeerr "github.com/wagiedev/opencode-bridge/internal/errors"
)

// findExecutable locates the backend binary.
//
// Search order:
//  1. The explicit path, if configured (used as-is, no fallback).
//  2. The OPENCODE_PATH environment variable.
//  3. The system PATH.
//  4. Common installation directories (/usr/local/bin, /usr/bin,
//     ~/.local/bin).
//
// Returns ExecutableNotFoundError carrying every searched location when
// nothing matches.
func findExecutable(log *slog.Logger, explicit string) (string, error) {
	if explicit != "" {
		log.Debug("Using explicit backend path", "path", explicit)

		if _, err := os.Stat(explicit); err == nil {
			return explicit, nil
		}

		return "", &bridgeerr.ExecutableNotFoundError{SearchedPaths: []string{explicit}}
	}

	searchedPaths := make([]string, 0, 5)

	if envPath := os.Getenv("OPENCODE_PATH"); envPath != "" {
		log.Debug("Checking OPENCODE_PATH", "path", envPath)

		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}

		if path, err := exec.LookPath(envPath); err == nil {
			return path, nil
		}

		searchedPaths = append(searchedPaths, "$OPENCODE_PATH="+envPath)
	}

	if path, err := exec.LookPath("opencode"); err == nil {
		log.Debug("Found backend in PATH", "path", path)

		return path, nil
	}

	searchedPaths = append(searchedPaths, "$PATH")

	commonPaths := []string{
		"/usr/local/bin/opencode",
		"/usr/bin/opencode",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		commonPaths = append(commonPaths, filepath.Join(homeDir, ".local/bin/opencode"))
	}

	for _, path := range commonPaths {
		searchedPaths = append(searchedPaths, path)

		if _, err := os.Stat(path); err == nil {
			log.Debug("Found backend at common path", "path", path)

			return path, nil
		}
	}

	log.Warn("Backend executable not found", "searched_paths", searchedPaths)

	return "", &bridgeerr.ExecutableNotFoundError{SearchedPaths: searchedPaths}
}
