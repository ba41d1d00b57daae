// Package config centralizes the handful of environment-driven settings the
// core reads directly. Provider credentials are read by the model adapters
// themselves and are never interpreted here.
package config

import (
	"os"
	"path/filepath"
)

const defaultRootDirName = ".mandrake"

// RootPath returns the root directory for workspaces and their state. It
// honors the ROOT_PATH environment variable override and otherwise falls
// back to $HOME/.mandrake.
func RootPath() string {
	if p := os.Getenv("ROOT_PATH"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		// Fall back to a relative path rather than failing outright; RootManager
		// will surface a clear error if this location is not writable.
		return defaultRootDirName
	}
	return filepath.Join(home, defaultRootDirName)
}
