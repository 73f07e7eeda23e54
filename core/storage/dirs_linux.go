//go:build linux || darwin

package storage

import (
	"os"
	"path/filepath"
)

func platformConfigDefault() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "satchel")
}

func platformDataDefault() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "satchel")
}

func platformCacheDefault() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cache", "satchel")
}

func platformStateDefault() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", "satchel")
}
