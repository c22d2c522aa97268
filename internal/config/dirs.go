package config

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// AppName names the rowsync directories under the xdg base dirs.
const AppName = "rowsync"

// ConfigDir returns the directory searched for rowsync.yaml. ROWSYNC_CONFIG_DIR
// overrides the xdg location.
func ConfigDir() string {
	if explicit := os.Getenv("ROWSYNC_CONFIG_DIR"); explicit != "" {
		return explicit
	}
	xdg.Reload()
	return filepath.Join(baseDir(xdg.ConfigHome, ".config"), AppName)
}

// CacheDir returns the default root for batch directories.
func CacheDir() string {
	xdg.Reload()
	return filepath.Join(baseDir(xdg.CacheHome, ".cache"), AppName)
}

func baseDir(fromXDG, fallback string) string {
	if fromXDG != "" {
		return fromXDG
	}
	home := xdg.Home
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return os.TempDir()
		}
	}
	return filepath.Join(home, fallback)
}
