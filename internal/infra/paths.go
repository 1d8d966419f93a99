package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	AppName = "marketsync"
)

// GetWorkspaceDir returns the root directory for all runtime data.
// A local "_workspace" directory wins when present (portable/dev mode);
// otherwise the OS data directory is used.
func GetWorkspaceDir() string {
	localDir := "_workspace"
	if _, err := os.Stat(localDir); err == nil {
		return localDir
	}

	var baseDir string
	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin", "ios":
		home, _ := os.UserHomeDir()
		baseDir = filepath.Join(home, "Library", "Application Support")
	case "linux", "android":
		baseDir = os.Getenv("XDG_DATA_HOME")
		if baseDir == "" {
			home, _ := os.UserHomeDir()
			baseDir = filepath.Join(home, ".local", "share")
		}
	default:
		return localDir
	}

	return filepath.Join(baseDir, AppName)
}

// DataPaths are the on-disk locations derived from the workspace and config.
type DataPaths struct {
	Root        string
	SQLitePath  string
	SnapshotDir string
}

// ResolveDataPaths fills unset storage paths with workspace defaults and
// creates the directories.
func ResolveDataPaths(cfg *Config) (DataPaths, error) {
	root := GetWorkspaceDir()
	paths := DataPaths{
		Root:        root,
		SQLitePath:  cfg.Storage.SQLitePath,
		SnapshotDir: cfg.Storage.SnapshotDir,
	}
	if paths.SQLitePath == "" {
		paths.SQLitePath = filepath.Join(root, "data", "credentials.db")
	}
	if paths.SnapshotDir == "" {
		paths.SnapshotDir = filepath.Join(root, "data", "snapshots")
	}

	for _, dir := range []string{root, filepath.Dir(paths.SQLitePath), paths.SnapshotDir} {
		if err := EnsureDir(dir); err != nil {
			return DataPaths{}, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return paths, nil
}

// EnsureDir creates the directory if it doesn't exist. Credentials live
// under it, so it is private to the user.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0700)
}

// CreateLockFile creates an exclusive lock file so two processes never share
// one credential database. The returned func removes it.
func CreateLockFile(workDir string) (func(), error) {
	lockPath := filepath.Join(workDir, "instance.lock")

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("another instance is already running (lock file exists: %s)", lockPath)
		}
		return nil, err
	}
	fmt.Fprintf(f, "%d", os.Getpid())
	f.Close()

	return func() { os.Remove(lockPath) }, nil
}

// ResolveConfigPath finds config.yaml: MARKET_CONFIG, then ./configs, then
// the OS config dir. The default is returned even when missing; LoadConfig
// falls back to defaults in that case.
func ResolveConfigPath() string {
	if p := os.Getenv("MARKET_CONFIG"); p != "" {
		return p
	}

	defaultPath := filepath.Join("configs", "config.yaml")
	if _, err := os.Stat(defaultPath); err == nil {
		return defaultPath
	}

	if configRoot, err := os.UserConfigDir(); err == nil {
		osPath := filepath.Join(configRoot, AppName, "config.yaml")
		if _, err := os.Stat(osPath); err == nil {
			return osPath
		}
	}
	return defaultPath
}
