package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Dirs are the on-disk locations voxqueue uses.
type Dirs struct {
	Data     string
	Database string
	Output   string
	Inbox    string
	Config   string
}

// DirsFor derives every location from the data directory of goos.
func DirsFor(goos, homeDir, xdgDataHome, xdgConfigHome string) (Dirs, error) {
	dataDir, err := defaultDataDirFor(goos, homeDir, xdgDataHome)
	if err != nil {
		return Dirs{}, err
	}
	configDir, err := defaultConfigDirFor(goos, homeDir, xdgConfigHome)
	if err != nil {
		return Dirs{}, err
	}
	return dirsFrom(dataDir, configDir), nil
}

// ResolveDirs returns the default locations for the current user. A
// non-empty dataOverride replaces the data directory.
func ResolveDirs(dataOverride string) (Dirs, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Dirs{}, fmt.Errorf("resolve user home: %w", err)
	}

	dirs, err := DirsFor(runtime.GOOS, homeDir, os.Getenv("XDG_DATA_HOME"), os.Getenv("XDG_CONFIG_HOME"))
	if err != nil {
		return Dirs{}, err
	}
	if dataOverride != "" {
		return dirsFrom(filepath.Clean(dataOverride), dirs.Config), nil
	}
	return dirs, nil
}

// DefaultConfigFile is the config file read when none is given.
func (d Dirs) DefaultConfigFile() string {
	return filepath.Join(d.Config, "config.yaml")
}

func dirsFrom(dataDir, configDir string) Dirs {
	return Dirs{
		Data:     dataDir,
		Database: filepath.Join(dataDir, "jobs.db"),
		Output:   filepath.Join(dataDir, "transcripts"),
		Inbox:    filepath.Join(dataDir, "inbox"),
		Config:   configDir,
	}
}

func defaultDataDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	if homeDir == "" {
		return "", errors.New("home directory is empty")
	}

	switch goos {
	case "linux":
		if xdgDataHome != "" {
			return filepath.Join(xdgDataHome, "voxqueue"), nil
		}
		return filepath.Join(homeDir, ".local", "share", "voxqueue"), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "voxqueue"), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}

func defaultConfigDirFor(goos, homeDir, xdgConfigHome string) (string, error) {
	switch goos {
	case "linux":
		if xdgConfigHome != "" {
			return filepath.Join(xdgConfigHome, "voxqueue"), nil
		}
		return filepath.Join(homeDir, ".config", "voxqueue"), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "voxqueue"), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}
