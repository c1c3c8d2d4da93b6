package magic

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

const currentMagicVersion = 2

const (
	pathInCWD = "./magic.toml"
	pathInEtc = "/etc/fleet-agent/magic.toml"
)

// File is the on-disk agent configuration document. It is owned exclusively
// by the Store actor; callers never touch it directly.
type File struct {
	Meta     ConfigMeta      `toml:"meta"`
	Tunnel   *ConfigTunnel   `toml:"tunnel,omitempty"`
	Scheduler *ConfigScheduler `toml:"scheduler,omitempty"`
	Checks   []ConfigCheck   `toml:"check,omitempty"`
	Metrics  []ConfigMetric  `toml:"metric,omitempty"`
	Packages []ConfigPackage `toml:"package,omitempty"`
}

type ConfigMeta struct {
	MagicVersion    int     `toml:"magic_version"`
	Server          string  `toml:"server"`
	ReleaseID       *int64  `toml:"release_id,omitempty"`
	TargetReleaseID *int64  `toml:"target_release_id,omitempty"`
	Token           *string `toml:"token,omitempty"`
}

type ConfigCheck struct {
	Name string `toml:"name"`
	Cmd  string `toml:"cmd"`
}

type ConfigMetric struct {
	LogOnly bool   `toml:"log_only"`
	Name    string `toml:"name"`
	Cmd     string `toml:"cmd"`
}

type ConfigPackage struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	File    string `toml:"file"`
}

type ConfigTunnel struct {
	Server string `toml:"server"`
	Secret string `toml:"secret"`
}

func defaultTunnel() ConfigTunnel {
	return ConfigTunnel{Server: "tunnel.fleet.example"}
}

type ConfigScheduler struct {
	App []string `toml:"app"`
}

func defaultFile() File {
	return File{
		Meta: ConfigMeta{
			MagicVersion: currentMagicVersion,
			Server:       "https://fleet.example/api",
		},
	}
}

// Load resolves the discovery order (explicit path -> ./magic.toml ->
// /etc/fleet-agent/magic.toml -> defaults) and parses the file found.
func Load(explicit string) (File, string, error) {
	if explicit != "" {
		f, err := loadFromPath(explicit)
		return f, explicit, err
	}
	if _, err := os.Stat(pathInCWD); err == nil {
		f, err := loadFromPath(pathInCWD)
		return f, pathInCWD, err
	}
	if _, err := os.Stat(pathInEtc); err == nil {
		f, err := loadFromPath(pathInEtc)
		return f, pathInEtc, err
	}
	return defaultFile(), "", nil
}

func loadFromPath(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("magic: read %s: %w", path, err)
	}
	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("magic: parse %s: %w", path, err)
	}
	return f, nil
}

// WriteTo serializes f and atomically replaces path: write a temp file in
// the same directory, fsync, then rename over the canonical path. A crash at
// any point leaves either the old or the new content, never a partial file.
func (f File) WriteTo(path string) error {
	data, err := toml.Marshal(f)
	if err != nil {
		return fmt.Errorf("magic: marshal: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("magic: write temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("magic: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("magic: fsync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("magic: close temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("magic: rename: %w", err)
	}
	return nil
}

func (f File) TunnelDetails() ConfigTunnel {
	if f.Tunnel == nil {
		return defaultTunnel()
	}
	return *f.Tunnel
}
