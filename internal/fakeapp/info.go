package fakeapp

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
)

// Info is what a running fake program reports about itself.
type Info struct {
	PID          int      `yaml:"pid"`
	PGID         int      `yaml:"pgid"`
	ChildPID     int      `yaml:"child_pid,omitempty"`
	NotifySocket string   `yaml:"notify_socket"`
	ConfigFile   string   `yaml:"config_file"`
	Verbose      bool     `yaml:"verbose"`
	Dir          string   `yaml:"dir"`
	ListenAddr   string   `yaml:"listen_addr,omitempty"`
	Args         []string `yaml:"args"`
}

// WriteInfo writes info to path through a temporary file and rename, so a
// reader never observes a partial document.
func WriteInfo(path string, info Info) error {
	data, err := yaml.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal info: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".info-*")
	if err != nil {
		return fmt.Errorf("create temp info file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write info: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close info: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename info: %w", err)
	}
	return nil
}

// ReadInfo reads an Info document written by WriteInfo.
func ReadInfo(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("read info: %w", err)
	}
	var info Info
	if err := yaml.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("parse info %s: %w", path, err)
	}
	return info, nil
}
