package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// appName is the directory name used under every search root.
const appName = "sozu-prometheus-connector"

// ErrNotFound is returned by [Locate] when no candidate file exists.
var ErrNotFound = errors.New("config: no configuration file found")

// SearchPaths lists the candidate configuration files from least to most
// specific: system-wide, then per-user, then the working directory. home
// may be empty, in which case per-user paths are skipped.
func SearchPaths(home string) []string {
	paths := []string{
		filepath.Join("/usr/share", appName, "config.yaml"),
		filepath.Join("/etc", appName, "config.yaml"),
	}
	if home != "" {
		paths = append(paths,
			filepath.Join(home, ".config", appName, "config.yaml"),
			filepath.Join(home, ".local/share", appName, "config.yaml"),
		)
	}
	return append(paths, "config.yaml")
}

// Locate returns the most specific existing file among [SearchPaths] for the
// current user.
func Locate() (string, error) {
	home, _ := os.UserHomeDir()
	return locateIn(SearchPaths(home))
}

func locateIn(candidates []string) (string, error) {
	found := ""
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			found = p
		}
	}
	if found == "" {
		return "", fmt.Errorf("%w (searched %v)", ErrNotFound, candidates)
	}
	return found, nil
}

// ResolveCommandSocket returns the path of the proxy command socket.
//
// An explicit sozu.command-socket wins. Otherwise command_socket is read from
// the proxy's TOML configuration; a relative value is taken relative to the
// directory holding that file.
func ResolveCommandSocket(cfg *Config) (string, error) {
	if cfg.Sozu.CommandSocket != "" {
		return filepath.Clean(cfg.Sozu.CommandSocket), nil
	}

	path := cfg.Sozu.Configuration
	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("toml")
	}
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("config: cannot read proxy configuration %q: %w", path, err)
	}

	socket := v.GetString("command_socket")
	if socket == "" {
		return "", fmt.Errorf("config: proxy configuration %q does not set command_socket", path)
	}
	if !filepath.IsAbs(socket) {
		socket = filepath.Join(filepath.Dir(path), socket)
	}
	return filepath.Clean(socket), nil
}
