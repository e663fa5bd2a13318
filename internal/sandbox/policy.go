package sandbox

import (
	"path/filepath"
	"slices"
	"strings"
)

// Policy allow-lists side effects that may really happen during replay.
// The zero Policy allows nothing.
type Policy struct {
	// AllowPaths are directory prefixes WriteFile may write under.
	AllowPaths []string `yaml:"allow_paths" env:"ALLOW_PATHS"`
	// AllowHosts are host names Do may reach. "*.example.com" matches any
	// subdomain of example.com.
	AllowHosts []string `yaml:"allow_hosts" env:"ALLOW_HOSTS"`
	// AllowCommands are executable base names Command may run.
	AllowCommands []string `yaml:"allow_commands" env:"ALLOW_COMMANDS"`
}

// AllowsPath reports whether path lies under an allowed prefix.
func (p Policy) AllowsPath(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	for _, prefix := range p.AllowPaths {
		prefix = filepath.Clean(prefix)
		if clean == prefix || strings.HasPrefix(clean, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// AllowsHost reports whether host is allowed. Ports are ignored.
func (p Policy) AllowsHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return false
	}
	for _, entry := range p.AllowHosts {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if suffix, ok := strings.CutPrefix(entry, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

// AllowsCommand reports whether the executable's base name is allowed.
func (p Policy) AllowsCommand(name string) bool {
	if name == "" {
		return false
	}
	return slices.Contains(p.AllowCommands, filepath.Base(name))
}
