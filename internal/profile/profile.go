// Package profile defines the named bundle of {image, resource limits,
// capabilities, runtime type, runtime port, idle timeout} that spec.md's
// GLOSSARY calls a Profile.
package profile

// Resources holds container resource caps applied by the Driver on create.
type Resources struct {
	CPUCores   float64 `yaml:"cpus"`
	MemoryMB   int     `yaml:"memory_mb"`
	PidsLimit  int     `yaml:"pids_limit"`
}

// Profile is a named configuration bundle a Sandbox is created against.
type Profile struct {
	ID           string            `yaml:"id"`
	Image        string            `yaml:"image"`
	RuntimeType  string            `yaml:"runtime_type"`
	RuntimePort  int               `yaml:"runtime_port"`
	Resources    Resources         `yaml:"resources"`
	Capabilities []string          `yaml:"capabilities"`
	IdleTimeout  int               `yaml:"idle_timeout_seconds"`
	Env          map[string]string `yaml:"env"`
}

// Set is a lookup table of configured profiles, keyed by ID.
type Set struct {
	profiles map[string]Profile
}

// NewSet builds a Set from a configured profile list. Duplicate IDs are not
// rejected: a later profile with the same ID replaces an earlier one.
func NewSet(profiles []Profile) *Set {
	m := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		m[p.ID] = p
	}
	return &Set{profiles: m}
}

// Get returns the profile with the given ID, or false if unconfigured.
func (s *Set) Get(id string) (Profile, bool) {
	p, ok := s.profiles[id]
	return p, ok
}

// Default seed profiles, matching the original implementation's
// "python-default" / "python-data" bundles (original_source/pkgs/bay/app/config.py).
func Defaults() []Profile {
	return []Profile{
		{
			ID:          "python-default",
			Image:       "ship:latest",
			RuntimeType: "ship",
			RuntimePort: 8123,
			Resources:   Resources{CPUCores: 1.0, MemoryMB: 1024, PidsLimit: 256},
			Capabilities: []string{
				"python.exec", "shell.exec",
				"filesystem.read", "filesystem.write", "filesystem.list",
				"filesystem.delete", "filesystem.upload", "filesystem.download",
			},
			IdleTimeout: 1800,
		},
		{
			ID:          "python-data",
			Image:       "ship:data",
			RuntimeType: "ship",
			RuntimePort: 8123,
			Resources:   Resources{CPUCores: 2.0, MemoryMB: 4096, PidsLimit: 256},
			Capabilities: []string{
				"python.exec", "shell.exec",
				"filesystem.read", "filesystem.write", "filesystem.list",
				"filesystem.delete", "filesystem.upload", "filesystem.download",
			},
			IdleTimeout: 1800,
		},
		{
			ID:          "shell-only",
			Image:       "ship:minimal",
			RuntimeType: "ship",
			RuntimePort: 8123,
			Resources:   Resources{CPUCores: 0.5, MemoryMB: 256, PidsLimit: 64},
			Capabilities: []string{
				"shell.exec",
				"filesystem.read", "filesystem.write", "filesystem.list",
			},
			IdleTimeout: 900,
		},
	}
}
