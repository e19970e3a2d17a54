package docker

// Config holds the configuration for container execution.
type Config struct {
	// User is the container user, e.g. "65534:65534". Empty keeps the image default.
	User string
	// CPUs is the number of CPUs a step container may use.
	CPUs float64
	// OutputLimit caps each of stdout and stderr.
	OutputLimit int64
	// WorkDir is where the workspace is mounted inside the container.
	WorkDir string
	// Env is the base environment of every step container.
	Env []string
}

// DefaultConfig provides sensible defaults for step containers.
func DefaultConfig() Config {
	return Config{
		// nobody:nogroup
		User:        "65534:65534",
		CPUs:        1,
		OutputLimit: 1 << 20,
		WorkDir:     "/workspace",
		Env:         []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin", "LANG=C.UTF-8"},
	}
}
