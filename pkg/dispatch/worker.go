package dispatch

import "time"

// Kind selects the probe set and transport dialect for a Worker.
type Kind string

const (
	KindWindows Kind = "windows"
	KindUnix    Kind = "unix"
	KindMacOS   Kind = "macos"
)

// PlatformKind maps a job's target platform to the worker Kind that can
// build it: windows->windows, macos->macos, linux->unix.
func PlatformKind(platform string) (Kind, bool) {
	switch platform {
	case "windows":
		return KindWindows, true
	case "macos":
		return KindMacOS, true
	case "linux":
		return KindUnix, true
	default:
		return "", false
	}
}

// ConnConfig is the connection configuration for a remote worker host.
type ConnConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyPath  string
	Timeout  time.Duration
}

// Worker is the authoritative identity+config record for a registered
// remote build host. It carries no live connection state; that lives in
// the pool's LeaseableTransport.
type Worker struct {
	Name string
	Kind Kind
	Conn ConnConfig
}

// HealthSample is a point-in-time snapshot of a worker's resource usage,
// produced only by a live Transport and cached with a TTL by the pool.
type HealthSample struct {
	CPUPercent        float64
	MemoryPercent     float64
	DiskPercent       float64
	InterpreterVersion string
	Errors            []string
	Timestamp         time.Time
}

// Healthy reports whether the sample carries no collection errors.
func (h HealthSample) Healthy() bool {
	return len(h.Errors) == 0
}
