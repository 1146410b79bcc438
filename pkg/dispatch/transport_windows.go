package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// windowsTransport backs the windows worker kind. It reuses sshTransport's
// connection/session machinery (OpenSSH ships on Windows workers too) but
// issues PowerShell-flavored probes and decodes command output from the
// system ANSI codepage with replacement on error, per §4.1.
type windowsTransport struct {
	*sshTransport
}

func newWindowsTransport(cfg ConnConfig, logger *Logger) *windowsTransport {
	return &windowsTransport{sshTransport: newSSHTransport(KindWindows, cfg, logger)}
}

// ansiDecoder decodes Windows-1252 (the common default ANSI codepage) to
// UTF-8, substituting the replacement character for undecodable bytes
// instead of failing the call outright.
var ansiDecoder = encoding.ReplaceUnsupported(charmap.Windows1252.NewDecoder())

func decodeANSI(raw string) string {
	out, err := ansiDecoder.String(raw)
	if err != nil {
		return raw
	}
	return out
}

func (t *windowsTransport) Exec(ctx context.Context, cmd string) (string, string, error) {
	stdout, stderr, err := t.sshTransport.Exec(ctx, cmd)
	return decodeANSI(stdout), decodeANSI(stderr), err
}

func (t *windowsTransport) Health(ctx context.Context) (HealthSample, error) {
	sample := HealthSample{Timestamp: time.Now()}

	if stdout, _, err := t.Exec(ctx, `wmic cpu get loadpercentage /value`); err != nil {
		sample.Errors = append(sample.Errors, fmt.Sprintf("cpu probe: %v", err))
	} else if v, perr := parsePercent(extractValue(stdout)); perr != nil {
		sample.Errors = append(sample.Errors, fmt.Sprintf("cpu parse: %v", perr))
	} else {
		sample.CPUPercent = v
	}

	if stdout, _, err := t.Exec(ctx, `wmic OS get FreePhysicalMemory,TotalVisibleMemorySize /value`); err != nil {
		sample.Errors = append(sample.Errors, fmt.Sprintf("memory probe: %v", err))
	} else if v, perr := parseWindowsMemory(stdout); perr != nil {
		sample.Errors = append(sample.Errors, fmt.Sprintf("memory parse: %v", perr))
	} else {
		sample.MemoryPercent = v
	}

	if stdout, _, err := t.Exec(ctx, `wmic logicaldisk where "DeviceID='C:'" get FreeSpace,Size /value`); err != nil {
		sample.Errors = append(sample.Errors, fmt.Sprintf("disk probe: %v", err))
	} else if v, perr := parseWindowsDisk(stdout); perr != nil {
		sample.Errors = append(sample.Errors, fmt.Sprintf("disk parse: %v", perr))
	} else {
		sample.DiskPercent = v
	}

	if v, err := t.InterpreterVersion(ctx); err == nil {
		sample.InterpreterVersion = v
	}

	return sample, nil
}

func (t *windowsTransport) InterpreterVersion(ctx context.Context) (string, error) {
	stdout, _, err := t.Exec(ctx, "python --version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout), nil
}

func (t *windowsTransport) Rmdir(ctx context.Context, path string) error {
	_, stderr, err := t.Exec(ctx, fmt.Sprintf(`rmdir /s /q "%s"`, path))
	if err != nil {
		return err
	}
	if stderr != "" {
		return fmt.Errorf("rmdir %s: %s", path, stderr)
	}
	return nil
}

// extractValue pulls the "key=value" line's value from wmic /value output.
func extractValue(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if idx := strings.IndexByte(line, '='); idx >= 0 {
			return line[idx+1:]
		}
	}
	return raw
}

func parseWindowsMemory(raw string) (float64, error) {
	var free, total float64
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "FreePhysicalMemory="):
			v, err := parsePercent(strings.TrimPrefix(line, "FreePhysicalMemory="))
			if err != nil {
				return 0, err
			}
			free = v
		case strings.HasPrefix(line, "TotalVisibleMemorySize="):
			v, err := parsePercent(strings.TrimPrefix(line, "TotalVisibleMemorySize="))
			if err != nil {
				return 0, err
			}
			total = v
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("missing TotalVisibleMemorySize")
	}
	return (total - free) / total * 100, nil
}

func parseWindowsDisk(raw string) (float64, error) {
	var free, size float64
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "FreeSpace="):
			v, err := parsePercent(strings.TrimPrefix(line, "FreeSpace="))
			if err != nil {
				return 0, err
			}
			free = v
		case strings.HasPrefix(line, "Size="):
			v, err := parsePercent(strings.TrimPrefix(line, "Size="))
			if err != nil {
				return 0, err
			}
			size = v
		}
	}
	if size == 0 {
		return 0, fmt.Errorf("missing Size")
	}
	return (size - free) / size * 100, nil
}
