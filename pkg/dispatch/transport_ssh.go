package dispatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// sshTransport backs the unix and macos worker kinds with an SSH session
// plus an SFTP client for file transfer, the direct analogue of
// original_source/core/server/unix.py's paramiko.SSHClient/SFTPClient pair.
type sshTransport struct {
	kind   Kind
	cfg    ConnConfig
	logger *Logger

	mu        sync.Mutex
	client    *ssh.Client
	sftp      *sftp.Client
	connected bool
}

func newSSHTransport(kind Kind, cfg ConnConfig, logger *Logger) *sshTransport {
	return &sshTransport{kind: kind, cfg: cfg, logger: logger}
}

func (t *sshTransport) authMethods() ([]ssh.AuthMethod, error) {
	if t.cfg.Password != "" {
		return []ssh.AuthMethod{ssh.Password(t.cfg.Password)}, nil
	}
	if t.cfg.KeyPath != "" {
		key, err := os.ReadFile(t.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return nil, fmt.Errorf("no credentials configured: need password or key path")
}

// Connect dials the SSH session and opens an SFTP subsystem. No retry is
// performed here; that is a Pool/Registry concern applied via RetryPolicy
// (§4.1: "no retry is done inside the transport").
func (t *sshTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	auths, err := t.authMethods()
	if err != nil {
		t.connected = false
		return err
	}

	timeout := t.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		t.connected = false
		return fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		t.connected = false
		return fmt.Errorf("sftp open: %w", err)
	}

	t.client = client
	t.sftp = sftpClient
	t.connected = true
	return nil
}

func (t *sshTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnectLocked()
}

func (t *sshTransport) disconnectLocked() error {
	var err error
	if t.sftp != nil {
		err = t.sftp.Close()
		t.sftp = nil
	}
	if t.client != nil {
		if cerr := t.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
		t.client = nil
	}
	t.connected = false
	return err
}

func (t *sshTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Exec runs a single shell command over a fresh session (command-level
// execution, no persistent shell between calls — spec §6).
func (t *sshTransport) Exec(ctx context.Context, cmd string) (string, string, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return "", "", fmt.Errorf("not connected")
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	runErr := session.Run(cmd)
	return stdout.String(), stderr.String(), wrapExecErr(runErr)
}

func wrapExecErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*ssh.ExitError); ok {
		// Non-zero exit is reported via stderr content, not as a transport
		// error; only connection/channel failures are transport errors.
		return nil
	}
	return err
}

// Upload copies a local file to a temporary remote name and renames it
// into place, so a partial transfer is never visible as a truncated file
// at the final path (§4.1's "atomic with respect to the caller").
func (t *sshTransport) Upload(ctx context.Context, local, remote string) error {
	t.mu.Lock()
	sftpClient := t.sftp
	t.mu.Unlock()
	if sftpClient == nil {
		return fmt.Errorf("not connected")
	}

	src, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer src.Close()

	tmpRemote := remote + ".part"
	dst, err := sftpClient.Create(tmpRemote)
	if err != nil {
		return fmt.Errorf("create remote temp file: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = sftpClient.Remove(tmpRemote)
		return fmt.Errorf("copy to remote: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = sftpClient.Remove(tmpRemote)
		return fmt.Errorf("close remote file: %w", err)
	}

	if err := sftpClient.Rename(tmpRemote, remote); err != nil {
		_ = sftpClient.Remove(tmpRemote)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Download mirrors Upload's atomicity guarantee on the local side.
func (t *sshTransport) Download(ctx context.Context, remote, local string) error {
	t.mu.Lock()
	sftpClient := t.sftp
	t.mu.Unlock()
	if sftpClient == nil {
		return fmt.Errorf("not connected")
	}

	src, err := sftpClient.Open(remote)
	if err != nil {
		return fmt.Errorf("open remote file: %w", err)
	}
	defer src.Close()

	tmpLocal := local + ".part"
	dst, err := os.Create(tmpLocal)
	if err != nil {
		return fmt.Errorf("create local temp file: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(tmpLocal)
		return fmt.Errorf("copy from remote: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpLocal)
		return fmt.Errorf("close local file: %w", err)
	}

	if err := os.Rename(tmpLocal, local); err != nil {
		_ = os.Remove(tmpLocal)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func (t *sshTransport) Mkdir(ctx context.Context, path string) error {
	t.mu.Lock()
	sftpClient := t.sftp
	t.mu.Unlock()
	if sftpClient == nil {
		return fmt.Errorf("not connected")
	}
	return sftpClient.MkdirAll(path)
}

func (t *sshTransport) Rmdir(ctx context.Context, path string) error {
	_, stderr, err := t.Exec(ctx, fmt.Sprintf("rm -rf %q", path))
	if err != nil {
		return err
	}
	if stderr != "" {
		return fmt.Errorf("rmdir %s: %s", path, stderr)
	}
	return nil
}

// Health issues the three POSIX probes described in §4.1. Any parse
// failure is recorded in the sample's error list but the call still
// returns a sample (never an error), per spec.
func (t *sshTransport) Health(ctx context.Context) (HealthSample, error) {
	sample := HealthSample{Timestamp: time.Now()}

	if stdout, _, err := t.Exec(ctx, `top -bn1 | grep 'Cpu(s)' | awk '{print $2 + $4}'`); err != nil {
		sample.Errors = append(sample.Errors, fmt.Sprintf("cpu probe: %v", err))
	} else if v, perr := parsePercent(stdout); perr != nil {
		sample.Errors = append(sample.Errors, fmt.Sprintf("cpu parse: %v", perr))
	} else {
		sample.CPUPercent = v
	}

	if stdout, _, err := t.Exec(ctx, `free | grep Mem | awk '{print $3/$2 * 100}'`); err != nil {
		sample.Errors = append(sample.Errors, fmt.Sprintf("memory probe: %v", err))
	} else if v, perr := parsePercent(stdout); perr != nil {
		sample.Errors = append(sample.Errors, fmt.Sprintf("memory parse: %v", perr))
	} else {
		sample.MemoryPercent = v
	}

	if stdout, _, err := t.Exec(ctx, `df -h / | tail -1 | awk '{print $5}' | sed 's/%//'`); err != nil {
		sample.Errors = append(sample.Errors, fmt.Sprintf("disk probe: %v", err))
	} else if v, perr := parsePercent(stdout); perr != nil {
		sample.Errors = append(sample.Errors, fmt.Sprintf("disk parse: %v", perr))
	} else {
		sample.DiskPercent = v
	}

	if v, err := t.InterpreterVersion(ctx); err == nil {
		sample.InterpreterVersion = v
	}

	return sample, nil
}

func (t *sshTransport) InterpreterVersion(ctx context.Context) (string, error) {
	stdout, _, err := t.Exec(ctx, "python3 --version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout), nil
}

func parsePercent(raw string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(raw), 64)
}
