package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Runner drives a single Job through the PENDING->UPLOADING->BUILDING->
// DOWNLOADING->SUCCESS/FAILED/CANCELLED state machine (§4.7), grounded on
// original_source/core/builder/manager.py's _run_task phase sequence.
type Runner struct {
	pool     *Pool
	balancer *Balancer
	retry    *RetryPolicy
	logger   *Logger
}

// NewRunner constructs a Runner. balancer selects the specific worker
// within kind that the Runner leases from pool (spec §4.7's Prepare
// phase: "ask the Registry/Balancer for a worker matching the job's
// platform"); a nil balancer falls back to leasing any available
// worker of kind, which test doubles rely on to avoid wiring up a full
// Registry/Balancer pair.
func NewRunner(pool *Pool, balancer *Balancer, retry *RetryPolicy, logger *Logger) *Runner {
	return &Runner{pool: pool, balancer: balancer, retry: retry, logger: logger}
}

// Run executes job to completion (or until ctx is cancelled), updating
// job's state at every phase boundary. Cancellation is cooperative: it is
// observed only between phases, never by killing an in-flight exec.
func (r *Runner) Run(ctx context.Context, job *Job, kind Kind) {
	log := r.logger.WithJob(job.ID)

	if r.cancelled(job) {
		r.markCancelled(job)
		return
	}

	lease, err := r.acquire(ctx, kind)
	if err != nil {
		r.fail(job, fmt.Sprintf("acquire worker: %v", err))
		return
	}
	defer r.pool.Release(kind, lease)

	if r.cancelled(job) {
		r.markCancelled(job)
		return
	}

	job.Transition(func(j *Job) {
		j.AssignedWorker = lease.Worker.Name
		j.StartedAt = time.Now()
	})

	phases := []struct {
		name  string
		state State
		run   func(context.Context, *Job, Transport) error
	}{
		{"upload", StateUploading, r.upload},
		{"build", StateBuilding, r.build},
		{"verify", StateBuilding, r.verify},
		{"download", StateDownloading, r.download},
	}

	for _, phase := range phases {
		select {
		case <-ctx.Done():
			r.fail(job, ctx.Err().Error())
			return
		default:
		}

		// The transition and the terminal check happen under the same
		// lock, so a Cancel landing concurrently can never be clobbered
		// by this phase's state (invariant: no Job leaves a terminal
		// state once entered).
		var aborted bool
		job.Transition(func(j *Job) {
			if j.State.Terminal() {
				aborted = true
				return
			}
			j.State = phase.state
			j.CurrentPhase = phase.name
		})
		if aborted {
			return
		}

		log.InfoContext(ctx, "phase starting", "phase", phase.name, "worker", lease.Worker.Name)
		if err := phase.run(ctx, job, lease.Transport); err != nil {
			log.ErrorContext(ctx, "phase failed", "phase", phase.name, "error", err)
			r.fail(job, fmt.Sprintf("%s: %v", phase.name, err))
			return
		}
	}

	job.Transition(func(j *Job) {
		if j.State.Terminal() {
			return
		}
		j.State = StateSuccess
		j.Progress = 100
		j.CurrentPhase = "done"
		j.EndedAt = time.Now()
	})
}

// acquire leases a worker of kind for job. When a Balancer is wired in,
// it first asks the Balancer to score and pick the specific candidate
// (spec §4.5's Select), then leases that exact worker from the pool;
// otherwise it leases any available worker of kind.
func (r *Runner) acquire(ctx context.Context, kind Kind) (*LeaseableTransport, error) {
	if r.balancer == nil {
		return r.pool.Acquire(ctx, kind)
	}
	name, err := r.balancer.Select(ctx, kind, DefaultRequirements())
	if err != nil {
		return nil, fmt.Errorf("select worker: %w", err)
	}
	return r.pool.AcquireNamed(ctx, kind, name)
}

func (r *Runner) cancelled(job *Job) bool {
	return job.CurrentState() == StateCancelled
}

func (r *Runner) markCancelled(job *Job) {
	job.Transition(func(j *Job) {
		if j.State.Terminal() {
			return
		}
		j.State = StateCancelled
		j.EndedAt = time.Now()
	})
}

func (r *Runner) fail(job *Job, reason string) {
	job.Transition(func(j *Job) {
		if j.State.Terminal() {
			return
		}
		j.State = StateFailed
		j.Error = reason
		j.EndedAt = time.Now()
	})
}

// remoteWorkspace and remoteOutput are the per-job directories created on
// the worker (§6's remote layout: workspace_<jobId>/output_<jobId>).
func remoteWorkspace(job *Job) string {
	return fmt.Sprintf("/tmp/workspace_%s", job.ID)
}

func remoteOutput(job *Job) string {
	return fmt.Sprintf("/tmp/output_%s", job.ID)
}

// upload walks job.Workspace, skipping files whose sha256 matches a file
// already present remotely (original_source's sha256sum-comparison skip),
// and reports byte-weighted progress as each file completes.
func (r *Runner) upload(ctx context.Context, job *Job, t Transport) error {
	remoteDir := remoteWorkspace(job)
	if err := r.retry.Do(ctx, OpMkdir, func() error { return t.Mkdir(ctx, remoteDir) }); err != nil {
		return fmt.Errorf("create remote workspace: %w", err)
	}

	var files []string
	var totalBytes int64
	err := filepath.Walk(job.Workspace, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		files = append(files, path)
		totalBytes += info.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk workspace: %w", err)
	}

	job.Transition(func(j *Job) {
		j.TotalFiles = len(files)
		j.UploadedFiles = make(map[string]struct{}, len(files))
	})

	var uploadedBytes int64
	for _, path := range files {
		rel, err := filepath.Rel(job.Workspace, path)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", path, err)
		}
		remotePath := remoteDir + "/" + filepath.ToSlash(rel)

		localSum, err := fileSHA256(path)
		if err != nil {
			return fmt.Errorf("hash %s: %w", rel, err)
		}

		unchanged := false
		if remoteSum, _, herr := t.Exec(ctx, fmt.Sprintf("sha256sum %q 2>/dev/null | cut -d' ' -f1", remotePath)); herr == nil {
			unchanged = strings.TrimSpace(remoteSum) == localSum
		}

		if !unchanged {
			if err := r.retry.Do(ctx, OpUpload, func() error { return t.Upload(ctx, path, remotePath) }); err != nil {
				return fmt.Errorf("upload %s: %w", rel, err)
			}
		}

		info, statErr := os.Stat(path)
		if statErr == nil {
			uploadedBytes += info.Size()
		}

		job.Transition(func(j *Job) {
			j.UploadedFiles[rel] = struct{}{}
			if totalBytes > 0 {
				j.Progress = float64(uploadedBytes) / float64(totalBytes) * 100
			}
		})
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// build composes and runs the builder's CLI invocation. Only pyinstaller
// is implemented; the other BuilderKinds are recognized but rejected with
// ErrBuilderNotImplemented (§4.7's "non-goal builders" note).
func (r *Runner) build(ctx context.Context, job *Job, t Transport) error {
	switch job.Config.Builder {
	case BuilderPyInstaller, "":
		return r.buildPyInstaller(ctx, job, t)
	default:
		return ErrBuilderNotImplemented
	}
}

// buildPyInstaller composes the exact flag sequence from
// original_source/core/builder/pyinstaller.py's PyInstallerBuilder.build.
func (r *Runner) buildPyInstaller(ctx context.Context, job *Job, t Transport) error {
	cfg := job.Config
	remoteDir := remoteWorkspace(job)

	var args []string
	args = append(args, "pyinstaller")
	if cfg.Clean {
		args = append(args, "--clean")
	}
	if !cfg.Console {
		args = append(args, "--windowed")
	}
	if cfg.OneFile {
		args = append(args, "--onefile")
	} else {
		args = append(args, "--onedir")
	}
	args = append(args, "--name", shellQuote(cfg.Name), "--noconfirm")
	if cfg.Icon != "" {
		args = append(args, "--icon", shellQuote(cfg.Icon))
	}
	for _, pair := range cfg.ExtraData {
		args = append(args, "--add-data", shellQuote(pair.Src+":"+pair.Dst))
	}
	for _, mod := range cfg.Excludes {
		args = append(args, "--exclude-module", shellQuote(mod))
	}
	if cfg.Requirements != "" {
		args = append(args, "-r", shellQuote(cfg.Requirements))
	}
	for _, mod := range cfg.HiddenImports {
		args = append(args, "--hidden-import", shellQuote(mod))
	}
	for _, bin := range cfg.Binaries {
		args = append(args, "--add-binary", shellQuote(bin))
	}
	for _, hook := range cfg.RuntimeHooks {
		args = append(args, "--runtime-hook", shellQuote(hook))
	}
	if job.Platform == "macos" {
		args = append(args, "--osx-bundle-identifier", shellQuote("com.fleetdispatch."+cfg.Name))
	}
	args = append(args, cfg.ExtraArgs...)
	args = append(args, shellQuote(remoteDir+"/"+job.EntryScript))

	outDir := remoteOutput(job)
	var copyArtifact string
	if cfg.OneFile {
		// onefile produces a single binary at dist/<name>, not a directory.
		copyArtifact = fmt.Sprintf("cp dist/%s %s/", shellQuote(cfg.Name), shellQuote(outDir))
	} else {
		copyArtifact = fmt.Sprintf("cp -r dist/%s/* %s/", shellQuote(cfg.Name), shellQuote(outDir))
	}
	cmd := fmt.Sprintf("cd %q && %s && mkdir -p %q && %s", remoteDir, strings.Join(args, " "), outDir, copyArtifact)

	var stderr string
	err := r.retry.Do(ctx, OpExec, func() error {
		var rerr error
		_, stderr, rerr = t.Exec(ctx, cmd)
		return rerr
	})
	if err != nil {
		return fmt.Errorf("run pyinstaller: %w", err)
	}
	if strings.TrimSpace(stderr) != "" {
		return fmt.Errorf("pyinstaller reported errors: %s", stderr)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// verify confirms the build produced a non-empty output directory.
func (r *Runner) verify(ctx context.Context, job *Job, t Transport) error {
	outDir := remoteOutput(job)
	stdout, _, err := t.Exec(ctx, fmt.Sprintf("ls -A %q 2>/dev/null | wc -l", outDir))
	if err != nil {
		return fmt.Errorf("list output dir: %w", err)
	}
	if strings.TrimSpace(stdout) == "0" {
		return fmt.Errorf("build produced an empty output directory")
	}
	job.Transition(func(j *Job) { j.ArtifactPath = outDir })
	return nil
}

// download pulls the build output back to the local output directory
// named after the job.
func (r *Runner) download(ctx context.Context, job *Job, t Transport) error {
	outDir := remoteOutput(job)
	localOut := filepath.Join(filepath.Dir(job.Workspace), "output", job.ID)
	if err := os.MkdirAll(localOut, 0o755); err != nil {
		return fmt.Errorf("create local output dir: %w", err)
	}

	stdout, _, err := t.Exec(ctx, fmt.Sprintf("find %q -type f", outDir))
	if err != nil {
		return fmt.Errorf("list remote artifacts: %w", err)
	}

	for _, remotePath := range strings.Split(strings.TrimSpace(stdout), "\n") {
		remotePath = strings.TrimSpace(remotePath)
		if remotePath == "" {
			continue
		}
		rel := strings.TrimPrefix(remotePath, outDir+"/")
		localPath := filepath.Join(localOut, rel)
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return fmt.Errorf("create local subdir for %s: %w", rel, err)
		}
		if err := r.retry.Do(ctx, OpDownload, func() error { return t.Download(ctx, remotePath, localPath) }); err != nil {
			return fmt.Errorf("download %s: %w", rel, err)
		}
	}

	job.Transition(func(j *Job) { j.ArtifactPath = localOut })
	return nil
}

// RemoteCleanup removes a job's remote workspace and output directories.
// It is not part of spec §4.7's Cleanup contract (which only names the
// local artifact directory, the lease, and the Job record) but without it
// nothing ever reclaims the worker-side temp directories this Runner
// creates, so the Dispatcher calls it with the worker's transport before
// running its own Cleanup.
func (r *Runner) RemoteCleanup(ctx context.Context, job *Job, t Transport) error {
	if err := r.retry.Do(ctx, OpRmdir, func() error { return t.Rmdir(ctx, remoteWorkspace(job)) }); err != nil {
		return err
	}
	return r.retry.Do(ctx, OpRmdir, func() error { return t.Rmdir(ctx, remoteOutput(job)) })
}
