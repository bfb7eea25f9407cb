// Package build implements the Builder collaborator: it fetches a deployment's
// source with go-getter and runs its build command, streaming output back
// into the pipeline.
package build

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-getter"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/logger"
	"github.com/teranos/agentdeploy/pipeline"
)

// ImageScheme prefixes artifact refs for image-only configs, which are not built.
const ImageScheme = "image://"

// DefaultTransientExitCodes are build command exit codes treated as retryable
// (EX_TEMPFAIL).
var DefaultTransientExitCodes = []int{75}

// Options configures a CommandBuilder.
type Options struct {
	// WorkDir holds one directory per job attempt. Defaults to a temp dir.
	WorkDir string
	// Commands are default build commands per runtime, used when the
	// deployment config has no build_command.
	Commands map[string]string
	// TransientExitCodes are exit codes that mark a failed build retryable.
	TransientExitCodes []int
}

// CommandBuilder builds artifacts on the local machine.
type CommandBuilder struct {
	root      string
	commands  map[string]string
	transient map[int]bool
	getters   map[string]getter.Getter
	logger    *zap.SugaredLogger
}

// NewCommandBuilder creates the work directory and returns a builder.
func NewCommandBuilder(opts Options, log *zap.SugaredLogger) (*CommandBuilder, error) {
	root := opts.WorkDir
	if root == "" {
		root = filepath.Join(os.TempDir(), "agentdeploy-builds")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve build work dir %s", opts.WorkDir)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create build work dir %s", root)
	}

	codes := opts.TransientExitCodes
	if codes == nil {
		codes = DefaultTransientExitCodes
	}
	transient := make(map[int]bool, len(codes))
	for _, c := range codes {
		transient[c] = true
	}

	// FileGetter copies single files; directories are still symlinked and
	// replaced with a copy by detach.
	getters := make(map[string]getter.Getter, len(getter.Getters))
	for k, g := range getter.Getters {
		getters[k] = g
	}
	getters["file"] = &getter.FileGetter{Copy: true}

	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &CommandBuilder{
		root:      root,
		commands:  opts.Commands,
		transient: transient,
		getters:   getters,
		logger:    log,
	}, nil
}

// Root returns the work directory.
func (b *CommandBuilder) Root() string { return b.root }

// Build fetches the source into a fresh attempt directory and runs the build
// command inside it. The artifact ref is the attempt directory.
func (b *CommandBuilder) Build(ctx context.Context, spec pipeline.BuildSpec, ev pipeline.Events) (string, error) {
	cfg := spec.Config
	log := b.logger.With(logger.FieldJobID, spec.JobID, logger.FieldAttempt, spec.Attempt)

	if cfg.Source == "" {
		ev.Log("Using prebuilt image " + cfg.Image)
		ev.Step(1, 1)
		return ImageScheme + cfg.Image, nil
	}

	command := cfg.BuildCommand
	if command == "" {
		command = b.commands[cfg.Runtime]
	}
	total := 1
	if command != "" {
		total = 2
	}

	dir := filepath.Join(b.root, spec.JobID, fmt.Sprintf("attempt-%d", spec.Attempt))
	if err := os.RemoveAll(dir); err != nil {
		return "", errors.Wrapf(err, "reset work dir %s", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create work dir %s", dir)
	}
	src := filepath.Join(dir, "src")

	ev.Log("Fetching " + cfg.Source)
	log.Debugw("Fetching build source", "source", cfg.Source, "destination", src)
	if err := b.fetch(ctx, cfg.Source, src); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errors.MarkTransient(errors.Wrapf(err, "fetch %s", cfg.Source))
	}
	ev.Step(1, total)

	if command == "" {
		ev.Log("No build command, using fetched source as artifact")
		return dir, nil
	}

	argv, err := shellquote.Split(command)
	if err != nil {
		return "", errors.Wrapf(err, "parse build command %q", command)
	}
	if len(argv) == 0 {
		return "", errors.Newf("build command %q is empty", command)
	}

	ev.Log("Running " + strings.Join(argv, " "))
	if err := b.run(ctx, argv, src, cfg.Env, ev); err != nil {
		return "", err
	}
	ev.Step(2, total)

	log.Infow("Build finished", logger.FieldArtifact, dir)
	return dir, nil
}

func (b *CommandBuilder) fetch(ctx context.Context, source, dst string) error {
	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}
	client := &getter.Client{
		Ctx:     ctx,
		Src:     source,
		Dst:     dst,
		Pwd:     pwd,
		Mode:    getter.ClientModeDir,
		Getters: b.getters,
	}
	if err := client.Get(); err != nil {
		return err
	}
	return detach(dst)
}

// detach replaces a symlinked local source with a real copy so build commands
// never write into the caller's tree.
func detach(dst string) error {
	info, err := os.Lstat(dst)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return nil
	}
	target, err := filepath.EvalSymlinks(dst)
	if err != nil {
		return errors.Wrapf(err, "resolve local source %s", dst)
	}
	if err := os.Remove(dst); err != nil {
		return errors.Wrapf(err, "unlink local source %s", dst)
	}
	if err := os.CopyFS(dst, os.DirFS(target)); err != nil {
		return errors.Wrapf(err, "copy local source %s", target)
	}
	return nil
}

// run executes argv in dir, forwarding each output line to ev.
func (b *CommandBuilder) run(ctx context.Context, argv []string, dir string, env map[string]string, ev pipeline.Events) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "build stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "build stderr")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "start %s", argv[0])
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(&wg, stdout, ev)
	go streamLines(&wg, stderr, ev)
	wg.Wait()

	err = cmd.Wait()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		failed := errors.Newf("build command exited with status %d", code)
		if b.transient[code] {
			return errors.MarkTransient(failed)
		}
		return failed
	}
	return errors.Wrap(err, "build command")
}

func streamLines(wg *sync.WaitGroup, r io.Reader, ev pipeline.Events) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ev.Log(scanner.Text())
	}
}

// Cleanup removes an artifact directory created by Build. Image refs have
// nothing to clean up.
func (b *CommandBuilder) Cleanup(ctx context.Context, artifactRef string) error {
	if artifactRef == "" || strings.HasPrefix(artifactRef, ImageScheme) {
		return nil
	}
	rel, err := filepath.Rel(b.root, artifactRef)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return errors.Newf("artifact %s is outside the build work dir", artifactRef)
	}
	if err := os.RemoveAll(artifactRef); err != nil {
		return errors.Wrapf(err, "remove artifact %s", artifactRef)
	}
	b.logger.Debugw("Removed build artifact", logger.FieldArtifact, artifactRef)
	return nil
}
