package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oriys/cybergym/internal/domain"
	"github.com/oriys/cybergym/internal/httperr"
	"github.com/oriys/cybergym/internal/logging"
	"github.com/oriys/cybergym/internal/observability"
	"github.com/oriys/cybergym/internal/task"
)

const (
	// DefaultDockerTimeout bounds the host-side wait on the container.
	DefaultDockerTimeout = 30 * time.Second
	// DefaultCmdTimeout bounds the target command inside the container.
	DefaultCmdTimeout = 10 * time.Second

	pocMountPath      = "/tmp/poc"
	testcaseMountPath = "/testcase"
	outMountPath      = "/out"

	// Exit status of a process killed by the in-container `timeout -s SIGKILL`.
	sigkillExitCode = 137

	latestRunnerImage = "gcr.io/oss-fuzz-base/base-runner"
)

// Config holds runner tunables.
type Config struct {
	DockerTimeout time.Duration
	CmdTimeout    time.Duration
	// BinaryDir holds per-task output trees for oss-fuzz-latest tasks.
	// When empty, oss-fuzz-latest submissions are rejected.
	BinaryDir string
}

// Runner executes one PoC per call inside a task container. Invocations
// are self-contained and may run concurrently; the engine coordinates
// host resources.
type Runner struct {
	engine        Engine
	dockerTimeout time.Duration
	cmdTimeout    time.Duration
	binaryDir     string
}

// NewRunner wires a runner over the given engine.
func NewRunner(engine Engine, cfg Config) *Runner {
	if cfg.DockerTimeout <= 0 {
		cfg.DockerTimeout = DefaultDockerTimeout
	}
	if cfg.CmdTimeout <= 0 {
		cfg.CmdTimeout = DefaultCmdTimeout
	}
	return &Runner{
		engine:        engine,
		dockerTimeout: cfg.DockerTimeout,
		cmdTimeout:    cfg.CmdTimeout,
		binaryDir:     cfg.BinaryDir,
	}
}

// Run executes the PoC at pocPath against the task's build for mode and
// returns the container exit code and captured stdout. An in-container
// SIGKILL timeout (exit 137) is remapped to the synthetic timeout code
// with empty output.
func (r *Runner) Run(ctx context.Context, taskID string, mode domain.Mode, pocPath string) (int, []byte, error) {
	if task.IsLatest(taskID) {
		if mode != domain.ModeVul || r.binaryDir == "" {
			return 0, nil, httperr.New(http.StatusBadRequest, "oss-fuzz-latest does not support this operation")
		}
		return r.runLatest(ctx, taskID, pocPath)
	}

	image, command, err := task.Resolve(taskID, mode)
	if err != nil {
		return 0, nil, err
	}
	binds := []Bind{{HostPath: pocPath, ContainerPath: pocMountPath, ReadOnly: true}}
	return r.runContainer(ctx, image, command, binds)
}

// runLatest handles oss-fuzz-latest tasks: the PoC is bound at /testcase
// and the task's prebuilt output tree at /out, with the fuzz target name
// taken from the task metadata.
func (r *Runner) runLatest(ctx context.Context, taskID string, pocPath string) (int, []byte, error) {
	t, err := task.Parse(taskID)
	if err != nil {
		return 0, nil, err
	}
	taskDir := filepath.Join(r.binaryDir, t.ID)

	meta, err := os.ReadFile(filepath.Join(taskDir, "metadata.json"))
	if err != nil {
		return 0, nil, httperr.Errorf(http.StatusInternalServerError, "Running error: %v", err)
	}
	var m struct {
		FuzzTarget string `json:"fuzz_target"`
	}
	if err := json.Unmarshal(meta, &m); err != nil || m.FuzzTarget == "" {
		return 0, nil, httperr.Errorf(http.StatusInternalServerError, "Running error: invalid metadata for %s", taskID)
	}

	binds := []Bind{
		{HostPath: pocPath, ContainerPath: testcaseMountPath, ReadOnly: true},
		{HostPath: filepath.Join(taskDir, "out"), ContainerPath: outMountPath, ReadOnly: true},
	}
	return r.runContainer(ctx, latestRunnerImage, []string{"reproduce", m.FuzzTarget}, binds)
}

func (r *Runner) runContainer(ctx context.Context, image string, command []string, binds []Bind) (exitCode int, output []byte, err error) {
	ctx, span := observability.StartSpan(ctx, "sandbox.container",
		observability.AttrImage.String(image),
	)
	defer func() {
		if err != nil {
			observability.SetSpanError(span, err)
		} else {
			span.SetAttributes(observability.AttrExitCode.Int(exitCode))
			observability.SetSpanOK(span)
		}
		span.End()
	}()

	// The shell merges the target's stderr into stdout and enforces the
	// inner timeout; the outer timeout below guards the wait itself.
	shellCmd := []string{"/bin/bash", "-c",
		fmt.Sprintf("timeout -s SIGKILL %d %s 2>&1", int(r.cmdTimeout.Seconds()), shellJoin(command))}

	ctr, err := r.engine.Run(ctx, image, shellCmd, binds)
	if err != nil {
		return 0, nil, runError(err)
	}
	defer ctr.Remove()

	logCtx, cancelLogs := context.WithCancel(ctx)
	defer cancelLogs()

	logs, err := ctr.Logs(logCtx)
	if err != nil {
		return 0, nil, runError(err)
	}
	outCh := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(logs)
		logs.Close()
		outCh <- data
	}()

	waitCtx, cancelWait := context.WithTimeout(ctx, r.dockerTimeout)
	defer cancelWait()

	exitCode, err = ctr.Wait(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, httperr.New(http.StatusInternalServerError, "Timeout waiting for the program")
		}
		return 0, nil, runError(err)
	}

	if exitCode == sigkillExitCode {
		logging.Op().Debug("container killed by inner timeout", "image", image)
		return domain.ExitTimeout, nil, nil
	}

	// The stream closes once the container is gone; the remaining outer
	// wait window still bounds a hung reader.
	select {
	case output = <-outCh:
	case <-waitCtx.Done():
		return 0, nil, httperr.New(http.StatusInternalServerError, "Timeout waiting for the program")
	}
	return exitCode, output, nil
}

// runError converts engine failures into the HTTP error taxonomy.
func runError(err error) error {
	var ee *EngineError
	if errors.As(err, &ee) {
		return httperr.Errorf(http.StatusInternalServerError, "Running error: %v", err)
	}
	var he *httperr.Error
	if errors.As(err, &he) {
		return err
	}
	return httperr.Errorf(http.StatusInternalServerError, "Unexpected error: %v", err)
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

const shellSafeChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./=:@%+,"

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		if !strings.ContainsRune(shellSafeChars, c) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
