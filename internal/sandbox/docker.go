package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/cybergym/internal/logging"
)

// DockerEngine drives the local docker CLI. Each Run is self-contained;
// the daemon is the sole coordinator of host resources.
type DockerEngine struct{}

// NewDockerEngine verifies docker is reachable and returns the engine.
func NewDockerEngine() (*DockerEngine, error) {
	if err := exec.Command("docker", "version").Run(); err != nil {
		return nil, fmt.Errorf("docker not available: %w", err)
	}
	return &DockerEngine{}, nil
}

func (e *DockerEngine) Run(ctx context.Context, image string, command []string, binds []Bind) (Container, error) {
	args := []string{"run", "-d"}
	for _, b := range binds {
		spec := b.HostPath + ":" + b.ContainerPath
		if b.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	args = append(args, image)
	args = append(args, command...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, &EngineError{msg: fmt.Sprintf("docker run failed: %s", cmdErrDetail(err))}
	}

	id := strings.TrimSpace(string(out))
	logging.Op().Debug("container started", "image", image, "id", shortID(id))
	return &dockerContainer{id: id}, nil
}

type dockerContainer struct {
	id string
}

func (c *dockerContainer) Logs(ctx context.Context) (io.ReadCloser, error) {
	// Follow stdout only; the runner merges stderr inside the container.
	cmd := exec.CommandContext(ctx, "docker", "logs", "-f", c.id)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &EngineError{msg: fmt.Sprintf("docker logs failed: %v", err)}
	}
	if err := cmd.Start(); err != nil {
		return nil, &EngineError{msg: fmt.Sprintf("docker logs failed: %v", err)}
	}
	return &cmdReader{cmd: cmd, rc: stdout}, nil
}

func (c *dockerContainer) Wait(ctx context.Context) (int, error) {
	out, err := exec.CommandContext(ctx, "docker", "wait", c.id).Output()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}
	if err != nil {
		return 0, &EngineError{msg: fmt.Sprintf("docker wait failed: %s", cmdErrDetail(err))}
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, &EngineError{msg: fmt.Sprintf("unexpected docker wait output: %q", strings.TrimSpace(string(out)))}
	}
	return code, nil
}

func (c *dockerContainer) Remove() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "rm", "-f", c.id).Run(); err != nil {
		logging.Op().Warn("container remove failed", "id", shortID(c.id), "error", err)
	}
}

// cmdReader reaps the logs child process when the stream is closed.
type cmdReader struct {
	cmd *exec.Cmd
	rc  io.ReadCloser
}

func (r *cmdReader) Read(p []byte) (int, error) {
	return r.rc.Read(p)
}

func (r *cmdReader) Close() error {
	r.rc.Close()
	return r.cmd.Wait()
}

func cmdErrDetail(err error) string {
	var ee *exec.ExitError
	if errors.As(err, &ee) && len(ee.Stderr) > 0 {
		return strings.TrimSpace(string(ee.Stderr))
	}
	return err.Error()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
