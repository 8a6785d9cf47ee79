package connection

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"

	compression "github.com/deploymenttheory/go-scenario-composer/internal/common/compressionutil"
	commonerrors "github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/logger"
)

// DockerExecAPI is the subset of the docker client used to run commands in a container
type DockerExecAPI interface {
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options types.CopyToContainerOptions) error
}

// Docker runs commands inside a running container through the docker API
type Docker struct {
	api       DockerExecAPI
	container string
	shell     []string
}

// NewDocker returns a connection to container
func NewDocker(api DockerExecAPI, container string) *Docker {
	return &Docker{
		api:       api,
		container: container,
		shell:     []string{"bash", "-c"},
	}
}

func (d *Docker) Name() string { return d.container }

func (d *Docker) Exec(ctx context.Context, cmd Command) (*Result, error) {
	argv := cmd.Argv
	if len(argv) == 0 {
		argv = append(append([]string{}, d.shell...), cmd.Shell)
	}

	runCtx, cancel := withTimeout(ctx, cmd.Timeout)
	defer cancel()

	logger.LogDebug("Executing container command", map[string]interface{}{
		"container": d.container,
		"command":   cmd.String(),
		"user":      cmd.User,
	})

	started := time.Now()
	created, err := d.api.ContainerExecCreate(runCtx, d.container, types.ExecConfig{
		User:         cmd.User,
		AttachStdout: true,
		AttachStderr: true,
		Env:          sortedEnv(cmd.Env),
		WorkingDir:   cmd.Dir,
		Cmd:          argv,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: exec create in %s: %v", commonerrors.ErrExecFailed, d.container, err)
	}

	attached, err := d.api.ContainerExecAttach(runCtx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("%w: exec attach in %s: %v", commonerrors.ErrExecFailed, d.container, err)
	}
	defer attached.Close()

	out := &capture{}
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(out.Stdout(), out.Stderr(), attached.Reader)
		copied <- err
	}()

	select {
	case err = <-copied:
	case <-runCtx.Done():
		if ctx.Err() == nil {
			return out.result(-1, started), fmt.Errorf("%w after %s: %s", commonerrors.ErrCommandTimeout, cmd.Timeout, cmd.String())
		}
		return out.result(-1, started), ctx.Err()
	}
	if err != nil {
		return out.result(-1, started), fmt.Errorf("%w: reading output: %v", commonerrors.ErrExecFailed, err)
	}

	inspected, err := d.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return out.result(-1, started), fmt.Errorf("%w: exec inspect in %s: %v", commonerrors.ErrExecFailed, d.container, err)
	}
	return out.result(inspected.ExitCode, started), nil
}

func (d *Docker) Copy(ctx context.Context, src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: %v", commonerrors.ErrCopyFailed, err)
	}

	// CopyToContainer unpacks into an existing directory
	targetDir := dest
	if !info.IsDir() {
		targetDir = path.Dir(dest)
	}
	res, err := d.Exec(ctx, Command{Argv: []string{"mkdir", "-p", targetDir}})
	if err != nil {
		return fmt.Errorf("%w: %v", commonerrors.ErrCopyFailed, err)
	}
	if res.Failed() {
		return fmt.Errorf("%w: mkdir %s: %s", commonerrors.ErrCopyFailed, targetDir, res.Output)
	}

	pr, pw := io.Pipe()
	go func() {
		if info.IsDir() {
			pw.CloseWithError(compression.WriteTar(pw, src, ""))
		} else {
			pw.CloseWithError(compression.WriteTarFile(pw, src, path.Base(dest)))
		}
	}()
	defer pr.Close()

	err = d.api.CopyToContainer(ctx, d.container, targetDir, pr, types.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("%w: %s -> %s:%s: %v", commonerrors.ErrCopyFailed, src, d.container, dest, err)
	}
	return nil
}

func (d *Docker) Close() error { return nil }
