package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	compression "github.com/deploymenttheory/go-scenario-composer/internal/common/compressionutil"
	commonerrors "github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/common/fsutil"
	"github.com/deploymenttheory/go-scenario-composer/internal/logger"
)

// Local runs commands on the machine running the composer
type Local struct {
	name  string
	shell []string
}

// NewLocal returns a local connection. shell is the interpreter prefix used
// for Shell commands; it defaults to bash -c.
func NewLocal(name string, shell ...string) *Local {
	if len(shell) == 0 {
		shell = []string{"bash", "-c"}
	}
	return &Local{name: name, shell: shell}
}

func (l *Local) Name() string { return l.name }

func (l *Local) Exec(ctx context.Context, cmd Command) (*Result, error) {
	argv := cmd.Argv
	if len(argv) == 0 {
		argv = append(append([]string{}, l.shell...), cmd.Shell)
	}
	if cmd.User != "" {
		argv = append([]string{"sudo", "-u", cmd.User, "--"}, argv...)
	}

	runCtx, cancel := withTimeout(ctx, cmd.Timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), sortedEnv(cmd.Env)...)
	c.WaitDelay = 5 * time.Second

	out := &capture{}
	c.Stdout = out.Stdout()
	c.Stderr = out.Stderr()

	logger.LogDebug("Executing local command", map[string]interface{}{
		"target":  l.name,
		"command": cmd.String(),
	})

	started := time.Now()
	err := c.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return out.result(-1, started), fmt.Errorf("%w after %s: %s", commonerrors.ErrCommandTimeout, cmd.Timeout, cmd.String())
	}
	if ctx.Err() != nil {
		return out.result(-1, started), ctx.Err()
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return out.result(0, started), nil
	case errors.As(err, &exitErr):
		return out.result(exitErr.ExitCode(), started), nil
	default:
		return out.result(-1, started), fmt.Errorf("%w: %v", commonerrors.ErrExecFailed, err)
	}
}

func (l *Local) Copy(ctx context.Context, src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: %v", commonerrors.ErrCopyFailed, err)
	}

	if !info.IsDir() {
		if err := fsutil.CopyFile(src, dest); err != nil {
			return fmt.Errorf("%w: %v", commonerrors.ErrCopyFailed, err)
		}
		return nil
	}

	// Stream the tree through the same archive path used for remote targets
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(compression.WriteTar(pw, src, ""))
	}()

	if err := fsutil.CreateDirIfNotExists(dest); err != nil {
		pr.Close()
		return fmt.Errorf("%w: %v", commonerrors.ErrCopyFailed, err)
	}
	if err := compression.ExtractTar(pr, dest); err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("%w: %v", commonerrors.ErrCopyFailed, err)
	}
	// Drain the archive trailer so the writer goroutine can finish
	_, _ = io.Copy(io.Discard, pr)
	return nil
}

func (l *Local) Close() error { return nil }
