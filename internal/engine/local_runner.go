package engine

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

type localRunner struct{}

// NewLocalRunner runs commands as child processes of this host.
func NewLocalRunner() Runner {
	return localRunner{}
}

func (localRunner) Exec(ctx context.Context, _ string, cmd []string, opts ...ExecOpt) (*ExecResult, error) {
	if len(cmd) == 0 {
		return nil, errors.New("empty command")
	}
	o := collectOptions(opts)

	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Dir = o.WorkDir
	c.WaitDelay = 2 * time.Second
	if len(o.Env) > 0 {
		c.Env = append(os.Environ(), o.Env...)
	}
	if o.Stdin != nil {
		c.Stdin = o.Stdin
	}
	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	err := c.Run()
	res := &ExecResult{Stdout: outBuf.String(), Stderr: errBuf.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(err, "run %s", cmd[0])
	}
	return res, nil
}

func (r localRunner) Sh(ctx context.Context, containerName, script string, opts ...ExecOpt) (*ExecResult, error) {
	return r.Exec(ctx, containerName, []string{"sh", "-c", script}, opts...)
}

func (localRunner) CopyFrom(_ context.Context, _ string, filePath string) ([]byte, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", filePath)
	}
	return data, nil
}

func (localRunner) CopyTo(_ context.Context, _ string, dstDir string, src io.Reader, _ int64, filename string) error {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dstDir)
	}
	f, err := os.Create(filepath.Join(dstDir, filename))
	if err != nil {
		return errors.Wrap(err, "create destination file")
	}
	defer f.Close()
	if _, err := io.Copy(f, src); err != nil {
		return errors.Wrap(err, "write destination file")
	}
	return f.Close()
}
