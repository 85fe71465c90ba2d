package engine

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
)

type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (r *ExecResult) Output() string { return r.Stdout + r.Stderr }

type execOptions struct {
	Env         []string
	WorkDir     string
	AttachStdin bool
	Stdin       io.Reader
	Timeout     time.Duration
}

type ExecOpt func(*execOptions)

func collectOptions(opts []ExecOpt) *execOptions {
	o := &execOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Runner executes loader commands either on this host or inside a container.
// The local runner ignores containerName.
type Runner interface {
	Exec(ctx context.Context, containerName string, cmd []string, opts ...ExecOpt) (*ExecResult, error)
	Sh(ctx context.Context, containerName, script string, opts ...ExecOpt) (*ExecResult, error)
	CopyFrom(ctx context.Context, containerName, filePath string) ([]byte, error)
	CopyTo(ctx context.Context, containerName, dstDir string, src io.Reader, size int64, filename string) error
}

type dockerRunner struct {
	cli *client.Client
}

func WithEnv(env ...string) ExecOpt {
	return func(o *execOptions) { o.Env = append(o.Env, env...) }
}

func WithWorkDir(dir string) ExecOpt {
	return func(o *execOptions) { o.WorkDir = dir }
}

func WithStdin(r io.Reader) ExecOpt {
	return func(o *execOptions) { o.AttachStdin = true; o.Stdin = r }
}

func WithTimeout(d time.Duration) ExecOpt {
	return func(o *execOptions) { o.Timeout = d }
}

func (d *dockerRunner) CopyFrom(ctx context.Context, containerName string, filePath string) ([]byte, error) {
	reader, _, err := d.cli.CopyFromContainer(ctx, containerName, filePath)
	if err != nil {
		return nil, errors.Wrap(err, "copy from container")
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		if err == io.EOF {
			return nil, errors.Errorf("empty archive for %s", filePath)
		}
		return nil, errors.Wrap(err, "tar read header")
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, tr); err != nil {
		return nil, errors.Wrap(err, "tar read file")
	}
	return buf.Bytes(), nil
}

// CopyTo streams src into dstDir/filename inside the container as a
// single-entry tar archive.
func (d *dockerRunner) CopyTo(ctx context.Context, containerName string, dstDir string, src io.Reader, size int64, filename string) error {
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		hdr := &tar.Header{
			Name:    filename,
			Mode:    0644,
			Size:    size,
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			pw.CloseWithError(errors.Wrap(err, "tar write header"))
			return
		}
		if _, err := io.Copy(tw, src); err != nil {
			pw.CloseWithError(errors.Wrap(err, "tar write content"))
			return
		}
		pw.CloseWithError(tw.Close())
	}()

	if err := d.cli.CopyToContainer(ctx, containerName, dstDir, pr, container.CopyToContainerOptions{AllowOverwriteDirWithFile: false}); err != nil {
		pr.CloseWithError(err)
		return errors.Wrap(err, "copy to container")
	}
	return nil
}

func (d *dockerRunner) Exec(ctx context.Context, containerName string, cmd []string, opts ...ExecOpt) (*ExecResult, error) {
	o := collectOptions(opts)

	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  o.AttachStdin,
		Env:          o.Env,
		WorkingDir:   o.WorkDir,
	}

	created, err := d.cli.ContainerExecCreate(ctx, containerName, execCfg)
	if err != nil {
		return nil, errors.Wrap(err, "exec create")
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{
		Detach: false,
		Tty:    false,
	})
	if err != nil {
		return nil, errors.Wrap(err, "exec attach")
	}

	defer attach.Close()

	if o.AttachStdin && o.Stdin != nil {
		go func() {
			io.Copy(attach.Conn, o.Stdin)
			attach.CloseWrite()
		}()
	}

	var outBuf, errBuf bytes.Buffer
	outputDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&outBuf, &errBuf, attach.Reader)
		outputDone <- copyErr
	}()

	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err = <-outputDone:
		if err != nil {
			return nil, errors.Wrap(err, "exec stream")
		}
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, errors.Wrap(err, "exec inspect")
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
	}, nil
}

func (d *dockerRunner) Sh(ctx context.Context, containerName string, script string, opts ...ExecOpt) (*ExecResult, error) {
	return d.Exec(ctx, containerName, []string{"sh", "-lc", script}, opts...)
}

func NewDockerRunner(cli *client.Client) Runner {
	return &dockerRunner{cli: cli}
}

// NewDockerRunnerFromEnv connects to the daemon configured by DOCKER_HOST and
// friends.
func NewDockerRunnerFromEnv() (Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "docker client")
	}
	return NewDockerRunner(cli), nil
}
