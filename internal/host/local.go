package host

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/spf13/afero"
)

const osCreateFlags = os.O_CREATE | os.O_TRUNC | os.O_WRONLY

// LocalHost runs workers on this machine. Files are read from Source and
// written to Target, both afero filesystems.
type LocalHost struct {
	Name   string
	Source afero.Fs
	Target afero.Fs
}

var _ Host = (*LocalHost)(nil)

// NewLocalHost returns a host backed by the real filesystem.
func NewLocalHost() *LocalHost {
	fs := afero.NewOsFs()
	return &LocalHost{Name: "localhost", Source: fs, Target: fs}
}

// Address returns the configured name.
func (h *LocalHost) Address() string {
	return h.Name
}

// Hostname is the loopback address.
func (h *LocalHost) Hostname() string {
	return "127.0.0.1"
}

// Upload copies files from Source into remoteDir on Target.
func (h *LocalHost) Upload(ctx context.Context, files []string, remoteDir string) error {
	if err := h.Target.MkdirAll(remoteDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", remoteDir, err)
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyFile(h.Source, f, h.Target, remoteJoin(remoteDir, f)); err != nil {
			return fmt.Errorf("upload %s: %w", f, err)
		}
	}
	return nil
}

// Download copies remotePath on Target to localPath on Source.
func (h *LocalHost) Download(ctx context.Context, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := copyFile(h.Target, remotePath, h.Source, localPath); err != nil {
		return fmt.Errorf("download %s: %w", remotePath, err)
	}
	return nil
}

// Execute starts a local process. ctx only bounds the start; the process
// outlives it.
func (h *LocalHost) Execute(ctx context.Context, name string, args ...string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return newLocalProcess(cmd), nil
}

// Platform returns the os/arch of this process.
func (h *LocalHost) Platform(context.Context) (string, error) {
	return runtime.GOOS + "/" + runtime.GOARCH, nil
}

// Close is a no-op.
func (h *LocalHost) Close() error {
	return nil
}

type localProcess struct {
	cmd  *exec.Cmd
	once sync.Once
	done chan struct{}
	err  error
}

func newLocalProcess(cmd *exec.Cmd) *localProcess {
	p := &localProcess{cmd: cmd, done: make(chan struct{})}
	go p.reap()
	return p
}

func (p *localProcess) reap() {
	p.err = p.cmd.Wait()
	close(p.done)
}

func (p *localProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *localProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	var err error
	p.once.Do(func() {
		err = p.cmd.Process.Kill()
	})
	return err
}
