// Package host reaches the machines workers run on: copy files to and
// from them and start processes there.
package host

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// Host is a machine workers can be deployed to.
type Host interface {
	// Address identifies the host, e.g. "localhost" or "user@10.0.0.5:22".
	Address() string
	// Hostname is the name workers on this host are reached by.
	Hostname() string
	// Upload copies local files into remoteDir, keeping base names and
	// permissions. remoteDir is created if missing.
	Upload(ctx context.Context, files []string, remoteDir string) error
	// Download copies remotePath to localPath.
	Download(ctx context.Context, remotePath, localPath string) error
	// Execute starts name with args and returns without waiting for it.
	Execute(ctx context.Context, name string, args ...string) (Process, error)
	// Platform reports GOOS/GOARCH of the host, e.g. "linux/amd64".
	Platform(ctx context.Context) (string, error)
	Close() error
}

// Process is a command started on a host.
type Process interface {
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process.
	Kill() error
}

// Run starts name on h and waits for it to exit.
func Run(ctx context.Context, h Host, name string, args ...string) error {
	p, err := h.Execute(ctx, name, args...)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- p.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = p.Kill()
		return ctx.Err()
	}
}

// Reachable reports whether a trivial command succeeds on h.
func Reachable(ctx context.Context, h Host) bool {
	return Run(ctx, h, "true") == nil
}

// copyFile copies src on srcFs to dst on dstFs with the source's mode.
func copyFile(srcFs afero.Fs, src string, dstFs afero.Fs, dst string) error {
	info, err := srcFs.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}
	in, err := srcFs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := dstFs.OpenFile(dst, osCreateFlags, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return dstFs.Chmod(dst, info.Mode().Perm())
}

// remoteJoin joins slash-separated remote paths.
func remoteJoin(dir, name string) string {
	return path.Join(dir, path.Base(strings.ReplaceAll(name, "\\", "/")))
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' || r == ':' || r == '=' || r == '@' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func commandLine(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

// platformOf maps `uname -s -m` output to GOOS/GOARCH.
func platformOf(uname string) (string, error) {
	fields := strings.Fields(uname)
	if len(fields) != 2 {
		return "", fmt.Errorf("unexpected uname output %q", uname)
	}
	goos := strings.ToLower(fields[0])
	arch := fields[1]
	switch arch {
	case "x86_64", "amd64":
		arch = "amd64"
	case "aarch64", "arm64":
		arch = "arm64"
	case "i386", "i686":
		arch = "386"
	case "armv7l", "armv6l":
		arch = "arm"
	}
	return goos + "/" + arch, nil
}
