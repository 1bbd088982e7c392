package host

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig describes how to reach a host over SSH.
type SSHConfig struct {
	// host:port; port 22 is assumed when missing.
	Address string `yaml:"address"`
	User    string `yaml:"user"`
	// Private key file. Only key authentication is supported.
	KeyFile string `yaml:"key_file"`
	// known_hosts file. Empty accepts any host key.
	KnownHosts string        `yaml:"known_hosts"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SSHHost runs workers on a remote machine over SSH. The connection is
// opened on first use and reused.
type SSHHost struct {
	cfg   SSHConfig
	local afero.Fs

	mu     sync.Mutex
	client *ssh.Client
}

var _ Host = (*SSHHost)(nil)

// NewSSHHost creates a host; nothing is dialed yet. Local files are read
// from and written to local.
func NewSSHHost(cfg SSHConfig, local afero.Fs) *SSHHost {
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		cfg.Address = net.JoinHostPort(cfg.Address, "22")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if local == nil {
		local = afero.NewOsFs()
	}
	return &SSHHost{cfg: cfg, local: local}
}

// Address returns host:port, prefixed with user@ when a user is set.
func (h *SSHHost) Address() string {
	if h.cfg.User == "" {
		return h.cfg.Address
	}
	return h.cfg.User + "@" + h.cfg.Address
}

// Hostname returns the host part of the address.
func (h *SSHHost) Hostname() string {
	name, _, err := net.SplitHostPort(h.cfg.Address)
	if err != nil {
		return h.cfg.Address
	}
	return name
}

func (h *SSHHost) clientConfig() (*ssh.ClientConfig, error) {
	key, err := afero.ReadFile(h.local, h.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", h.cfg.KeyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", h.cfg.KeyFile, err)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if h.cfg.KnownHosts != "" {
		if hostKey, err = knownhosts.New(os.ExpandEnv(h.cfg.KnownHosts)); err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            h.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         h.cfg.Timeout,
	}, nil
}

func (h *SSHHost) connect(ctx context.Context) (*ssh.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		return h.client, nil
	}

	cfg, err := h.clientConfig()
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", h.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", h.cfg.Address, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, h.cfg.Address, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", h.cfg.Address, err)
	}
	h.client = ssh.NewClient(c, chans, reqs)
	return h.client, nil
}

// session opens a session, dropping the cached client when the
// connection turned out to be dead.
func (h *SSHHost) session(ctx context.Context) (*ssh.Session, error) {
	client, err := h.connect(ctx)
	if err != nil {
		return nil, err
	}
	s, err := client.NewSession()
	if err != nil {
		h.mu.Lock()
		if h.client == client {
			h.client = nil
		}
		h.mu.Unlock()
		client.Close()
		return nil, fmt.Errorf("open session on %s: %w", h.cfg.Address, err)
	}
	return s, nil
}

// output runs cmd and returns its stdout.
func (h *SSHHost) output(ctx context.Context, cmd string, stdin []byte) ([]byte, error) {
	s, err := h.session(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	var stdout, stderr bytes.Buffer
	s.Stdout = &stdout
	s.Stderr = &stderr
	if stdin != nil {
		s.Stdin = bytes.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(cmd) }()
	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %s", cmd, err, strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), nil
	case <-ctx.Done():
		_ = s.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	}
}

// Upload copies files into remoteDir, creating it if needed.
func (h *SSHHost) Upload(ctx context.Context, files []string, remoteDir string) error {
	if _, err := h.output(ctx, "mkdir -p "+shellQuote(remoteDir), nil); err != nil {
		return err
	}
	for _, f := range files {
		info, err := h.local.Stat(f)
		if err != nil {
			return fmt.Errorf("upload %s: %w", f, err)
		}
		data, err := afero.ReadFile(h.local, f)
		if err != nil {
			return fmt.Errorf("upload %s: %w", f, err)
		}
		dst := shellQuote(remoteJoin(remoteDir, f))
		cmd := fmt.Sprintf("cat > %s && chmod %o %s", dst, info.Mode().Perm(), dst)
		if _, err := h.output(ctx, cmd, data); err != nil {
			return fmt.Errorf("upload %s: %w", f, err)
		}
	}
	return nil
}

// Download copies remotePath to localPath.
func (h *SSHHost) Download(ctx context.Context, remotePath, localPath string) error {
	data, err := h.output(ctx, "cat "+shellQuote(remotePath), nil)
	if err != nil {
		return fmt.Errorf("download %s: %w", remotePath, err)
	}
	return afero.WriteFile(h.local, localPath, data, 0o644)
}

// Execute starts the command in its own session. The process lives until
// it exits, is killed, or the SSH connection drops.
func (h *SSHHost) Execute(ctx context.Context, name string, args ...string) (Process, error) {
	s, err := h.session(ctx)
	if err != nil {
		return nil, err
	}
	s.Stdout = os.Stderr
	s.Stderr = os.Stderr
	if err := s.Start(commandLine(name, args)); err != nil {
		s.Close()
		return nil, fmt.Errorf("start %s on %s: %w", name, h.cfg.Address, err)
	}
	return &sshProcess{session: s}, nil
}

// Platform runs uname on the host and maps it to os/arch.
func (h *SSHHost) Platform(ctx context.Context) (string, error) {
	out, err := h.output(ctx, "uname -s -m", nil)
	if err != nil {
		return "", err
	}
	return platformOf(string(out))
}

// Close drops the cached connection.
func (h *SSHHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil {
		return nil
	}
	err := h.client.Close()
	h.client = nil
	return err
}

type sshProcess struct {
	session *ssh.Session
	once    sync.Once
}

func (p *sshProcess) Wait() error {
	return p.session.Wait()
}

// Kill signals the remote process and closes its session. Servers that
// ignore signals still hang up the process with the session.
func (p *sshProcess) Kill() error {
	var err error
	p.once.Do(func() {
		_ = p.session.Signal(ssh.SIGKILL)
		err = p.session.Close()
	})
	return err
}
