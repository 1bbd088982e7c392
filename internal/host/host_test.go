package host

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/crypto/ssh"
)

type LocalHostTestSuite struct {
	suite.Suite
	src  afero.Fs
	dst  afero.Fs
	host *LocalHost
}

func (s *LocalHostTestSuite) SetupTest() {
	s.src = afero.NewMemMapFs()
	s.dst = afero.NewMemMapFs()
	s.host = &LocalHost{Name: "local", Source: s.src, Target: s.dst}

	require.NoError(s.T(), afero.WriteFile(s.src, "/build/fleet", []byte("#!/bin/sh\n"), 0o755))
	require.NoError(s.T(), afero.WriteFile(s.src, "/build/jobs.yaml", []byte("kinds: []\n"), 0o644))
}

func (s *LocalHostTestSuite) TestUploadKeepsNamesAndModes() {
	err := s.host.Upload(context.Background(), []string{"/build/fleet", "/build/jobs.yaml"}, "/opt/fleet")
	s.Require().NoError(err)

	data, err := afero.ReadFile(s.dst, "/opt/fleet/fleet")
	s.Require().NoError(err)
	s.Equal("#!/bin/sh\n", string(data))

	info, err := s.dst.Stat("/opt/fleet/fleet")
	s.Require().NoError(err)
	s.Equal(0o755, int(info.Mode().Perm()))

	ok, err := afero.Exists(s.dst, "/opt/fleet/jobs.yaml")
	s.Require().NoError(err)
	s.True(ok)
}

func (s *LocalHostTestSuite) TestUploadMissingFile() {
	err := s.host.Upload(context.Background(), []string{"/build/nope"}, "/opt/fleet")
	s.Error(err)
}

func (s *LocalHostTestSuite) TestUploadCancelled() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.host.Upload(ctx, []string{"/build/fleet"}, "/opt/fleet")
	s.ErrorIs(err, context.Canceled)
}

func (s *LocalHostTestSuite) TestDownload() {
	s.Require().NoError(afero.WriteFile(s.dst, "/opt/fleet/out.log", []byte("done"), 0o600))
	s.Require().NoError(s.host.Download(context.Background(), "/opt/fleet/out.log", "/tmp/out.log"))

	data, err := afero.ReadFile(s.src, "/tmp/out.log")
	s.Require().NoError(err)
	s.Equal("done", string(data))
}

func (s *LocalHostTestSuite) TestPlatform() {
	p, err := s.host.Platform(context.Background())
	s.Require().NoError(err)
	s.Equal(runtime.GOOS+"/"+runtime.GOARCH, p)
	s.Equal("local", s.host.Address())
}

func TestLocalHostTestSuite(t *testing.T) {
	suite.Run(t, new(LocalHostTestSuite))
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell available")
	}
}

func TestLocalExecute(t *testing.T) {
	requireShell(t)
	h := NewLocalHost()
	ctx := context.Background()

	assert.NoError(t, Run(ctx, h, "sh", "-c", "exit 0"))
	assert.Error(t, Run(ctx, h, "sh", "-c", "exit 3"))
	assert.True(t, Reachable(ctx, h))

	_, err := h.Execute(ctx, "/definitely/not/here")
	assert.Error(t, err)
}

func TestLocalKill(t *testing.T) {
	requireShell(t)
	h := NewLocalHost()

	p, err := h.Execute(context.Background(), "sh", "-c", "sleep 30")
	require.NoError(t, err)
	require.NoError(t, p.Kill())

	done := make(chan error, 1)
	go func() { done <- p.Wait() }()
	select {
	case err := <-done:
		assert.Error(t, err, "killed process reports a non-zero exit")
	case <-time.After(5 * time.Second):
		t.Fatal("process survived Kill")
	}
	assert.NoError(t, p.Kill(), "killing an exited process is a no-op")
}

func TestRunHonoursContext(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := Run(ctx, NewLocalHost(), "sh", "-c", "sleep 30")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShellQuote(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"/opt/fleet/fleet", "/opt/fleet/fleet"},
		{"127.0.0.1:7400", "127.0.0.1:7400"},
		{"two words", "'two words'"},
		{"it's", `'it'\''s'`},
		{"", "''"},
		{"$HOME", "'$HOME'"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, shellQuote(tc.in), tc.in)
	}
	assert.Equal(t, "/opt/fleet worker --listen '0.0.0.0:1 x'", commandLine("/opt/fleet", []string{"worker", "--listen", "0.0.0.0:1 x"}))
}

func TestPlatformOf(t *testing.T) {
	testCases := []struct {
		uname string
		want  string
	}{
		{"Linux x86_64\n", "linux/amd64"},
		{"Linux aarch64", "linux/arm64"},
		{"Darwin arm64", "darwin/arm64"},
		{"FreeBSD amd64", "freebsd/amd64"},
	}
	for _, tc := range testCases {
		got, err := platformOf(tc.uname)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
	_, err := platformOf("garbage")
	assert.Error(t, err)
}

func TestRemoteJoin(t *testing.T) {
	assert.Equal(t, "/opt/fleet/fleet", remoteJoin("/opt/fleet", "build/bin/fleet"))
	assert.Equal(t, "/opt/fleet/fleet.exe", remoteJoin("/opt/fleet", `C:\build\fleet.exe`))
}

func TestSSHHostAddressing(t *testing.T) {
	h := NewSSHHost(SSHConfig{Address: "10.0.0.5", User: "ops"}, afero.NewMemMapFs())
	assert.Equal(t, "ops@10.0.0.5:22", h.Address())
	assert.Equal(t, "10.0.0.5", h.Hostname())

	h = NewSSHHost(SSHConfig{Address: "build.example:2222"}, afero.NewMemMapFs())
	assert.Equal(t, "build.example:2222", h.Address())
	assert.Equal(t, "build.example", h.Hostname())
	assert.NoError(t, h.Close())
}

func TestSSHClientConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/keys/id_ed25519", pem.EncodeToMemory(block), 0o600))

	h := NewSSHHost(SSHConfig{Address: "10.0.0.5", User: "ops", KeyFile: "/keys/id_ed25519"}, fs)
	cfg, err := h.clientConfig()
	require.NoError(t, err)
	assert.Equal(t, "ops", cfg.User)
	assert.Len(t, cfg.Auth, 1)
	assert.Equal(t, 10*time.Second, cfg.Timeout)

	missing := NewSSHHost(SSHConfig{Address: "10.0.0.5", KeyFile: "/keys/none"}, fs)
	_, err = missing.clientConfig()
	assert.Error(t, err)
}

func TestSSHUnreachable(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/k", pem.EncodeToMemory(block), 0o600))

	h := NewSSHHost(SSHConfig{Address: "127.0.0.1:1", KeyFile: "/k", Timeout: time.Second}, fs)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.False(t, Reachable(ctx, h))
	_, err = h.Platform(ctx)
	assert.Error(t, err)
}
