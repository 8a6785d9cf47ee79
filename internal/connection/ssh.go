package connection

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	compression "github.com/deploymenttheory/go-scenario-composer/internal/common/compressionutil"
	commonerrors "github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/common/fsutil"
	"github.com/deploymenttheory/go-scenario-composer/internal/logger"
)

// Remote shells
const (
	ShellBash       = "bash"
	ShellPowerShell = "powershell"
)

// SSHConfig describes an SSH target
type SSHConfig struct {
	Name           string
	Host           string
	Port           int
	User           string
	Password       string
	PrivateKeyFile string
	KnownHostsFile string
	Shell          string // bash (default) or powershell
	WorkDir        string
	DialTimeout    time.Duration
}

// SSH runs commands on a remote host over SSH
type SSH struct {
	cfg    SSHConfig
	client *ssh.Client
}

// DialSSH opens an SSH connection described by cfg
func DialSSH(ctx context.Context, cfg SSHConfig) (*SSH, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Shell == "" {
		cfg.Shell = ShellBash
	}
	if cfg.Shell != ShellBash && cfg.Shell != ShellPowerShell {
		return nil, fmt.Errorf("%w: shell %q", commonerrors.ErrUnsupportedConnection, cfg.Shell)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	clientConfig, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", commonerrors.ErrConnectionFailed, addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: ssh handshake with %s: %v", commonerrors.ErrConnectionFailed, addr, err)
	}

	logger.LogDebug("Opened SSH connection", map[string]interface{}{
		"target": cfg.Name,
		"addr":   addr,
		"user":   cfg.User,
		"shell":  cfg.Shell,
	})

	return &SSH{cfg: cfg, client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

func clientConfig(cfg SSHConfig) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if cfg.PrivateKeyFile != "" {
		keyPath, err := fsutil.ExpandTilde(cfg.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
		key, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: reading private key: %v", commonerrors.ErrConnectionFailed, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing private key: %v", commonerrors.ErrConnectionFailed, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: %s: no password or private key configured", commonerrors.ErrConnectionFailed, cfg.Name)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		khPath, err := fsutil.ExpandTilde(cfg.KnownHostsFile)
		if err != nil {
			return nil, err
		}
		hostKeyCallback, err = knownhosts.New(khPath)
		if err != nil {
			return nil, fmt.Errorf("%w: loading known hosts: %v", commonerrors.ErrConnectionFailed, err)
		}
	} else {
		logger.LogWarn("Host key verification disabled", map[string]interface{}{"target": cfg.Name})
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.DialTimeout,
	}, nil
}

func (s *SSH) Name() string { return s.cfg.Name }

func (s *SSH) Exec(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Dir == "" {
		cmd.Dir = s.cfg.WorkDir
	}
	return s.run(ctx, remoteCommandLine(s.cfg.Shell, cmd), nil, cmd.Timeout)
}

func (s *SSH) run(ctx context.Context, line string, stdin io.Reader, timeout time.Duration) (*Result, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: opening session: %v", commonerrors.ErrConnectionFailed, err)
	}
	defer session.Close()

	out := &capture{}
	session.Stdout = out.Stdout()
	session.Stderr = out.Stderr()
	session.Stdin = stdin

	runCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	logger.LogDebug("Executing remote command", map[string]interface{}{
		"target":  s.cfg.Name,
		"command": line,
	})

	started := time.Now()
	if err := session.Start(line); err != nil {
		return nil, fmt.Errorf("%w: %v", commonerrors.ErrExecFailed, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		if ctx.Err() == nil {
			return out.result(-1, started), fmt.Errorf("%w after %s: %s", commonerrors.ErrCommandTimeout, timeout, line)
		}
		return out.result(-1, started), ctx.Err()
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return out.result(0, started), nil
	case errors.As(err, &exitErr):
		return out.result(exitErr.ExitStatus(), started), nil
	default:
		return out.result(-1, started), fmt.Errorf("%w: %v", commonerrors.ErrExecFailed, err)
	}
}

func (s *SSH) Copy(ctx context.Context, src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: %v", commonerrors.ErrCopyFailed, err)
	}

	targetDir := dest
	if !info.IsDir() {
		targetDir = path.Dir(dest)
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

	res, err := s.run(ctx, untarCommandLine(s.cfg.Shell, targetDir), pr, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", commonerrors.ErrCopyFailed, err)
	}
	if res.Failed() {
		return fmt.Errorf("%w: %s -> %s:%s: %s", commonerrors.ErrCopyFailed, src, s.cfg.Name, dest, strings.TrimSpace(res.Output))
	}
	return nil
}

func (s *SSH) Close() error {
	return s.client.Close()
}

// remoteCommandLine renders cmd as the single command string an SSH server expects
func remoteCommandLine(shell string, cmd Command) string {
	if shell == ShellPowerShell {
		return powerShellCommandLine(cmd)
	}

	line := QuoteArgs(cmd.Argv)
	if len(cmd.Argv) == 0 {
		line = "bash -c " + ShellQuote(cmd.Shell)
	}
	if len(cmd.Env) > 0 {
		env := sortedEnv(cmd.Env)
		for i, pair := range env {
			k, v, _ := strings.Cut(pair, "=")
			env[i] = k + "=" + ShellQuote(v)
		}
		line = "env " + strings.Join(env, " ") + " " + line
	}
	if cmd.User != "" {
		line = "sudo -u " + ShellQuote(cmd.User) + " -- " + line
	}
	if cmd.Dir != "" {
		line = "cd " + ShellQuote(cmd.Dir) + " && " + line
	}
	return line
}

// powerShellCommandLine wraps cmd for a Windows host whose login shell is
// PowerShell. The script travels base64 encoded to avoid cmd.exe quoting.
func powerShellCommandLine(cmd Command) string {
	var script strings.Builder
	if cmd.Dir != "" {
		script.WriteString("Set-Location -LiteralPath " + psQuote(cmd.Dir) + "; ")
	}
	for _, pair := range sortedEnv(cmd.Env) {
		k, v, _ := strings.Cut(pair, "=")
		script.WriteString("$env:" + k + " = " + psQuote(v) + "; ")
	}
	if len(cmd.Argv) > 0 {
		quoted := make([]string, len(cmd.Argv))
		for i, a := range cmd.Argv {
			quoted[i] = psQuote(a)
		}
		script.WriteString("& " + strings.Join(quoted, " "))
	} else {
		script.WriteString(cmd.Shell)
	}
	return "powershell -NoProfile -NonInteractive -EncodedCommand " + encodePowerShell(script.String())
}

func untarCommandLine(shell, dir string) string {
	if shell == ShellPowerShell {
		script := "New-Item -ItemType Directory -Force -Path " + psQuote(dir) + " | Out-Null; " +
			"tar -x -f - -C " + psQuote(dir)
		return "powershell -NoProfile -NonInteractive -EncodedCommand " + encodePowerShell(script)
	}
	return "mkdir -p " + ShellQuote(dir) + " && tar -x -f - -C " + ShellQuote(dir)
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// encodePowerShell produces the base64 UTF-16LE form expected by -EncodedCommand
func encodePowerShell(script string) string {
	units := utf16.Encode([]rune(script))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		buf[2*i] = byte(u)
		buf[2*i+1] = byte(u >> 8)
	}
	return base64.StdEncoding.EncodeToString(buf)
}
