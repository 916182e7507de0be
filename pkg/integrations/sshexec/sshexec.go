// Package sshexec provides the direct SSH execution plugin. It dials each
// target over SSH, runs the requested action in a session, and streams the
// session output live. Unlike Bolt it needs no tooling on the control host,
// so it serves as the fallback execution path.
package sshexec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/opsdeck/opsdeck/pkg/engine"
)

// Config holds SSH connection settings shared by all targets.
type Config struct {
	// User is the login user on the targets.
	User string

	// Port is the SSH port. Defaults to 22.
	Port int

	// PrivateKeyPath is the key used for public key authentication.
	PrivateKeyPath string

	// PrivateKeyPassphrase decrypts the key when set.
	PrivateKeyPassphrase string

	// Password enables password authentication when set and no key is
	// configured.
	Password string

	// KnownHostsPath enables strict host key checking against the given
	// known_hosts file. Empty accepts any host key.
	KnownHostsPath string

	// ConnectTimeout bounds the TCP and SSH handshake. Defaults to 10s.
	ConnectTimeout time.Duration

	// UseSudo wraps commands in sudo. Requires NOPASSWD on the targets.
	UseSudo bool

	// BootstrapScript is the local path of the agent install script
	// uploaded and run for install executions.
	BootstrapScript string
}

// Plugin implements engine.ExecutionPlugin over direct SSH sessions.
type Plugin struct {
	name         string
	priority     int
	cfg          Config
	clientConfig *ssh.ClientConfig

	// dialFn is swappable for tests.
	dialFn func(network, address string, config *ssh.ClientConfig) (*ssh.Client, error)
}

// New creates an SSH execution plugin. The client config is built once at
// construction so key or known_hosts problems surface at startup.
func New(name string, priority int, cfg Config) (*Plugin, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("sshexec user is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	clientConfig, err := buildClientConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &Plugin{
		name:         name,
		priority:     priority,
		cfg:          cfg,
		clientConfig: clientConfig,
		dialFn:       ssh.Dial,
	}, nil
}

// buildClientConfig assembles auth methods and the host key callback.
func buildClientConfig(cfg Config) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if cfg.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if cfg.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(cfg.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if cfg.Password != "" {
		authMethods = append(authMethods, ssh.Password(cfg.Password))
		// Many SSH servers only offer keyboard-interactive for the
		// password prompt.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = cfg.Password
				}
				return answers, nil
			},
		))
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("sshexec requires a private key or password")
	}

	var hostKeyCallback ssh.HostKeyCallback
	if cfg.KnownHostsPath != "" {
		var err error
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.ConnectTimeout,
	}, nil
}

// Name returns the registry name.
func (p *Plugin) Name() string { return p.name }

// Capabilities returns the execution capability.
func (p *Plugin) Capabilities() []engine.Capability {
	return []engine.Capability{engine.CapabilityExecution}
}

// Priority returns the configured priority.
func (p *Plugin) Priority() int { return p.priority }

// RunsPerTarget reports the per-target shape: one SSH session per node.
func (p *Plugin) RunsPerTarget() bool { return true }

// HealthCheck verifies the plugin is usable. There is no shared upstream to
// probe, so a valid client config is sufficient.
func (p *Plugin) HealthCheck(_ context.Context) error {
	if p.clientConfig == nil {
		return engine.NewInternalError("ssh client config not initialized", nil)
	}
	return nil
}

// Close releases plugin resources. Connections are per-run, nothing is held.
func (p *Plugin) Close() error { return nil }

// Run executes the action on a single target. The orchestrator calls Run once
// per target for per-target plugins, so req.Targets holds exactly one node.
func (p *Plugin) Run(ctx context.Context, req *engine.RunRequest, emit engine.EventSink) ([]engine.TargetOutcome, error) {
	if len(req.Targets) != 1 {
		return nil, engine.NewValidationError(
			fmt.Sprintf("sshexec runs one target per call, got %d", len(req.Targets)), nil)
	}
	target := req.Targets[0]

	command, err := p.buildCommand(req)
	if err != nil {
		return nil, err
	}

	client, err := p.dial(ctx, target)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if req.Type == engine.ExecutionTypeInstall {
		if err := p.uploadBootstrap(client, command.uploadTo); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	stdout, stderr, exitCode, runErr := p.runSession(ctx, client, target, command.line, emit)
	duration := time.Since(start)

	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, engine.NewUnavailableError(
			fmt.Sprintf("ssh session on %s failed", target), runErr).WithPlugin(p.name)
	}

	outcome := engine.TargetOutcome{
		Target:   target,
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: duration,
	}
	if exitCode == 0 {
		outcome.Status = engine.ResultStatusSuccess
	} else {
		outcome.Status = engine.ResultStatusFailed
		outcome.Error = fmt.Sprintf("command exited with code %d", exitCode)
	}
	return []engine.TargetOutcome{outcome}, nil
}

// remoteCommand is a resolved command line plus any upload it depends on.
type remoteCommand struct {
	line     string
	uploadTo string
}

// buildCommand maps the request onto a shell command line.
func (p *Plugin) buildCommand(req *engine.RunRequest) (remoteCommand, error) {
	var cmd remoteCommand

	switch req.Type {
	case engine.ExecutionTypeCommand:
		cmd.line = req.Action
	case engine.ExecutionTypeFacts:
		cmd.line = "facter --json 2>/dev/null || facter -p --json"
	case engine.ExecutionTypeInstall:
		if p.cfg.BootstrapScript == "" {
			return cmd, engine.NewValidationError("sshexec install requires a bootstrap script", nil)
		}
		cmd.uploadTo = path.Join("/tmp", fmt.Sprintf("opsdeck-bootstrap-%d.sh", time.Now().UnixNano()))
		cmd.line = fmt.Sprintf("sh %s && rm -f %s", cmd.uploadTo, cmd.uploadTo)
	default:
		return cmd, engine.NewValidationError(
			fmt.Sprintf("sshexec does not support execution type %q", req.Type), nil)
	}

	if p.cfg.UseSudo {
		cmd.line = "sudo " + cmd.line
	}
	return cmd, nil
}

// dial establishes the SSH connection, honoring context cancellation during
// the handshake. Connection and auth failures surface as TARGET_UNREACHABLE
// so they do not trip the plugin circuit.
func (p *Plugin) dial(ctx context.Context, target string) (*ssh.Client, error) {
	address := net.JoinHostPort(target, fmt.Sprintf("%d", p.cfg.Port))
	log.Debug().
		Str("plugin", p.name).
		Str("address", address).
		Msg("Dialing target")

	connChan := make(chan *ssh.Client)
	errChan := make(chan error, 1)
	go func() {
		client, err := p.dialFn("tcp", address, p.clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		select {
		case connChan <- client:
		case <-ctx.Done():
			// The caller gave up while the handshake was in flight; the
			// connection must not leak.
			client.Close()
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errChan:
		return nil, engine.NewUnreachableError(
			fmt.Sprintf("failed to connect to %s", target), err).WithPlugin(p.name)
	case client := <-connChan:
		return client, nil
	}
}

// uploadBootstrap copies the local bootstrap script to the target over SFTP.
func (p *Plugin) uploadBootstrap(client *ssh.Client, remotePath string) error {
	local, err := os.Open(p.cfg.BootstrapScript)
	if err != nil {
		return engine.NewInternalError("failed to open bootstrap script", err)
	}
	defer local.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return engine.NewUnavailableError("failed to open sftp session", err).WithPlugin(p.name)
	}
	defer sftpClient.Close()

	remote, err := sftpClient.Create(remotePath)
	if err != nil {
		return engine.NewUnavailableError("failed to create remote file", err).WithPlugin(p.name)
	}
	defer remote.Close()

	if _, err := io.Copy(remote, local); err != nil {
		return engine.NewUnavailableError("failed to upload bootstrap script", err).WithPlugin(p.name)
	}
	if err := sftpClient.Chmod(remotePath, 0o755); err != nil {
		return engine.NewUnavailableError("failed to chmod bootstrap script", err).WithPlugin(p.name)
	}
	return nil
}

// runSession runs the command in one SSH session, streaming stdout and
// stderr lines as events while capturing them for the outcome.
func (p *Plugin) runSession(ctx context.Context, client *ssh.Client, target, command string, emit engine.EventSink) (stdout, stderr string, exitCode int, err error) {
	session, err := client.NewSession()
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := session.Start(command); err != nil {
		return "", "", 0, fmt.Errorf("failed to start command: %w", err)
	}

	stdoutDone := make(chan string, 1)
	stderrDone := make(chan string, 1)
	go func() { stdoutDone <- streamLines(stdoutPipe, target, engine.StreamEventStdout, emit) }()
	go func() { stderrDone <- streamLines(stderrPipe, target, engine.StreamEventStderr, emit) }()

	waitChan := make(chan error, 1)
	go func() { waitChan <- session.Wait() }()

	var waitErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		return "", "", 0, ctx.Err()
	case waitErr = <-waitChan:
	}

	stdout = strings.TrimSpace(<-stdoutDone)
	stderr = strings.TrimSpace(<-stderrDone)

	if waitErr != nil {
		if exitErr, ok := waitErr.(*ssh.ExitError); ok {
			return stdout, stderr, exitErr.ExitStatus(), nil
		}
		return stdout, stderr, 0, waitErr
	}
	return stdout, stderr, 0, nil
}

// streamLines emits each line as a stream event and returns the full text.
func streamLines(r io.Reader, target string, eventType engine.StreamEventType, emit engine.EventSink) string {
	var b strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		b.WriteString(line)
		b.WriteByte('\n')
		emit(engine.StreamEvent{
			Type:      eventType,
			Target:    target,
			Data:      line,
			Timestamp: time.Now(),
		})
	}
	return b.String()
}
