package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/andrej220/tsubame/pkg/lg"
	dm "github.com/andrej220/tsubame/pkg/shared-models"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"
)

const probeCommand = "echo 'connection test'"

type Config struct {
	ConnectTimeout time.Duration
	// KnownHostsFile enables host key verification. Empty accepts any key.
	KnownHostsFile string
	Breaker        BreakerConfig
}

// SSHClient opens one SSH connection per call, runs a single command and
// closes everything before returning. It is safe for concurrent use.
type SSHClient struct {
	cfg      Config
	hostKey  ssh.HostKeyCallback
	breakers *breakers
	logger   lg.Logger
}

var _ Executor = (*SSHClient)(nil)

func NewSSHClient(cfg Config, logger lg.Logger) (*SSHClient, error) {
	if cfg.ConnectTimeout <= 0 {
		return nil, fmt.Errorf("connect timeout must be positive, got %s", cfg.ConnectTimeout)
	}
	if logger == nil {
		logger = lg.Discard
	}
	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", cfg.KnownHostsFile, err)
		}
		hostKey = cb
	}
	return &SSHClient{
		cfg:      cfg,
		hostKey:  hostKey,
		breakers: newBreakers(cfg.Breaker),
		logger:   logger,
	}, nil
}

// Probe connects, runs a no-op command and reports whether the host is
// usable along with a human readable reason.
func (c *SSHClient) Probe(ctx context.Context, conn Conn) (bool, string) {
	res, err := c.Execute(ctx, conn, probeCommand, c.cfg.ConnectTimeout)
	switch {
	case err == nil && res.ExitCode == 0:
		return true, "connection succeeded"
	case err == nil:
		return false, fmt.Sprintf("probe command exited with status %d", res.ExitCode)
	case errors.Is(err, ErrExecutionTimeout):
		return false, fmt.Sprintf("probe command did not finish within %s", c.cfg.ConnectTimeout)
	default:
		return false, err.Error()
	}
}

// Execute runs script as one remote command. The script is passed verbatim;
// anyone allowed to define a script for a host is trusted with a shell on it.
//
// Connection establishment is bounded by the connect timeout and the command
// by timeout (no bound when timeout <= 0). When either the timeout fires or
// ctx is cancelled the session and connection are closed, which is what
// actually stops the remote command.
func (c *SSHClient) Execute(ctx context.Context, conn Conn, script string, timeout time.Duration) (*Result, error) {
	logger := c.logger.With(lg.String("target", conn.String()))

	client, err := c.connect(ctx, conn)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: new session: %w", ErrConnection, err)
	}
	defer sess.Close()

	stdoutPipe, err := sess.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := sess.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := sess.Start(script); err != nil {
		return nil, fmt.Errorf("start script: %w", err)
	}
	logger.Debug("script started", lg.Duration("timeout", timeout))

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		var g errgroup.Group
		g.Go(func() error {
			_, err := io.Copy(&stdout, stdoutPipe)
			return err
		})
		g.Go(func() error {
			_, err := io.Copy(&stderr, stderrPipe)
			return err
		})
		copyErr := g.Wait()
		if err := sess.Wait(); err != nil {
			done <- err
			return
		}
		done <- copyErr
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-done:
		return completed(err, stdout.String(), stderr.String())
	case <-expired:
		abort(sess, client)
		<-done
		logger.Warn("script timed out", lg.Duration("timeout", timeout))
		return nil, fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout)
	case <-ctx.Done():
		abort(sess, client)
		<-done
		logger.Info("script interrupted", lg.Err(context.Cause(ctx)))
		return nil, context.Cause(ctx)
	}
}

// completed turns the result of Session.Wait into a Result.
func completed(waitErr error, stdout, stderr string) (*Result, error) {
	res := &Result{Stdout: stdout, Stderr: stderr}
	if waitErr == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	case errors.As(waitErr, &missing):
		// the server closed the channel without an exit status
		return res, nil
	default:
		return nil, fmt.Errorf("wait for script: %w", waitErr)
	}
}

func abort(sess *ssh.Session, client *ssh.Client) {
	_ = sess.Signal(ssh.SIGKILL)
	_ = sess.Close()
	_ = client.Close()
}

func (c *SSHClient) connect(ctx context.Context, conn Conn) (*ssh.Client, error) {
	auth, err := authMethods(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	cfg := &ssh.ClientConfig{
		User:            conn.Username,
		Auth:            auth,
		HostKeyCallback: c.hostKey,
		Timeout:         c.cfg.ConnectTimeout,
		BannerCallback:  func(message string) error { return nil },
	}
	addr := conn.Addr()
	res, err := c.breakers.do(addr, func() (any, error) {
		return c.dial(ctx, addr, cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return res.(*ssh.Client), nil
}

// dial opens the TCP connection and runs the SSH handshake within the
// connect timeout. The raw connection is closed if the deadline passes or
// ctx is cancelled mid-handshake so a silent server cannot hold the caller.
func (c *SSHClient) dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, c.dialError(ctx, dctx, err)
	}
	if deadline, ok := dctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	stop := context.AfterFunc(dctx, func() { _ = nc.Close() })

	cc, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	if !stop() {
		if err == nil {
			_ = cc.Close()
		}
		return nil, c.dialError(ctx, dctx, context.DeadlineExceeded)
	}
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})
	return ssh.NewClient(cc, chans, reqs), nil
}

func (c *SSHClient) dialError(ctx, dctx context.Context, err error) error {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != ctx.Err() {
			return fmt.Errorf("%w (%w)", cause, ctx.Err())
		}
		return ctx.Err()
	}
	if dctx.Err() != nil {
		return fmt.Errorf("connection timed out (%s)", c.cfg.ConnectTimeout)
	}
	return err
}

func authMethods(conn Conn) ([]ssh.AuthMethod, error) {
	switch conn.AuthMode {
	case dm.AuthPassword:
		if conn.Password == "" {
			return nil, errors.New("password not set")
		}
		password := conn.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil
	case dm.AuthKey:
		if conn.PrivateKey == "" {
			return nil, errors.New("private key not set")
		}
		signer, err := ssh.ParsePrivateKey([]byte(conn.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth method %q", conn.AuthMode)
	}
}
