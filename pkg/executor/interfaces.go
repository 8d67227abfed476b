package executor

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	dm "github.com/andrej220/tsubame/pkg/shared-models"
)

var (
	// ErrConnection covers everything before the script starts: dial,
	// handshake, authentication, connect timeout, missing or unusable
	// credentials, and an open circuit breaker.
	ErrConnection = errors.New("ssh connection error")

	// ErrExecutionTimeout means the script ran longer than its budget and
	// the session was torn down.
	ErrExecutionTimeout = errors.New("script execution timed out")
)

// Conn is everything needed to open an authenticated session. Secrets are
// plaintext here and must not be logged; String omits them.
type Conn struct {
	Host       string
	Port       int
	Username   string
	AuthMode   dm.AuthMode
	Password   string
	PrivateKey string
}

func (c Conn) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Conn) String() string {
	return c.Username + "@" + c.Addr()
}

// Result of a script that ran to completion. A non-zero ExitCode is not an
// error at this layer.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor knows how to run a script on a remote host and to check that a
// host is reachable.
type Executor interface {
	Execute(ctx context.Context, conn Conn, script string, timeout time.Duration) (*Result, error)
	Probe(ctx context.Context, conn Conn) (bool, string)
}
