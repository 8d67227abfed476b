package executor_test

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "deploy"
	testPassword = "hunter2"
)

// testServer is a minimal SSH server that understands a handful of fake
// commands:
//
//	exit N        exit with status N
//	echo TEXT     print TEXT and a newline to stdout
//	sleep N       wait N seconds, or until the client goes away
//	fail-stderr   print "oops" to stderr and exit 3
//	noexit        close the channel without an exit status
type testServer struct {
	ln        net.Listener
	cfg       *ssh.ServerConfig
	clientKey string // PEM private key accepted by the server

	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	authorized, err := ssh.NewPublicKey(clientPub)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(clientPriv, "test")
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() == testUser && bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key for %q", c.User())
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{ln: ln, cfg: cfg, clientKey: string(pem.EncodeToMemory(block))}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) HostPort() (string, int) {
	addr := s.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (s *testServer) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *testServer) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, nc)
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConn(nc)
	}
}

func (s *testServer) handleConn(nc net.Conn) {
	defer s.wg.Done()
	defer nc.Close()
	_, chans, reqs, err := ssh.NewServerConn(nc, s.cfg)
	if err != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ssh.DiscardRequests(reqs)
	}()
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		s.wg.Add(1)
		go s.handleSession(newCh)
	}
}

func (s *testServer) handleSession(newCh ssh.NewChannel) {
	defer s.wg.Done()
	ch, reqs, err := newCh.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	commands := make(chan string, 1)
	gone := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(gone)
		for r := range reqs {
			if r.Type != "exec" {
				if r.WantReply {
					_ = r.Reply(false, nil)
				}
				continue
			}
			var payload struct{ Command string }
			ok := ssh.Unmarshal(r.Payload, &payload) == nil
			if r.WantReply {
				_ = r.Reply(ok, nil)
			}
			if ok {
				select {
				case commands <- payload.Command:
				default:
				}
			}
		}
	}()

	select {
	case cmd := <-commands:
		s.run(ch, cmd, gone)
	case <-gone:
	}
}

func (s *testServer) run(ch ssh.Channel, cmd string, gone <-chan struct{}) {
	fields := strings.Fields(cmd)
	status := 0
	if len(fields) == 0 {
		fields = []string{""}
	}
	switch fields[0] {
	case "exit":
		status, _ = strconv.Atoi(fields[1])
	case "echo":
		text := strings.Trim(strings.Join(fields[1:], " "), `'"`)
		_, _ = io.WriteString(ch, text+"\n")
	case "sleep":
		secs, _ := strconv.Atoi(fields[1])
		timer := time.NewTimer(time.Duration(secs) * time.Second)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-gone:
			return
		}
	case "fail-stderr":
		_, _ = io.WriteString(ch.Stderr(), "oops\n")
		status = 3
	case "noexit":
		return
	default:
		_, _ = io.WriteString(ch.Stderr(), "unknown command\n")
		status = 127
	}
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
}

// silentServer accepts TCP connections and never speaks SSH.
func silentServer(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// closedPort returns a local port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
