// Package sshconn opens authenticated SSH transports to user-supplied hosts.
//
// The daemon has to interoperate with whatever infrastructure a user points
// it at, including old network devices, so the client advertises a broad,
// legacy-tolerant algorithm policy instead of the x/crypto defaults.
package sshconn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const (
	// HandshakeTimeout bounds TCP connect plus SSH handshake.
	HandshakeTimeout = 15 * time.Second

	keepaliveInterval  = 15 * time.Second
	keepaliveMaxMissed = 3
)

var (
	keyExchanges = []string{
		"curve25519-sha256",
		"curve25519-sha256@libssh.org",
		"ecdh-sha2-nistp256",
		"ecdh-sha2-nistp384",
		"ecdh-sha2-nistp521",
		"diffie-hellman-group-exchange-sha256",
		"diffie-hellman-group14-sha256",
		"diffie-hellman-group14-sha1",
		"diffie-hellman-group-exchange-sha1",
		"diffie-hellman-group1-sha1",
	}
	ciphers = []string{
		"aes128-gcm@openssh.com",
		"aes256-gcm@openssh.com",
		"chacha20-poly1305@openssh.com",
		"aes128-ctr",
		"aes192-ctr",
		"aes256-ctr",
		"aes128-cbc",
		"3des-cbc",
	}
	macs = []string{
		"hmac-sha2-256-etm@openssh.com",
		"hmac-sha2-512-etm@openssh.com",
		"hmac-sha2-256",
		"hmac-sha2-512",
		"hmac-sha1",
		"hmac-sha1-96",
	}
)

// Params carries everything needed to open one SSH transport. Auth material
// is already resolved to concrete values; exactly one of Password or Key is
// set.
type Params struct {
	Address    string
	Port       int
	Username   string
	Password   string
	Key        []byte
	Passphrase string
}

// Conn is an established SSH transport with a keepalive prober attached.
type Conn struct {
	client *ssh.Client

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// Open dials params.Address and completes an authenticated SSH handshake.
// The handshake is bounded by HandshakeTimeout and aborted promptly when ctx
// is cancelled. The returned Conn probes the server with
// keepalive@openssh.com requests and closes itself after
// keepaliveMaxMissed consecutive misses.
func Open(ctx context.Context, clk clock.Clock, params Params) (*Conn, error) {
	authMethod, err := authMethod(params)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User: params.Username,
		Auth: []ssh.AuthMethod{authMethod},
		// Tunnels target arbitrary user infrastructure; host keys are not
		// pinned by this layer.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         HandshakeTimeout,
		Config: ssh.Config{
			KeyExchanges: keyExchanges,
			Ciphers:      ciphers,
			MACs:         macs,
		},
	}

	addr := net.JoinHostPort(params.Address, fmt.Sprintf("%d", params.Port))
	dialer := net.Dialer{Timeout: HandshakeTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// The x/crypto handshake is not context-aware; closing the raw conn on
	// cancellation aborts it.
	handshakeDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			raw.Close()
		case <-handshakeDone:
		}
	}()
	_ = raw.SetDeadline(time.Now().Add(HandshakeTimeout))

	sshConn, chans, reqs, err := ssh.NewClientConn(raw, addr, cfg)
	close(handshakeDone)
	if err != nil {
		raw.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = raw.SetDeadline(time.Time{})

	c := &Conn{
		client: ssh.NewClient(sshConn, chans, reqs),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go func() {
		_ = c.client.Wait()
		close(c.done)
	}()
	go c.keepalive(clk, addr)

	return c, nil
}

func (c *Conn) keepalive(clk clock.Clock, addr string) {
	missed := 0
	// A black-holed link swallows a probe without erroring: SendRequest
	// blocks awaiting a reply that never comes. Probes therefore run in
	// their own goroutine, and a probe still unanswered at the next tick
	// counts as a miss. A late blocked probe unwinds when the transport
	// closes.
	var pending chan error
	for {
		select {
		case <-c.stop:
			return
		case <-c.done:
			return
		case <-clk.After(keepaliveInterval):
		}

		if pending != nil {
			select {
			case err := <-pending:
				pending = nil
				if err != nil {
					missed++
				} else {
					missed = 0
				}
			default:
				missed++
			}
		}
		if missed >= keepaliveMaxMissed {
			logrus.WithFields(logrus.Fields{"addr": addr, "missed": missed}).
				Warn("ssh keepalive failed, closing connection")
			_ = c.Close()
			return
		}
		if pending == nil {
			replied := make(chan error, 1)
			pending = replied
			go func() {
				_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
				replied <- err
			}()
		}
	}
}

// Listen opens a listener on the remote side of the transport.
func (c *Conn) Listen(network, addr string) (net.Listener, error) {
	return c.client.Listen(network, addr)
}

// Dial opens a forwarded channel through the transport to addr.
func (c *Conn) Dial(network, addr string) (net.Conn, error) {
	return c.client.Dial(network, addr)
}

// Done is closed once the underlying transport has died, whether by Close or
// by network failure.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close tears down the transport. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		err = c.client.Close()
	})
	return err
}

func authMethod(params Params) (ssh.AuthMethod, error) {
	if len(params.Key) > 0 {
		var signer ssh.Signer
		var err error
		if params.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(params.Key, []byte(params.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(params.Key)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}
	if params.Password != "" {
		return ssh.Password(params.Password), nil
	}
	return nil, fmt.Errorf("no auth material for %s@%s", params.Username, params.Address)
}
