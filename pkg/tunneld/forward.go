package tunneld

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

type closeWriter interface {
	CloseWrite() error
}

// transport is the slice of an established SSH connection the tunnel core
// uses. *sshconn.Conn satisfies it; tests substitute fakes.
type transport interface {
	Listen(network, addr string) (net.Listener, error)
	Dial(network, addr string) (net.Conn, error)
	Done() <-chan struct{}
	Close() error
}

// forwardHandle is an active bound forward.
type forwardHandle interface {
	Close() error
}

// Handle is a bound forwarded port: a listener exposed on the source hop
// whose accepted connections are spliced to the endpoint target. Each
// accepted connection runs independently; one splice failing never tears
// down the listener.
type Handle struct {
	ln     net.Listener
	target string
	log    *logrus.Entry

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// bindForward opens a listener on sourcePort through the source transport
// and starts relaying accepted connections through the endpoint transport to
// endpointHost:endpointPort.
func bindForward(source, endpoint transport, sourcePort int, endpointHost string, endpointPort int, log *logrus.Entry) (*Handle, error) {
	ln, err := source.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", sourcePort))
	if err != nil {
		return nil, &BindError{Err: err}
	}
	h := &Handle{
		ln:     ln,
		target: net.JoinHostPort(endpointHost, fmt.Sprintf("%d", endpointPort)),
		log:    log,
		conns:  make(map[net.Conn]struct{}),
	}
	go h.acceptLoop(endpoint)
	return h, nil
}

func (h *Handle) acceptLoop(endpoint transport) {
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			// Listener closed, or the source transport died. The
			// supervisor notices the latter through the transport's Done
			// channel.
			return
		}
		go h.splice(conn, endpoint)
	}
}

func (h *Handle) splice(in net.Conn, endpoint transport) {
	out, err := endpoint.Dial("tcp", h.target)
	if err != nil {
		h.log.WithFields(logrus.Fields{"target": h.target, "error": err}).
			Warn("failed to open forwarded channel")
		in.Close()
		return
	}
	if !h.track(in, out) {
		in.Close()
		out.Close()
		return
	}
	defer h.untrack(in, out)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := io.Copy(out, in)
		logCopyErr(h.log, "forward", err)
		halfClose(out)
	}()
	go func() {
		defer wg.Done()
		_, err := io.Copy(in, out)
		logCopyErr(h.log, "reverse", err)
		halfClose(in)
	}()
	wg.Wait()
	in.Close()
	out.Close()
}

func (h *Handle) track(conns ...net.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	for _, c := range conns {
		h.conns[c] = struct{}{}
	}
	return true
}

func (h *Handle) untrack(conns ...net.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range conns {
		delete(h.conns, c)
	}
}

// Close stops accepting new connections first, then closes all active
// spliced pairs.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	active := make([]net.Conn, 0, len(h.conns))
	for c := range h.conns {
		active = append(active, c)
	}
	h.mu.Unlock()

	err := h.ln.Close()
	for _, c := range active {
		c.Close()
	}
	return err
}

func halfClose(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

func logCopyErr(log *logrus.Entry, dir string, err error) {
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		log.WithFields(logrus.Fields{"direction": dir, "error": err}).Debug("splice ended")
	}
}
