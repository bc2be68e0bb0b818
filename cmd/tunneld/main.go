package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/cordelane/tunneld/pkg/api/daemon/router"
	"github.com/cordelane/tunneld/pkg/keysession"
	"github.com/cordelane/tunneld/pkg/store"
	"github.com/cordelane/tunneld/pkg/tunneld"
	pkgversion "github.com/cordelane/tunneld/pkg/version"
)

var (
	socketFile       string
	listenAddr       string
	pidFile          string
	logFilePath      string
	storePath        string
	systemSecretFile string
)

func main() {
	unix.Umask(0o077) // https://github.com/golang/go/issues/11822#issuecomment-123850227
	xdgRuntimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if xdgRuntimeDir == "" {
		xdgRuntimeDir = os.TempDir()
	}

	flag.StringVar(&socketFile, "socket", filepath.Join(xdgRuntimeDir, "tunneld.sock"), "Socket file")
	flag.StringVar(&listenAddr, "listen", "", "Listen on a TCP address instead of the unix socket (development only)")
	flag.StringVar(&pidFile, "pid-file", "", "Pid file")
	flag.StringVar(&logFilePath, "log-file", "", "Output logs to file")
	flag.StringVar(&storePath, "store", filepath.Join(xdgRuntimeDir, "tunneld.json"), "Path to the host/credential/key store file")
	flag.StringVar(&systemSecretFile, "system-secret-file", "", "File holding the system secret used for OIDC user key derivation")
	idleTimeout := flag.Duration("idle-timeout", keysession.DefaultIdleTimeout, "Key session idle timeout")
	sessionDuration := flag.Duration("session-duration", keysession.DefaultSessionDuration, "Key session absolute lifetime")
	debug := flag.Bool("debug", false, "Enable debug mode")
	version := flag.Bool("version", false, "Show version")
	help := flag.Bool("help", false, "Show help")

	// Parse arguments
	flag.Parse()
	if flag.NArg() > 0 {
		flag.PrintDefaults()
		logrus.Fatal("Invalid command")
	}

	if *debug {
		logrus.Info("Debug mode enabled")
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	if *version {
		fmt.Printf("tunneld version %s\n", strings.TrimPrefix(pkgversion.Version, "v"))
		os.Exit(0)
	}

	if *help {
		flag.Usage()
		os.Exit(0)
	}

	if pidFile != "" {
		pid := fmt.Sprintf("%d", os.Getpid())
		if err := os.WriteFile(pidFile, []byte(pid), 0o644); err != nil {
			logrus.Fatalf("Cannot write pid file: %v", err)
		}
		logrus.Infof("PidFilePath: %s", pidFile)
	}

	if logFilePath != "" {
		logFile, err := os.Create(logFilePath)
		if err != nil {
			logrus.Fatalf("Cannot write log file %s : %v", logFilePath, err)
		}
		defer logFile.Close()
		logrus.SetOutput(io.MultiWriter(os.Stderr, logFile))
		logrus.Infof("LogFilePath %s", logFilePath)
	}

	var systemSecret []byte
	if systemSecretFile != "" {
		b, err := os.ReadFile(systemSecretFile)
		if err != nil {
			logrus.Fatalf("Cannot read system secret file: %v", err)
		}
		systemSecret = []byte(strings.TrimSpace(string(b)))
	}

	st, err := store.Open(storePath)
	if err != nil {
		logrus.Fatalf("Cannot open store %s: %v", storePath, err)
	}
	logrus.Infof("StorePath: %s", storePath)

	keys := keysession.NewManager(keysession.Config{
		Store:           st,
		Clock:           clock.WallClock,
		SystemSecret:    systemSecret,
		IdleTimeout:     *idleTimeout,
		SessionDuration: *sessionDuration,
		OnEvict: func(userID string) {
			logrus.WithFields(logrus.Fields{"user": userID}).Info("key session evicted")
		},
	})

	driver := tunneld.NewDriver(tunneld.DriverConfig{
		Hosts: st,
		Keys:  keys,
		Clock: clock.WallClock,
	})

	backend := &router.Backend{
		TunnelDriver: driver,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- listenServeAPI(backend)
	}()

	select {
	case err := <-errCh:
		logrus.Fatalf("failed to serve tunnel API: %q", err)
	case sig := <-sigCh:
		logrus.Infof("Received %s, shutting down", sig)
	}

	driver.Shutdown()
	keys.Close()
}

func listenServeAPI(backend *router.Backend) error {
	r := mux.NewRouter()
	router.AddRoutes(r, backend)
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	if listenAddr != "" {
		l, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return err
		}
		logrus.Infof("Starting tunnel API to serve on %s", listenAddr)
		return srv.Serve(l)
	}

	if err := os.Remove(socketFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cannot cleanup socket file: %w", err)
	}
	l, err := net.Listen("unix", socketFile)
	if err != nil {
		return err
	}
	logrus.Infof("Starting tunnel API to serve on %s", socketFile)
	return srv.Serve(l)
}
