package wemo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// maxNotifyBodySize caps a NOTIFY body (1 MB).
const maxNotifyBodySize = 1 << 20

// listenerShutdownTimeout bounds graceful shutdown of the listener.
const listenerShutdownTimeout = 5 * time.Second

const methodNotify = "NOTIFY"

func init() {
	chi.RegisterMethod(methodNotify)
}

// NotifySink receives complete NOTIFY bodies addressed to a device id.
// It reports false for ids it does not know.
type NotifySink interface {
	Deliver(deviceID string, body []byte) bool
}

// ListenerOptions configures the notification listener.
type ListenerOptions struct {
	Host string
	Port int
	// AdvertiseHost overrides the address devices are told to call back on.
	AdvertiseHost string
}

// Listener is the HTTP server devices send NOTIFY callbacks to.
type Listener struct {
	logSink

	opts ListenerOptions
	sink NotifySink

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup

	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewListener creates a listener delivering to sink.
func NewListener(opts ListenerOptions, sink NotifySink) *Listener {
	return &Listener{opts: opts, sink: sink}
}

// Start binds the port and serves in the background. Port 0 picks a free
// port; Addr reports it.
func (l *Listener) Start(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(l.opts.Host, strconv.Itoa(l.opts.Port)))
	if err != nil {
		return fmt.Errorf("starting notification listener: %w", err)
	}

	l.listener = ln
	l.server = &http.Server{
		Handler:           l.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := l.server
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logError("notification listener error", err)
		}
	}()

	l.logInfo("notification listener started", "address", ln.Addr().String())
	return nil
}

// Close gracefully shuts the listener down.
func (l *Listener) Close() error {
	l.mu.Lock()
	srv := l.server
	l.server = nil
	l.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), listenerShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	l.wg.Wait()
	if err != nil {
		return fmt.Errorf("shutting down notification listener: %w", err)
	}
	return nil
}

// Addr is the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Port is the bound TCP port, or 0 before Start.
func (l *Listener) Port() int {
	if a, ok := l.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// CallbackURL is the NOTIFY target a device at deviceHost should use for
// deviceID.
func (l *Listener) CallbackURL(deviceHost, deviceID string) string {
	host := l.opts.AdvertiseHost
	if host == "" {
		host = localAddrFor(deviceHost)
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(l.Port())) + "/" + url.PathEscape(deviceID)
}

// Counts reports delivered and dropped NOTIFY requests.
func (l *Listener) Counts() (received, dropped uint64) {
	return l.received.Load(), l.dropped.Load()
}

func (l *Listener) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(l.recoveryMiddleware)
	r.Use(l.bodySizeLimitMiddleware)

	r.MethodFunc(methodNotify, "/{deviceID}", l.handleNotify)
	r.MethodFunc(methodNotify, "/{deviceID}/*", l.handleNotify)

	// Devices resend; anything unexpected gets an empty 200 and is dropped.
	r.NotFound(l.handleDrop)
	r.MethodNotAllowed(l.handleDrop)
	return r
}

func (l *Listener) handleNotify(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "deviceID"))
	if err != nil || id == "" {
		l.handleDrop(w, r)
		return
	}

	// The whole body must be in hand before decoding.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		l.dropped.Add(1)
		l.logDebug("notify body read failed", "device_id", id, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	if l.sink == nil || !l.sink.Deliver(id, body) {
		l.dropped.Add(1)
		l.logDebug("notify for unknown device dropped", "device_id", id)
	} else {
		l.received.Add(1)
	}
	w.WriteHeader(http.StatusOK)
}

func (l *Listener) handleDrop(w http.ResponseWriter, r *http.Request) {
	l.dropped.Add(1)
	_, _ = io.Copy(io.Discard, r.Body) //nolint:errcheck // draining only
	w.WriteHeader(http.StatusOK)
}

// recoveryMiddleware keeps a malformed request from taking the listener down.
func (l *Listener) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				l.logError("panic recovered in notification handler",
					fmt.Errorf("%v", rec), "method", r.Method, "path", r.URL.Path)
				w.WriteHeader(http.StatusOK)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (l *Listener) bodySizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxNotifyBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// localAddrFor returns the local IP the kernel would use to reach host.
// No packets are sent.
func localAddrFor(host string) string {
	conn, err := net.Dial("udp4", net.JoinHostPort(host, "1900"))
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return a.IP.String()
	}
	return "127.0.0.1"
}
