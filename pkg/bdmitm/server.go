package bdmitm

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/duskrelay/bdmitm/pkg/session"
	"github.com/duskrelay/bdmitm/pkg/transport"
)

// Server owns the proxy's client-facing listener, the per-session
// server-facing listeners dialed on demand, and the session registry
// tying them together.
type Server struct {
	Logger        zerolog.Logger
	Listen        netip.AddrPort
	NotifySocket  string
	MetricsAddr   string
	MetricsSecret string

	Handler *session.Handler

	clientListener *transport.Listener
	httpSrv        *http.Server
	reload         []func()

	mu              sync.Mutex
	serverListeners map[netip.AddrPort]*transport.Listener
	closed          bool

	metricsInit sync.Once
	metricsObj  serverMetrics
}

// NewServer configures a new server using c, which is assumed to be
// initialized to default or configured values (as done by UnmarshalEnv).
func NewServer(c *Config) (*Server, error) {
	if !c.Upstream.IsValid() {
		return nil, fmt.Errorf("no upstream address configured")
	}
	if c.MTU <= 0 {
		return nil, fmt.Errorf("invalid mtu %d", c.MTU)
	}

	s := &Server{
		Listen:          c.Listen,
		NotifySocket:    c.NotifySocket,
		MetricsAddr:     c.MetricsAddr,
		MetricsSecret:   c.MetricsSecret,
		clientListener:  transport.NewListener(),
		serverListeners: make(map[netip.AddrPort]*transport.Listener),
	}

	if l, fn, err := configureLogging(c); err == nil {
		s.Logger = l
		s.reload = append(s.reload, fn)
	} else {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}

	upstream := c.Upstream
	s.Handler = session.NewHandler(s.clientListener, func(client netip.AddrPort) (netip.AddrPort, session.Sender, error) {
		return s.dial(client, upstream)
	}, c.MTU, s, s.Logger)

	return s, nil
}

func configureLogging(c *Config) (l zerolog.Logger, reopen func(), err error) {
	var outputs []io.Writer
	if c.LogStdout {
		if c.LogStdoutPretty {
			outputs = append(outputs, newZerologWriterLevel(zerolog.ConsoleWriter{
				Out: os.Stdout,
			}, c.LogStdoutLevel))
		} else {
			outputs = append(outputs, newZerologWriterLevel(os.Stdout, c.LogStdoutLevel))
		}
	}
	if fn := c.LogFile; fn != "" {
		x := newZerologWriterLevel(nil, c.LogFileLevel)
		if fn, err = filepath.Abs(fn); err != nil {
			err = fmt.Errorf("resolve log file: %w", err)
			return
		}
		reopen = func() {
			x.SwapWriter(func(old io.Writer) io.Writer {
				if o, ok := old.(io.Closer); ok {
					o.Close()
				}
				if f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666); err == nil {
					if c.LogFileChown != nil {
						if err := f.Chown((*c.LogFileChown)[0], (*c.LogFileChown)[1]); err != nil {
							fmt.Fprintf(os.Stderr, "error: chown log file: %v\n", err)
						}
					}
					if c.LogFileChmod != 0 {
						if err := f.Chmod(c.LogFileChmod); err != nil {
							fmt.Fprintf(os.Stderr, "error: chmod log file: %v\n", err)
						}
					}
					return f
				} else {
					fmt.Fprintf(os.Stderr, "error: failed to open log file: %v\n", err)
				}
				return nil
			})
		}
		outputs = append(outputs, x)
		reopen()
	}
	l = zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(c.LogLevel).
		With().
		Timestamp().
		Logger()
	return
}

// dial opens a fresh server-facing listener for a newly observed client,
// bound to an ephemeral local port.
func (s *Server) dial(client, upstream netip.AddrPort) (netip.AddrPort, session.Sender, error) {
	l := transport.NewListener()

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return netip.AddrPort{}, nil, fmt.Errorf("dial upstream for %s: %w", client, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return netip.AddrPort{}, nil, fmt.Errorf("server is shutting down")
	}
	s.serverListeners[client] = l
	s.mu.Unlock()

	go func() {
		err := l.Serve(conn, func(addr netip.AddrPort, data []byte) {
			s.Handler.HandleFromServer(context.Background(), client, data)
		})
		if err != nil {
			s.Logger.Debug().Err(err).Stringer("client", client).Msg("server-facing listener stopped")
		}
		s.mu.Lock()
		delete(s.serverListeners, client)
		s.mu.Unlock()
		s.Handler.Remove(client)
	}()

	return upstream, l, nil
}

// Run runs the server, shutting it down gracefully when ctx is canceled.
// It must only ever be called once.
func (s *Server) Run(ctx context.Context) error {
	if s.closed {
		return transport.ErrListenerClosed
	}

	errch := make(chan error, 2)
	go func() {
		errch <- s.clientListener.ListenAndServe(s.Listen, func(addr netip.AddrPort, data []byte) {
			s.Handler.HandleFromClient(ctx, addr, data)
		})
	}()

	if s.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", new(middlewares).Add(requireSecret(s.MetricsSecret)).Then(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				metrics.WriteProcessMetrics(w)
				s.WritePrometheus(w)
			}),
		))
		mux.Handle("/debug/monitor", new(middlewares).Add(requireSecret(s.MetricsSecret)).Then(
			transport.DebugMonitorHandler(s.clientListener),
		))
		s.httpSrv = &http.Server{Addr: s.MetricsAddr, Handler: mux}
		go func() {
			if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errch <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	s.Logger.Log().Stringer("listen", s.Listen).Msg("starting proxy")

	select {
	case <-ctx.Done():
	case <-time.After(time.Second * 2):
		go s.sdnotify("READY=1")
	case err := <-errch:
		s.Logger.Err(err).Msg("failed to start proxy")
		return err
	}

	select {
	case <-ctx.Done():
		s.Logger.Log().Msg("shutting down")
		go s.sdnotify("STOPPING=1")
		return s.Close()
	case err := <-errch:
		s.Logger.Err(err).Msg("proxy listener failed")
		s.Close()
		return err
	}
}

// HandleSIGHUP reopens the log file, if configured.
func (s *Server) HandleSIGHUP() {
	if s.closed {
		return
	}
	s.sdnotify("RELOADING=1")
	defer s.sdnotify("READY=1")
	for _, fn := range s.reload {
		if fn != nil {
			fn()
		}
	}
}

// Close shuts down every listener owned by the server.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := make([]*transport.Listener, 0, len(s.serverListeners))
	for _, l := range s.serverListeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	s.clientListener.Close()
	for _, l := range listeners {
		l.Close()
	}
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
	return nil
}

func (s *Server) sdnotify(state string) (bool, error) {
	if s.NotifySocket == "" {
		return false, nil
	}

	socketAddr := &net.UnixAddr{
		Name: s.NotifySocket,
		Net:  "unixgram",
	}

	conn, err := net.DialUnix(socketAddr.Net, nil, socketAddr)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err = conn.Write([]byte(state)); err != nil {
		return false, err
	}
	return true, nil
}
