package bdmitm

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// serverMetrics holds the proxy's aggregate Prometheus metrics, lazily
// initialized the same way pkg/api/api0's Handler does (see m() below):
// avoids a nil check on every packet, and keeps zero-valued metrics in
// the output instead of omitting them entirely.
type serverMetrics struct {
	set *metrics.Set

	sessions_active          *metrics.Gauge
	sessions_opened_total    *metrics.Counter
	sessions_closed_total    *metrics.Counter
	sessions_fatal_total     *metrics.Counter
	bedrock_dropped_total    *metrics.Counter
	bedrock_intercepted_total struct {
		login    *metrics.Counter
		handshake *metrics.Counter
	}
}

func (s *Server) m() *serverMetrics {
	s.metricsInit.Do(func() {
		mo := &s.metricsObj
		mo.set = metrics.NewSet()
		mo.sessions_active = mo.set.NewGauge(`bdmitm_sessions_active`, func() float64 {
			return float64(s.Handler.Len())
		})
		mo.sessions_opened_total = mo.set.NewCounter(`bdmitm_sessions_opened_total`)
		mo.sessions_closed_total = mo.set.NewCounter(`bdmitm_sessions_closed_total`)
		mo.sessions_fatal_total = mo.set.NewCounter(`bdmitm_sessions_fatal_total`)
		mo.bedrock_dropped_total = mo.set.NewCounter(`bdmitm_bedrock_dropped_total`)
		mo.bedrock_intercepted_total.login = mo.set.NewCounter(`bdmitm_bedrock_intercepted_total{packet="login"}`)
		mo.bedrock_intercepted_total.handshake = mo.set.NewCounter(`bdmitm_bedrock_intercepted_total{packet="handshake"}`)
	})
	return &s.metricsObj
}

// Server implements session.Metrics, so it can be handed directly to
// session.NewHandler: the session pipeline counts against the same
// metrics.Set that WritePrometheus exposes, with no intermediate type.

// SessionOpened implements session.Metrics.
func (s *Server) SessionOpened() { s.m().sessions_opened_total.Inc() }

// SessionClosed implements session.Metrics.
func (s *Server) SessionClosed() { s.m().sessions_closed_total.Inc() }

// SessionFatal implements session.Metrics.
func (s *Server) SessionFatal() { s.m().sessions_fatal_total.Inc() }

// BedrockDropped implements session.Metrics.
func (s *Server) BedrockDropped() { s.m().bedrock_dropped_total.Inc() }

// BedrockIntercepted implements session.Metrics.
func (s *Server) BedrockIntercepted(packet string) {
	switch packet {
	case "login":
		s.m().bedrock_intercepted_total.login.Inc()
	case "handshake":
		s.m().bedrock_intercepted_total.handshake.Inc()
	}
}

// WritePrometheus writes aggregate server metrics, and every listener's
// transport-level metrics, to w.
func (s *Server) WritePrometheus(w io.Writer) {
	s.m().set.WritePrometheus(w)
	s.clientListener.WritePrometheus(w, "client")
	s.mu.Lock()
	for client, l := range s.serverListeners {
		l.WritePrometheus(w, "server:"+client.String())
	}
	s.mu.Unlock()
}
