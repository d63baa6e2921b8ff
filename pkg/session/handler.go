package session

import (
	"context"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"
)

// Handler is the registry of active sessions, keyed by client address.
// Sessions hold no reference back to the Handler.
type Handler struct {
	Logger zerolog.Logger

	// ClientListener is the proxy's client-facing listener, shared by
	// every session.
	ClientListener Sender

	// Dial returns the server-facing Sender for a freshly observed
	// client, and the upstream server address to pair it with. Supplied
	// by the caller since binding a socket is outside this package's
	// scope.
	Dial func(client netip.AddrPort) (serverAddr netip.AddrPort, serverListener Sender, err error)

	// StartMTU is the starting MTU offered to new sessions.
	// If 0, each Session falls back to its own default.
	StartMTU int

	// Metrics, if non-nil, receives session lifecycle and bedrock
	// inspection counters.
	Metrics Metrics

	mu       sync.Mutex
	sessions map[netip.AddrPort]*Session
}

// NewHandler constructs an empty Handler. m may be nil.
func NewHandler(clientListener Sender, dial func(netip.AddrPort) (netip.AddrPort, Sender, error), startMTU int, m Metrics, logger zerolog.Logger) *Handler {
	return &Handler{
		Logger:         logger,
		ClientListener: clientListener,
		Dial:           dial,
		StartMTU:       startMTU,
		Metrics:        m,
		sessions:       make(map[netip.AddrPort]*Session),
	}
}

// SessionFor returns the existing session for client, or creates one by
// calling Dial.
func (h *Handler) SessionFor(client netip.AddrPort) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sess, ok := h.sessions[client]; ok && !sess.Closed() {
		return sess, nil
	}

	serverAddr, serverListener, err := h.Dial(client)
	if err != nil {
		return nil, err
	}

	sess := New(client, serverAddr, h.ClientListener, serverListener, h.StartMTU, h.Metrics,
		h.Logger.With().Stringer("client", client).Logger())
	h.sessions[client] = sess
	if h.Metrics != nil {
		h.Metrics.SessionOpened()
	}
	return sess, nil
}

// HandleFromClient dispatches an inbound client datagram to its session,
// creating one if this is the first packet seen from client.
func (h *Handler) HandleFromClient(ctx context.Context, client netip.AddrPort, data []byte) {
	sess, err := h.SessionFor(client)
	if err != nil {
		h.Logger.Warn().Err(err).Stringer("client", client).Msg("failed to establish session")
		return
	}
	sess.HandleData(ctx, Client, data)
}

// HandleFromServer dispatches an inbound server datagram to the session
// whose server-facing connection it arrived on.
func (h *Handler) HandleFromServer(ctx context.Context, client netip.AddrPort, data []byte) {
	h.mu.Lock()
	sess, ok := h.sessions[client]
	h.mu.Unlock()
	if !ok {
		h.Logger.Warn().Stringer("client", client).Msg("server datagram for unknown session")
		return
	}
	sess.HandleData(ctx, Server, data)
}

// Remove evicts a closed session from the registry.
func (h *Handler) Remove(client netip.AddrPort) {
	h.mu.Lock()
	_, ok := h.sessions[client]
	delete(h.sessions, client)
	h.mu.Unlock()
	if ok && h.Metrics != nil {
		h.Metrics.SessionClosed()
	}
}

// Len reports the number of active sessions.
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
