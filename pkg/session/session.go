package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/duskrelay/bdmitm/pkg/bedrock"
	"github.com/duskrelay/bdmitm/pkg/raknet"
	"github.com/rs/zerolog"
)

// State is one of the session's three monotonic phases.
type State int

const (
	Offline State = iota
	Online
	Encrypted
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Online:
		return "online"
	case Encrypted:
		return "encrypted"
	default:
		return "unknown"
	}
}

// ErrStateMismatch is returned when a Login or ServerHandshake packet
// arrives outside the Online state. Not fatal; the offending bedrock
// packet is dropped.
var ErrStateMismatch = errors.New("packet arrived in the wrong session state")

// ErrEventError covers a data-out subscriber returning an empty payload
// or no destination. Fatal to the session.
var ErrEventError = errors.New("event subscriber produced no payload")

// Sender is the capability a Session uses to deliver bytes toward one
// side of the proxy. transport.Listener satisfies this.
type Sender interface {
	Send(addr netip.AddrPort, buf []byte) (int, error)
}

// defaultMTU is the session's starting MTU.
const defaultMTU = 1492

// dirState is the per-direction bookkeeping: outbound counters assigned
// toward an origin, and inbound admission state for packets arriving
// from that origin.
type dirState struct {
	packetIndex uint32
	seqNumber   uint32
	splitID     uint16

	window *raknet.ReliableWindow
	splits *raknet.SplitTable
}

func newDirState() *dirState {
	return &dirState{
		window: raknet.NewReliableWindow(),
		splits: raknet.NewSplitTable(),
	}
}

// Session is the central per-connection record. HandleData is called
// concurrently from two goroutines (the shared client-facing listener,
// and this session's own server-facing listener, dialed per client), so
// mu serializes every per-session mutation behind a single critical
// section instead of leaving Session to assume a single caller.
type Session struct {
	Logger zerolog.Logger
	Bus    *Bus

	ClientAddr netip.AddrPort
	ServerAddr netip.AddrPort

	// ClientListener faces the client; ServerListener faces the server.
	ClientListener Sender
	ServerListener Sender

	// metrics, if non-nil, receives bedrock inspection and fatal-error
	// counters. Session lifecycle (opened/closed) counters are owned by
	// Handler, which knows about session creation and eviction.
	metrics Metrics

	mu sync.Mutex

	state   State
	mtuSize int

	dir [2]*dirState // indexed by Origin

	keyPair *bedrock.KeyPair
	salt    string

	clientBatch *bedrock.EncryptedBatchCodec
	serverBatch *bedrock.EncryptedBatchCodec

	closed bool
}

// New constructs a Session in the initial Offline state. If startMTU is
// 0 or negative, defaultMTU is used. m may be nil.
func New(clientAddr, serverAddr netip.AddrPort, clientListener, serverListener Sender, startMTU int, m Metrics, logger zerolog.Logger) *Session {
	if startMTU <= 0 {
		startMTU = defaultMTU
	}
	return &Session{
		Logger:         logger,
		Bus:            NewBus(),
		ClientAddr:     clientAddr,
		ServerAddr:     serverAddr,
		ClientListener: clientListener,
		ServerListener: serverListener,
		metrics:        m,
		state:          Offline,
		mtuSize:        startMTU,
		dir:            [2]*dirState{newDirState(), newDirState()},
	}
}

// State returns the session's current state. Safe for concurrent use.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MTU returns the session's negotiated MTU. Safe for concurrent use.
func (s *Session) MTU() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtuSize
}

// listenerFor returns the Sender facing o.
func (s *Session) listenerFor(o Origin) Sender {
	if o == Client {
		return s.ClientListener
	}
	return s.ServerListener
}

// setState advances the state machine, which is monotonic (write-once per
// step, except the terminal Offline on disconnect), and emits the "state"
// hook.
func (s *Session) setState(ctx context.Context, next State) error {
	if next != Offline && next < s.state {
		return fmt.Errorf("session state is monotonic: cannot move from %s to %s", s.state, next)
	}
	prev := s.state
	_, err := s.Bus.Emit(ctx, &Event{Hook: HookState, Session: s, Args: []interface{}{prev, next}})
	if err != nil {
		return err
	}
	s.state = next
	return nil
}

// Disconnect tears the session down: fatal errors transition it to the
// terminal Offline state. Callers must already hold mu; the only call
// site is fatal, from within HandleData's critical section.
func (s *Session) Disconnect(ctx context.Context) {
	if s.closed {
		return
	}
	s.closed = true
	s.state = Offline
	s.Logger.Info().Msg("session disconnected")
}

// Closed reports whether the session has been torn down. Safe for
// concurrent use.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// HandleData processes one inbound UDP datagram received from origin o.
// Safe to call concurrently: the client-facing listener and this
// session's own server-facing listener both call it from their own
// goroutines, and mu serializes the resulting mutation of state,
// mtuSize, dir, keyPair, salt, clientBatch, and serverBatch into one
// critical section per datagram.
func (s *Session) HandleData(ctx context.Context, o Origin, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	cancel, err := s.Bus.Emit(ctx, &Event{Hook: HookDataIn, Session: s, Args: []interface{}{o, data}})
	if err != nil {
		s.fatal(ctx, err)
		return
	}
	if cancel {
		return
	}

	if len(data) == 0 {
		return
	}

	if s.state == Offline {
		s.handleOffline(ctx, o, data)
		return
	}

	switch {
	case data[0]&raknet.FlagValid != 0:
		s.handleDatagram(ctx, o, data)
	case data[0]&raknet.FlagAck != 0:
		s.handleAck(ctx, o, data)
	case data[0]&raknet.FlagNak != 0:
		// NACKs are logged but not otherwise handled.
		s.Logger.Debug().Stringer("origin", o).Msg("received nack")
	default:
		// unrecognized leading byte; ignore.
	}
}

// handleOffline forwards Open2Request/Open2Reply verbatim while tracking
// MTU negotiation and the Offline->Online transition.
func (s *Session) handleOffline(ctx context.Context, o Origin, data []byte) {
	if len(data) >= 3 {
		b := raknet.Wrap(data[1:])
		switch {
		case o == Client:
			if req, err := raknet.ReadOpen2Request(b); err == nil {
				if int(req.MTU) < s.mtuSize {
					s.mtuSize = int(req.MTU)
				}
			}
		case o == Server:
			if _, err := raknet.ReadOpen2Reply(b); err == nil {
				if err := s.setState(ctx, Online); err != nil {
					s.fatal(ctx, err)
					return
				}
			}
		}
	}
	s.forward(ctx, Opposite(o), data)
}

// forward delivers raw bytes verbatim toward dest, through the data-out
// hook.
func (s *Session) forward(ctx context.Context, dest Origin, data []byte) {
	ev := &Event{Hook: HookDataOut, Session: s, Args: []interface{}{dest, data}}
	cancel, err := s.Bus.Emit(ctx, ev)
	if err != nil {
		s.fatal(ctx, err)
		return
	}
	if cancel {
		return
	}
	out, _ := ev.Args[1].([]byte)
	if len(out) == 0 {
		s.fatal(ctx, ErrEventError)
		return
	}
	if _, err := s.listenerFor(dest).Send(s.addrFor(dest), out); err != nil {
		s.Logger.Warn().Err(err).Stringer("dest", dest).Msg("send failed")
	}
}

func (s *Session) addrFor(o Origin) netip.AddrPort {
	if o == Client {
		return s.ClientAddr
	}
	return s.ServerAddr
}

// fatal logs err and tears the session down.
func (s *Session) fatal(ctx context.Context, err error) {
	s.Logger.Error().Err(err).Msg("fatal session error")
	if s.metrics != nil {
		s.metrics.SessionFatal()
	}
	s.Disconnect(ctx)
}

// batchCodecFor returns the direction-specific codec associated with o's
// key: clientBatch decodes traffic from the client and
// encrypts traffic toward the client; serverBatch is the mirror for the
// server.
func (s *Session) batchCodecFor(o Origin) *bedrock.EncryptedBatchCodec {
	if o == Client {
		return s.clientBatch
	}
	return s.serverBatch
}
