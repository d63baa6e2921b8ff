package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/netip"
	"testing"

	"github.com/duskrelay/bdmitm/pkg/bedrock"
	"github.com/duskrelay/bdmitm/pkg/raknet"
	"github.com/rs/zerolog"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) Send(addr netip.AddrPort, buf []byte) (int, error) {
	cp := append([]byte(nil), buf...)
	f.sent = append(f.sent, cp)
	return len(buf), nil
}

func newTestSession() (*Session, *fakeSender, *fakeSender) {
	clientAddr := netip.MustParseAddrPort("127.0.0.1:1000")
	serverAddr := netip.MustParseAddrPort("127.0.0.1:2000")
	cl := &fakeSender{}
	sl := &fakeSender{}
	s := New(clientAddr, serverAddr, cl, sl, 0, nil, zerolog.Nop())
	return s, cl, sl
}

func buildOpen2Request(mtu uint16) []byte {
	b := raknet.Empty(3)
	_ = b.WriteByte(0x05)
	(&raknet.Open2Request{MTU: mtu}).WriteTo(b)
	return b.Bytes()
}

func buildOpen2Reply(mtu uint16) []byte {
	b := raknet.Empty(3)
	_ = b.WriteByte(0x06)
	(&raknet.Open2Reply{MTU: mtu}).WriteTo(b)
	return b.Bytes()
}

func TestMTUNegotiation(t *testing.T) {
	s, _, sl := newTestSession()
	ctx := context.Background()

	req := buildOpen2Request(900)
	s.HandleData(ctx, Client, req)

	if s.MTU() != 900 {
		t.Fatalf("expected mtu 900, got %d", s.MTU())
	}
	if len(sl.sent) != 1 {
		t.Fatalf("expected the request to be forwarded to the server, got %d sends", len(sl.sent))
	}
}

func TestOfflineToOnline(t *testing.T) {
	s, cl, sl := newTestSession()
	ctx := context.Background()

	s.HandleData(ctx, Client, buildOpen2Request(1400))
	if s.State() != Offline {
		t.Fatalf("expected state to remain offline after Open2Request, got %s", s.State())
	}

	s.HandleData(ctx, Server, buildOpen2Reply(1400))
	if s.State() != Online {
		t.Fatalf("expected state online after Open2Reply, got %s", s.State())
	}

	if len(sl.sent) != 1 || len(cl.sent) != 1 {
		t.Fatalf("expected both packets forwarded, got server=%d client=%d", len(sl.sent), len(cl.sent))
	}
}

func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func fakeToken(t *testing.T, header, claims map[string]interface{}) string {
	hb, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	cb, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return b64url(hb) + "." + b64url(cb) + "." + b64url([]byte("sig"))
}

func wrapAsDatagram(rec []byte, seq uint32, idx uint32) []byte {
	batch := &bedrock.BatchPacket{Records: [][]byte{rec}}
	body, err := batch.Export()
	if err != nil {
		panic(err)
	}
	sub := append([]byte{bedrock.BatchID}, body...)

	index := idx
	ep := &raknet.EncapsulatedPacket{Reliability: raknet.Reliable, Index: &index, Sub: sub}
	dg := &raknet.Datagram{Flags: raknet.FlagValid, Sequence: seq, Packets: []*raknet.EncapsulatedPacket{ep}}

	b := raknet.Empty(len(sub) + 32)
	dg.WriteTo(b)
	return b.Bytes()
}

func decodeForwardedLogin(t *testing.T, raw []byte) *bedrock.LoginPacket {
	dg, err := raknet.ReadDatagram(raknet.Wrap(raw))
	if err != nil {
		t.Fatalf("decode datagram: %v", err)
	}
	sub := dg.Packets[0].Sub
	if sub[0] != bedrock.BatchID {
		t.Fatalf("expected a batch packet, got id %#x", sub[0])
	}
	batch, err := bedrock.DecodeBatch(sub[1:])
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	login, err := bedrock.DecodeLogin(batch.Records[0][1:])
	if err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return login
}

func decodeForwardedHandshake(t *testing.T, raw []byte) *bedrock.ServerHandshakePacket {
	dg, err := raknet.ReadDatagram(raknet.Wrap(raw))
	if err != nil {
		t.Fatalf("decode datagram: %v", err)
	}
	sub := dg.Packets[0].Sub
	if sub[0] != bedrock.BatchID {
		t.Fatalf("expected a batch packet, got id %#x", sub[0])
	}
	batch, err := bedrock.DecodeBatch(sub[1:])
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	hs, err := bedrock.DecodeServerHandshake(batch.Records[0][1:])
	if err != nil {
		t.Fatalf("decode server handshake: %v", err)
	}
	return hs
}

func TestFullHandshake(t *testing.T) {
	s, cl, sl := newTestSession()
	ctx := context.Background()
	s.state = Online

	clientKP, err := bedrock.GenKeyPair()
	if err != nil {
		t.Fatalf("client key pair: %v", err)
	}
	pubClientB64, err := bedrock.EncodePublicKey(clientKP.Public)
	if err != nil {
		t.Fatalf("encode client pub key: %v", err)
	}

	identityToken := fakeToken(t,
		map[string]interface{}{"alg": "ES384"},
		map[string]interface{}{"identityPublicKey": pubClientB64})
	clientDataToken := fakeToken(t,
		map[string]interface{}{"alg": "ES384"},
		map[string]interface{}{"foo": "bar"})

	login := &bedrock.LoginPacket{
		ProtocolVersion: 649,
		Tokens:          []string{identityToken},
		Client:          clientDataToken,
	}
	loginBody, err := login.Export()
	if err != nil {
		t.Fatalf("export login: %v", err)
	}
	loginRec := append([]byte{bedrock.LoginID}, loginBody...)

	s.HandleData(ctx, Client, wrapAsDatagram(loginRec, 1, 0))

	if s.keyPair == nil {
		t.Fatal("expected keyPair to be populated after login interception")
	}
	if s.salt == "" {
		t.Fatal("expected salt to be populated after login interception")
	}
	if s.clientBatch == nil {
		t.Fatal("expected clientBatch to be populated after login interception")
	}
	if len(sl.sent) != 1 {
		t.Fatalf("expected one forwarded login datagram, got %d", len(sl.sent))
	}

	forwardedLogin := decodeForwardedLogin(t, sl.sent[0])
	tok, err := bedrock.ParseToken(forwardedLogin.Tokens[len(forwardedLogin.Tokens)-1])
	if err != nil {
		t.Fatalf("parse forwarded token: %v", err)
	}
	wantPub, _ := bedrock.EncodePublicKey(s.keyPair.Public)
	if got, _ := tok.Claims()["identityPublicKey"].(string); got != wantPub {
		t.Fatalf("expected outbound identityPublicKey to be the proxy's key, got %q want %q", got, wantPub)
	}

	serverKP, err := bedrock.GenKeyPair()
	if err != nil {
		t.Fatalf("server key pair: %v", err)
	}
	pubServerB64, err := bedrock.EncodePublicKey(serverKP.Public)
	if err != nil {
		t.Fatalf("encode server pub key: %v", err)
	}
	serverSalt, err := bedrock.RandomSalt()
	if err != nil {
		t.Fatalf("server salt: %v", err)
	}

	handshakeToken := fakeToken(t,
		map[string]interface{}{"alg": "ES384", "x5u": pubServerB64},
		map[string]interface{}{"salt": serverSalt})

	hs := &bedrock.ServerHandshakePacket{Token: handshakeToken}
	hsRec := append([]byte{bedrock.ServerHandshakeID}, hs.Export()...)

	s.HandleData(ctx, Server, wrapAsDatagram(hsRec, 1, 0))

	if s.State() != Encrypted {
		t.Fatalf("expected state encrypted after handshake interception, got %s", s.State())
	}
	if s.serverBatch == nil {
		t.Fatal("expected serverBatch to be populated after handshake interception")
	}
	// cl.sent[0] is the ACK for the login datagram; the forwarded
	// handshake follows it.
	if len(cl.sent) != 2 {
		t.Fatalf("expected the login ACK and one forwarded handshake datagram, got %d", len(cl.sent))
	}

	forwardedHS := decodeForwardedHandshake(t, cl.sent[1])
	hsTok, err := bedrock.ParseToken(forwardedHS.Token)
	if err != nil {
		t.Fatalf("parse forwarded handshake token: %v", err)
	}
	if got, _ := hsTok.Claims()["salt"].(string); got != s.salt {
		t.Fatalf("expected outbound handshake salt to equal the salt stored at login, got %q want %q", got, s.salt)
	}
}

// countingMetrics records how many times each Metrics method was called.
type countingMetrics struct {
	opened, closed, fatal, dropped int
	intercepted                    map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{intercepted: make(map[string]int)}
}

func (m *countingMetrics) SessionOpened()                { m.opened++ }
func (m *countingMetrics) SessionClosed()                 { m.closed++ }
func (m *countingMetrics) SessionFatal()                  { m.fatal++ }
func (m *countingMetrics) BedrockDropped()                { m.dropped++ }
func (m *countingMetrics) BedrockIntercepted(kind string)  { m.intercepted[kind]++ }

func TestHandlerMetricsOpenedAndClosed(t *testing.T) {
	m := newCountingMetrics()
	cl := &fakeSender{}
	h := NewHandler(cl, func(client netip.AddrPort) (netip.AddrPort, Sender, error) {
		return netip.MustParseAddrPort("127.0.0.1:2000"), &fakeSender{}, nil
	}, 0, m, zerolog.Nop())

	client := netip.MustParseAddrPort("127.0.0.1:1000")
	if _, err := h.SessionFor(client); err != nil {
		t.Fatalf("SessionFor: %v", err)
	}
	if m.opened != 1 {
		t.Fatalf("expected 1 SessionOpened call, got %d", m.opened)
	}

	h.Remove(client)
	if m.closed != 1 {
		t.Fatalf("expected 1 SessionClosed call, got %d", m.closed)
	}

	// Removing an already-absent client must not double-count.
	h.Remove(client)
	if m.closed != 1 {
		t.Fatalf("expected SessionClosed to stay at 1 after a redundant Remove, got %d", m.closed)
	}
}

func TestSessionMetricsFatalAndDrop(t *testing.T) {
	m := newCountingMetrics()
	clientAddr := netip.MustParseAddrPort("127.0.0.1:1000")
	serverAddr := netip.MustParseAddrPort("127.0.0.1:2000")
	cl := &fakeSender{}
	sl := &fakeSender{}
	s := New(clientAddr, serverAddr, cl, sl, 0, m, zerolog.Nop())
	ctx := context.Background()

	s.state = Online
	// ServerHandshake arriving from the client (rather than the server)
	// is dropped by inspectBedrockPacket's origin check.
	s.HandleData(ctx, Client, wrapAsDatagram([]byte{bedrock.ServerHandshakeID}, 1, 0))
	if m.dropped == 0 {
		t.Fatalf("expected the misdirected handshake to be counted as dropped")
	}

	s.fatal(ctx, ErrEventError)
	if m.fatal != 1 {
		t.Fatalf("expected 1 SessionFatal call, got %d", m.fatal)
	}
	if !s.Closed() {
		t.Fatal("expected session to be closed after a fatal error")
	}
}

func TestResourcePackResponsePassthrough(t *testing.T) {
	s, _, sl := newTestSession()
	ctx := context.Background()
	s.state = Online

	resp := &bedrock.ResourcePackResponsePacket{Status: 3, Packs: []string{"pack-a", "pack-b"}}
	rec := append([]byte{bedrock.ResourcePackResponseID}, resp.Export()...)

	s.HandleData(ctx, Client, wrapAsDatagram(rec, 1, 0))

	if len(sl.sent) != 1 {
		t.Fatalf("expected the response to be forwarded to the server, got %d sends", len(sl.sent))
	}

	dg, err := raknet.ReadDatagram(raknet.Wrap(sl.sent[0]))
	if err != nil {
		t.Fatalf("decode datagram: %v", err)
	}
	batch, err := bedrock.DecodeBatch(dg.Packets[0].Sub[1:])
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	got, err := bedrock.DecodeResourcePackResponse(batch.Records[0][1:])
	if err != nil {
		t.Fatalf("decode forwarded resource pack response: %v", err)
	}
	if got.Status != resp.Status || len(got.Packs) != len(resp.Packs) {
		t.Fatalf("expected response to round-trip unchanged, got %+v want %+v", got, resp)
	}
}
