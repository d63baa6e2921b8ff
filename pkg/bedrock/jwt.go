package bedrock

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/duskrelay/bdmitm/pkg/raknet"
	"github.com/golang-jwt/jwt/v5"
)

// Login and ServerHandshake packet ids within a batch.
const (
	LoginID             byte = 0x01
	ServerHandshakeID    byte = 0x03
	ResourcePackResponseID byte = 0x08
)

// Token wraps a parsed JWT so the proxy can read and rewrite its claims and
// header without ever needing to verify the original signature: the proxy
// is the chain's untrusted middleman, not a relying party.
type Token struct {
	raw   *jwt.Token
	value string
}

// ParseToken decodes s without verifying its signature.
func ParseToken(s string) (*Token, error) {
	t, _, err := jwt.NewParser().ParseUnverified(s, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: jwt: %v", raknet.ErrMalformed, err)
	}
	return &Token{raw: t, value: s}, nil
}

// Claims returns the token's claim set for in-place inspection or mutation.
func (t *Token) Claims() jwt.MapClaims {
	return t.raw.Claims.(jwt.MapClaims)
}

// Header returns the token's header for in-place inspection or mutation
// (the "x5u" public key entry in particular).
func (t *Token) Header() map[string]interface{} {
	return t.raw.Header
}

// Sign re-serializes the token under priv, replacing whatever signature it
// originally carried, and sets the header's "alg" to ES384. Used by the
// proxy to re-issue the last identity-chain token, the client data token
// and the handshake token under its own key.
func (t *Token) Sign(priv *ecdsa.PrivateKey) (string, error) {
	t.raw.Method = jwt.SigningMethodES384
	t.raw.Header["alg"] = jwt.SigningMethodES384.Alg()
	s, err := t.raw.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	t.value = s
	return s, nil
}

// String returns the last-parsed or last-signed compact encoding.
func (t *Token) String() string {
	return t.value
}

// LoginPacket is the client's initial login, carrying an ordered identity
// JWT chain and a separately self-signed client data token.
type LoginPacket struct {
	ProtocolVersion int32
	Tokens          []string // identity chain, outermost-verifiable first
	Client          string   // self-signed client data JWT
}

// DecodeLogin decodes a Login packet body (the caller has already stripped
// the packet id byte).
func DecodeLogin(body []byte) (*LoginPacket, error) {
	b := raknet.Wrap(body)
	proto, err := b.ReadUint32()
	if err != nil {
		return nil, err
	}
	payload, err := b.ReadByteArray()
	if err != nil {
		return nil, err
	}

	pb := raknet.Wrap(payload)
	chainLen, err := pb.ReadUint32()
	if err != nil {
		return nil, err
	}
	chainRaw, err := pb.ReadArray(int(chainLen))
	if err != nil {
		return nil, err
	}
	tokens, err := decodeJSONChain(chainRaw)
	if err != nil {
		return nil, err
	}

	clientRaw, err := pb.ReadByteArray()
	if err != nil {
		return nil, err
	}

	return &LoginPacket{
		ProtocolVersion: int32(proto),
		Tokens:          tokens,
		Client:          string(clientRaw),
	}, nil
}

// Export re-encodes l into a Login packet body.
func (l *LoginPacket) Export() ([]byte, error) {
	chainRaw, err := encodeJSONChain(l.Tokens)
	if err != nil {
		return nil, err
	}

	payload := raknet.Empty(len(chainRaw) + len(l.Client) + 8)
	payload.WriteUint32(uint32(len(chainRaw)))
	payload.WriteArray(chainRaw)
	payload.WriteByteArray([]byte(l.Client))

	out := raknet.Empty(payload.Len() + 8)
	out.WriteUint32(uint32(l.ProtocolVersion))
	out.WriteByteArray(payload.Bytes())
	return out.Bytes(), nil
}

// ServerHandshakePacket carries the server's single handshake JWT, whose
// "salt" claim the proxy replaces with its own salt before re-signing the
// token with its ephemeral key pair. The x5u header is left as the server
// sent it.
type ServerHandshakePacket struct {
	Token string
}

// DecodeServerHandshake decodes a ServerHandshake packet body.
func DecodeServerHandshake(body []byte) (*ServerHandshakePacket, error) {
	b := raknet.Wrap(body)
	raw, err := b.ReadByteArray()
	if err != nil {
		return nil, err
	}
	return &ServerHandshakePacket{Token: string(raw)}, nil
}

// Export re-encodes h into a ServerHandshake packet body.
func (h *ServerHandshakePacket) Export() []byte {
	out := raknet.Empty(len(h.Token) + 4)
	out.WriteByteArray([]byte(h.Token))
	return out.Bytes()
}

// ResourcePackResponsePacket is passed through unmodified by the proxy; it
// carries no key material but is decoded for observability and event-bus
// interception alongside the handshake packets.
type ResourcePackResponsePacket struct {
	Status byte
	Packs  []string
}

// DecodeResourcePackResponse decodes a ResourcePackResponse packet body.
func DecodeResourcePackResponse(body []byte) (*ResourcePackResponsePacket, error) {
	b := raknet.Wrap(body)
	status, err := b.ReadByte()
	if err != nil {
		return nil, err
	}
	count, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}
	packs := make([]string, 0, count)
	for i := uint16(0); i < count; i++ {
		s, err := b.ReadString()
		if err != nil {
			return nil, err
		}
		packs = append(packs, s)
	}
	return &ResourcePackResponsePacket{Status: status, Packs: packs}, nil
}

// Export re-encodes r into a ResourcePackResponse packet body.
func (r *ResourcePackResponsePacket) Export() []byte {
	out := raknet.Empty(3)
	_ = out.WriteByte(r.Status)
	out.WriteUint16(uint16(len(r.Packs)))
	for _, s := range r.Packs {
		out.WriteString(s)
	}
	return out.Bytes()
}
