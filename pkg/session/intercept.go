package session

import (
	"context"
	"fmt"

	"github.com/duskrelay/bdmitm/pkg/bedrock"
)

// interceptLogin substitutes the proxy's own ephemeral key pair for the
// client's in the identity chain's last token, so the proxy can
// independently agree a shared secret with the client.
func (s *Session) interceptLogin(ctx context.Context, rec []byte) (out []byte, drop bool, err error) {
	login, err := bedrock.DecodeLogin(rec[1:])
	if err != nil {
		s.Logger.Warn().Err(err).Msg("malformed login packet, forwarding unmodified")
		return rec, false, nil
	}
	if len(login.Tokens) == 0 {
		s.Logger.Warn().Msg("login packet has an empty identity chain, forwarding unmodified")
		return rec, false, nil
	}

	kp, err := bedrock.GenKeyPair()
	if err != nil {
		return nil, false, err
	}
	salt, err := bedrock.RandomSalt()
	if err != nil {
		return nil, false, err
	}

	lastIdx := len(login.Tokens) - 1
	tok, err := bedrock.ParseToken(login.Tokens[lastIdx])
	if err != nil {
		s.Logger.Warn().Err(err).Msg("malformed identity token, forwarding unmodified")
		return rec, false, nil
	}

	pubClientRaw, _ := tok.Claims()["identityPublicKey"].(string)
	pubClient, err := bedrock.ParsePublicKey(pubClientRaw)
	if err != nil {
		return nil, false, fmt.Errorf("parse client identity public key: %w", err)
	}

	secretClient, err := bedrock.DiffieHellman(kp.Private, pubClient, salt)
	if err != nil {
		return nil, false, err
	}
	clientCodec, err := bedrock.NewEncryptedBatchCodec(secretClient)
	if err != nil {
		return nil, false, err
	}

	pubProxyStr, err := bedrock.EncodePublicKey(kp.Public)
	if err != nil {
		return nil, false, err
	}
	tok.Claims()["identityPublicKey"] = pubProxyStr

	signed, err := tok.Sign(kp.Private)
	if err != nil {
		return nil, false, err
	}
	login.Tokens[lastIdx] = signed

	if clientTok, cerr := bedrock.ParseToken(login.Client); cerr == nil {
		if signedClient, serr := clientTok.Sign(kp.Private); serr == nil {
			login.Client = signedClient
		}
	}

	s.keyPair = kp
	s.salt = salt
	s.clientBatch = clientCodec

	body, err := login.Export()
	if err != nil {
		return nil, false, err
	}
	return append([]byte{bedrock.LoginID}, body...), false, nil
}

// interceptHandshake agrees a second, independent shared secret with the
// server, then re-signs the handshake so the client's own key agreement
// lines up with the salt it already holds.
func (s *Session) interceptHandshake(ctx context.Context, rec []byte) (out []byte, drop bool, err error) {
	hs, err := bedrock.DecodeServerHandshake(rec[1:])
	if err != nil {
		s.Logger.Warn().Err(err).Msg("malformed server handshake, forwarding unmodified")
		return rec, false, nil
	}

	tok, err := bedrock.ParseToken(hs.Token)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("malformed handshake token, forwarding unmodified")
		return rec, false, nil
	}

	if s.keyPair == nil {
		s.Logger.Warn().Err(ErrStateMismatch).Msg("server handshake arrived before login, dropping")
		return nil, true, nil
	}

	x5u, _ := tok.Header()["x5u"].(string)
	pubServer, err := bedrock.ParsePublicKey(x5u)
	if err != nil {
		return nil, false, fmt.Errorf("parse server handshake public key: %w", err)
	}
	saltServer, _ := tok.Claims()["salt"].(string)

	secretServer, err := bedrock.DiffieHellman(s.keyPair.Private, pubServer, saltServer)
	if err != nil {
		return nil, false, err
	}
	serverCodec, err := bedrock.NewEncryptedBatchCodec(secretServer)
	if err != nil {
		return nil, false, err
	}
	s.serverBatch = serverCodec

	tok.Claims()["salt"] = s.salt
	signed, err := tok.Sign(s.keyPair.Private)
	if err != nil {
		return nil, false, err
	}
	hs.Token = signed

	if err := s.setState(ctx, Encrypted); err != nil {
		return nil, false, err
	}

	return append([]byte{bedrock.ServerHandshakeID}, hs.Export()...), false, nil
}

// observeResourcePackResponse decodes a ResourcePackResponse purely for
// logging; it carries no key material, so it's re-exported and forwarded
// unchanged rather than intercepted.
func (s *Session) observeResourcePackResponse(o Origin, rec []byte) (out []byte, drop bool, err error) {
	resp, err := bedrock.DecodeResourcePackResponse(rec[1:])
	if err != nil {
		s.Logger.Warn().Err(err).Msg("malformed resource pack response, forwarding unmodified")
		return rec, false, nil
	}
	s.Logger.Debug().Stringer("origin", o).Uint8("status", resp.Status).Int("packs", len(resp.Packs)).
		Msg("resource pack response")
	return append([]byte{bedrock.ResourcePackResponseID}, resp.Export()...), false, nil
}
