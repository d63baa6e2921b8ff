package session

import (
	"context"
	"fmt"

	"github.com/duskrelay/bdmitm/pkg/bedrock"
	"github.com/duskrelay/bdmitm/pkg/raknet"
)

// handleBatch decodes a BatchPacket-carrying encapsulated packet from o,
// inspects each inner bedrock packet, and re-packs and forwards the
// result toward the opposite origin.
func (s *Session) handleBatch(ctx context.Context, o Origin, ep *raknet.EncapsulatedPacket) {
	// Captured once: inspecting this batch's records (the ServerHandshake
	// in particular) may itself advance s.state to Encrypted, but the
	// batch that carries that transition was sent in the old state and
	// must be packed accordingly on both sides.
	wasEncrypted := s.state == Encrypted

	body := ep.Sub[1:]

	var plain []byte
	if wasEncrypted {
		dec, err := s.batchCodecFor(o).Decrypt(body)
		if err != nil {
			s.fatal(ctx, fmt.Errorf("%w: %v", bedrock.ErrCryptoFailure, err))
			return
		}
		plain = dec
	} else {
		plain = body
	}

	batch, err := bedrock.DecodeBatch(plain)
	if err != nil {
		s.Logger.Warn().Err(err).Stringer("origin", o).Msg("malformed batch")
		if s.metrics != nil {
			s.metrics.BedrockDropped()
		}
		return
	}

	var outRecords [][]byte
	for _, rec := range batch.Records {
		out, drop, err := s.inspectBedrockPacket(ctx, o, rec)
		if err != nil {
			s.fatal(ctx, err)
			return
		}
		if drop {
			continue
		}
		outRecords = append(outRecords, out)
	}
	if len(outRecords) == 0 {
		return
	}

	exported, err := (&bedrock.BatchPacket{Records: outRecords}).Export()
	if err != nil {
		s.fatal(ctx, err)
		return
	}

	dest := Opposite(o)

	var payload []byte
	if wasEncrypted {
		enc, err := s.batchCodecFor(dest).Encrypt(exported)
		if err != nil {
			s.fatal(ctx, fmt.Errorf("%w: %v", bedrock.ErrCryptoFailure, err))
			return
		}
		payload = append([]byte{bedrock.BatchID}, enc...)
	} else {
		payload = append([]byte{bedrock.BatchID}, exported...)
	}

	s.sendPayload(ctx, dest, payload, ep.Reliability, ep)
}

// inspectBedrockPacket dispatches a single inner bedrock packet by id.
// Login and ServerHandshake trigger key-substitution interception;
// everything else passes through unchanged.
func (s *Session) inspectBedrockPacket(ctx context.Context, o Origin, rec []byte) (out []byte, drop bool, err error) {
	if len(rec) == 0 {
		return rec, false, nil
	}

	ev := &Event{Hook: HookBedrockIn, Session: s, Args: []interface{}{o, rec}}
	cancel, err := s.Bus.Emit(ctx, ev)
	if err != nil {
		return nil, false, err
	}
	if cancel {
		s.countDrop()
		return nil, true, nil
	}
	if r, ok := ev.Args[1].([]byte); ok {
		rec = r
	}

	switch rec[0] {
	case bedrock.LoginID:
		if o != Client || s.state != Online {
			s.countDrop()
			return nil, true, nil
		}
		out, drop, err = s.interceptLogin(ctx, rec)
		if err == nil && !drop && s.metrics != nil {
			s.metrics.BedrockIntercepted("login")
		}
	case bedrock.ServerHandshakeID:
		if o != Server || s.state != Online {
			s.countDrop()
			return nil, true, nil
		}
		out, drop, err = s.interceptHandshake(ctx, rec)
		if err == nil && !drop && s.metrics != nil {
			s.metrics.BedrockIntercepted("handshake")
		}
	case bedrock.ResourcePackResponseID:
		out, drop, err = s.observeResourcePackResponse(o, rec)
	default:
		out, drop, err = rec, false, nil
	}
	if err != nil || drop {
		if drop && err == nil {
			s.countDrop()
		}
		return out, drop, err
	}

	outEv := &Event{Hook: HookBedrockOut, Session: s, Args: []interface{}{Opposite(o), out}}
	cancel, err = s.Bus.Emit(ctx, outEv)
	if err != nil {
		return nil, false, err
	}
	if cancel {
		s.countDrop()
		return nil, true, nil
	}
	if r, ok := outEv.Args[1].([]byte); ok {
		out = r
	}
	return out, false, nil
}

// countDrop increments the bedrock-drop counter, if metrics are
// configured.
func (s *Session) countDrop() {
	if s.metrics != nil {
		s.metrics.BedrockDropped()
	}
}
