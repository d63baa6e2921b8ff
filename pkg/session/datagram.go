package session

import (
	"context"

	"github.com/duskrelay/bdmitm/pkg/bedrock"
	"github.com/duskrelay/bdmitm/pkg/raknet"
)

// handleDatagram processes one inbound Datagram from origin o: it acks
// the datagram immediately, then admits and reassembles each encapsulated
// packet before inspecting it.
func (s *Session) handleDatagram(ctx context.Context, o Origin, data []byte) {
	dg, err := raknet.ReadDatagram(raknet.Wrap(data))
	if err != nil {
		s.Logger.Warn().Err(err).Stringer("origin", o).Msg("malformed datagram")
		return
	}

	s.sendAck(o, dg.Sequence)

	ds := s.dir[o]
	for _, ep := range dg.Packets {
		if raknet.IsReliable(ep.Reliability) {
			if ep.Index == nil {
				s.fatal(ctx, raknet.ErrNoIndex)
				return
			}
			ok, err := ds.window.Admit(*ep.Index)
			if err != nil {
				s.fatal(ctx, err)
				return
			}
			if !ok {
				continue
			}
		}

		complete, ok, err := ds.splits.Reassemble(ep)
		if err != nil {
			s.fatal(ctx, err)
			return
		}
		if !ok {
			continue
		}

		s.handleEncapsulated(ctx, o, complete)
		if s.closed {
			return
		}
	}
}

// handleAck logs an inbound acknowledgement. The proxy owns its own
// per-direction reliability state and does not retransmit, so an ACK
// arriving from an endpoint needs no further action.
func (s *Session) handleAck(ctx context.Context, o Origin, data []byte) {
	seqs, err := raknet.DecodeAckRanges(raknet.Wrap(data[1:]))
	if err != nil {
		s.Logger.Warn().Err(err).Stringer("origin", o).Msg("malformed ack")
		return
	}
	s.Logger.Debug().Stringer("origin", o).Int("count", len(seqs)).Msg("received ack")
}

// handleEncapsulated inspects one fully-reassembled encapsulated packet.
// A BatchPacket payload is decoded, its inner bedrock packets inspected,
// and the result re-packed toward the opposite origin; any other payload
// is forwarded unchanged.
func (s *Session) handleEncapsulated(ctx context.Context, o Origin, ep *raknet.EncapsulatedPacket) {
	if len(ep.Sub) == 0 {
		return
	}
	if ep.Sub[0] == bedrock.BatchID {
		s.handleBatch(ctx, o, ep)
		return
	}
	s.sendPayload(ctx, Opposite(o), ep.Sub, ep.Reliability, ep)
}
