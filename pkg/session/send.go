package session

import (
	"context"

	"github.com/duskrelay/bdmitm/pkg/raknet"
)

// sendAck emits an ACK carrying seq back to the same origin that sent the
// datagram.
func (s *Session) sendAck(o Origin, seq uint32) {
	b := raknet.Empty(8)
	_ = b.WriteByte(raknet.FlagAck)
	raknet.EncodeAckRanges(b, []uint32{seq})

	if _, err := s.listenerFor(o).Send(s.addrFor(o), b.Bytes()); err != nil {
		s.Logger.Warn().Err(err).Stringer("origin", o).Msg("ack send failed")
	}
}

// sendPayload re-fragments payload to dest's MTU and sends each fragment
// as its own Datagram, stamped with dest's outbound counters.
func (s *Session) sendPayload(ctx context.Context, dest Origin, payload []byte, reliability byte, src *raknet.EncapsulatedPacket) {
	ds := s.dir[dest]

	maxPayload := s.mtuSize - 60
	if maxPayload <= 0 {
		maxPayload = 1
	}
	frags := raknet.Fragment(payload, maxPayload)
	multi := len(frags) > 1

	var splitID uint16
	if multi {
		splitID = ds.splitID
		ds.splitID++
	}

	for i, f := range frags {
		idx := ds.packetIndex
		ds.packetIndex++
		seq := ds.seqNumber
		ds.seqNumber++

		ep := &raknet.EncapsulatedPacket{
			Reliability: reliability,
			Sub:         f,
		}
		if src != nil {
			ep.Sequence = src.Sequence
			ep.Order = src.Order
		}
		if raknet.IsReliable(reliability) {
			v := idx
			ep.Index = &v
		}
		if multi {
			ep.Split = &raknet.Split{ID: splitID, Index: uint32(i), Count: uint32(len(frags))}
		}

		dg := &raknet.Datagram{Flags: raknet.FlagValid, Sequence: seq, Packets: []*raknet.EncapsulatedPacket{ep}}
		buf := raknet.Empty(len(f) + 32)
		dg.WriteTo(buf)

		s.forward(ctx, dest, buf.Bytes())
		if s.closed {
			return
		}
	}
}
