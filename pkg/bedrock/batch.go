package bedrock

import (
	"bytes"
	"fmt"
	"io"

	"github.com/duskrelay/bdmitm/pkg/raknet"
	"github.com/klauspost/compress/zlib"
)

// BatchID is the RakNet encapsulated-payload id identifying a BatchPacket
// body.
const BatchID byte = 0xFE

// BatchPacket is the application-layer container of one or more bedrock
// packets, zlib-compressed.
type BatchPacket struct {
	Records [][]byte
}

// DecodeBatch decompresses body and splits it into its length-prefixed
// inner records.
func DecodeBatch(body []byte) (*BatchPacket, error) {
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", raknet.ErrMalformed, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", raknet.ErrMalformed, err)
	}

	buf := raknet.Wrap(raw)
	var records [][]byte
	for buf.Remaining() > 0 {
		rec, err := buf.ReadByteArray()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return &BatchPacket{Records: records}, nil
}

// Export re-compresses b's records into a zlib body.
func (b *BatchPacket) Export() ([]byte, error) {
	buf := raknet.Empty(0)
	for _, rec := range b.Records {
		buf.WriteByteArray(rec)
	}

	var out bytes.Buffer
	zw := zlib.NewWriter(&out)
	if _, err := zw.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	return out.Bytes(), nil
}
