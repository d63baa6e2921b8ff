package bedrock

import (
	"bytes"
	"testing"
)

func TestBatchRoundTrip(t *testing.T) {
	want := &BatchPacket{Records: [][]byte{
		{0x01, 0xAA, 0xBB},
		{0x03},
		{},
	}}

	body, err := want.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	got, err := DecodeBatch(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Records) != len(want.Records) {
		t.Fatalf("expected %d records, got %d", len(want.Records), len(got.Records))
	}
	for i := range want.Records {
		if !bytes.Equal(got.Records[i], want.Records[i]) {
			t.Fatalf("record %d: expected %x, got %x", i, want.Records[i], got.Records[i])
		}
	}
}

func TestDecodeBatchMalformedZlib(t *testing.T) {
	if _, err := DecodeBatch([]byte{0xFF, 0xFF, 0xFF}); err == nil {
		t.Fatal("expected an error decoding garbage as zlib")
	}
}
