package raknet

import (
	"bytes"
	"testing"
)

func TestBufferRoundTrip(t *testing.T) {
	w := Empty(0)
	w.WriteByte(0x80)
	w.WriteBool(true)
	w.WriteUint16(0x1234)
	w.WriteUint32(0xdeadbeef)
	w.WriteUint64(0x0102030405060708)
	w.WriteTriad(0x00abcdef & 0xffffff)
	w.WriteVarUint(300)
	w.WriteByteArray([]byte("hello"))
	w.WriteString("world")

	r := Wrap(w.Bytes())

	if v, err := r.ReadByte(); err != nil || v != 0x80 {
		t.Fatalf("ReadByte: %v %v", v, err)
	}
	if v, err := r.ReadBool(); err != nil || v != true {
		t.Fatalf("ReadBool: %v %v", v, err)
	}
	if v, err := r.ReadUint16(); err != nil || v != 0x1234 {
		t.Fatalf("ReadUint16: %v %v", v, err)
	}
	if v, err := r.ReadUint32(); err != nil || v != 0xdeadbeef {
		t.Fatalf("ReadUint32: %v %v", v, err)
	}
	if v, err := r.ReadUint64(); err != nil || v != 0x0102030405060708 {
		t.Fatalf("ReadUint64: %v %v", v, err)
	}
	if v, err := r.ReadTriad(); err != nil || v != 0x00abcdef&0xffffff {
		t.Fatalf("ReadTriad: %v %v", v, err)
	}
	if v, err := r.ReadVarUint(); err != nil || v != 300 {
		t.Fatalf("ReadVarUint: %v %v", v, err)
	}
	if v, err := r.ReadByteArray(); err != nil || !bytes.Equal(v, []byte("hello")) {
		t.Fatalf("ReadByteArray: %v %v", v, err)
	}
	if v, err := r.ReadString(); err != nil || v != "world" {
		t.Fatalf("ReadString: %v %v", v, err)
	}
	if r.Remaining() != 0 {
		t.Fatalf("expected buffer fully consumed, %d bytes remaining", r.Remaining())
	}
}

func TestBufferShortReadIsMalformed(t *testing.T) {
	r := Wrap([]byte{0x01})
	if _, err := r.ReadUint32(); err == nil {
		t.Fatal("expected error for short read")
	}
}

func TestBufferVarUintTooLong(t *testing.T) {
	buf := make([]byte, 12)
	for i := range buf {
		buf[i] = 0x80
	}
	r := Wrap(buf)
	if _, err := r.ReadVarUint(); err == nil {
		t.Fatal("expected error for varint too long")
	}
}
