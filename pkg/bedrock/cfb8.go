package bedrock

import "crypto/cipher"

// cfb8 implements AES-CFB8 (1-byte segment size) as a cipher.Stream. The
// standard library's cipher.NewCFBEncrypter/Decrypter only implement CFB
// with a segment size equal to the block size (CFB128 for AES), so this
// is written by hand: no segment-size-1 CFB stream exists in
// crypto/cipher.
type cfb8 struct {
	block   cipher.Block
	shift   []byte
	decrypt bool
}

// newCFB8 constructs a CFB8 stream over block, seeded with iv (which must
// be exactly block.BlockSize() bytes).
func newCFB8(block cipher.Block, iv []byte, decrypt bool) cipher.Stream {
	shift := make([]byte, len(iv))
	copy(shift, iv)
	return &cfb8{block: block, shift: shift, decrypt: decrypt}
}

// XORKeyStream implements cipher.Stream, processing src byte-by-byte
// (CFB8 has no parallelism to exploit).
func (c *cfb8) XORKeyStream(dst, src []byte) {
	blockSize := c.block.BlockSize()
	ks := make([]byte, blockSize)
	for i := range src {
		c.block.Encrypt(ks, c.shift)

		in := src[i]
		out := ks[0] ^ in
		dst[i] = out

		var fed byte
		if c.decrypt {
			fed = in
		} else {
			fed = out
		}
		copy(c.shift, c.shift[1:])
		c.shift[blockSize-1] = fed
	}
}
