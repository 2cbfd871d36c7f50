package store

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// maxContextSize caps the declared size of a stored hook context.
const maxContextSize = 64 << 20

// compressContext LZ4-compresses raw and prefixes the result with the
// uncompressed length as a 4-byte little-endian integer.
func compressContext(raw []byte) ([]byte, error) {
	if len(raw) > maxContextSize {
		return nil, fmt.Errorf("hook context of %d bytes exceeds limit", len(raw))
	}
	buf := make([]byte, 4+lz4.CompressBlockBound(len(raw)))
	binary.LittleEndian.PutUint32(buf, uint32(len(raw)))
	if len(raw) == 0 {
		return buf[:4], nil
	}

	var c lz4.Compressor
	n, err := c.CompressBlock(raw, buf[4:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		// Incompressible input is stored as a single literal run so the
		// block format stays uniform.
		n = copy(buf[4:], literalBlock(raw))
	}
	return buf[:4+n], nil
}

// decompressContext reverses compressContext.
func decompressContext(blob []byte) ([]byte, error) {
	if len(blob) < 4 {
		return nil, fmt.Errorf("hook context blob too short: %d bytes", len(blob))
	}
	size := binary.LittleEndian.Uint32(blob)
	if size > maxContextSize {
		return nil, fmt.Errorf("hook context declares %d bytes, over limit", size)
	}
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	n, err := lz4.UncompressBlock(blob[4:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != int(size) {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, want %d", n, size)
	}
	return out, nil
}

// literalBlock encodes src as one LZ4 sequence made only of literals.
func literalBlock(src []byte) []byte {
	n := len(src)
	out := make([]byte, 0, n+n/255+16)
	if n < 15 {
		out = append(out, byte(n<<4))
	} else {
		out = append(out, 0xF0)
		rest := n - 15
		for rest >= 255 {
			out = append(out, 255)
			rest -= 255
		}
		out = append(out, byte(rest))
	}
	return append(out, src...)
}
