package store

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Session item blobs are lz4 block-compressed with a 4-byte little-endian
// uncompressed-size prefix.

func pack(data []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, buf, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		// Incompressible input; CompressBlock signals this with n == 0.
		out := make([]byte, 4+len(data))
		binary.LittleEndian.PutUint32(out, 0)
		copy(out[4:], data)
		return out, nil
	}
	out := make([]byte, 4+n)
	binary.LittleEndian.PutUint32(out, uint32(len(data)))
	copy(out[4:], buf[:n])
	return out, nil
}

func unpack(blob []byte) ([]byte, error) {
	if len(blob) < 4 {
		return nil, fmt.Errorf("blob too short: %d bytes", len(blob))
	}
	size := binary.LittleEndian.Uint32(blob)
	if size == 0 {
		// Stored uncompressed.
		return blob[4:], nil
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(blob[4:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out[:n], nil
}
