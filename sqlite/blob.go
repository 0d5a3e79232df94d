package sqlite

import (
	"encoding/hex"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Compression tags stored alongside artifact blobs. Kept as readable strings
// so rows stay inspectable with plain sqlite tooling.
const (
	compressionNone = "none"
	compressionZstd = "zstd"
)

// zstdEncoder and zstdDecoder are reused across calls to avoid repeated
// initialization overhead. Both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("sqlite: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("sqlite: zstd decoder initialization failed: " + err.Error())
	}
}

// compressBlob compresses payload bytes for storage. When the compressed
// form is not smaller than the input the original bytes are kept under the
// "none" tag, so already-compressed payloads (media, archives) carry no
// decompression cost on read.
func compressBlob(data []byte) ([]byte, string) {
	if len(data) == 0 {
		return data, compressionNone
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, compressionNone
	}
	return compressed, compressionZstd
}

// decompressBlob restores payload bytes using the stored tag. The size
// recorded at save time is verified to catch truncated or corrupted rows.
func decompressBlob(data []byte, compression string, size int64) ([]byte, error) {
	switch compression {
	case compressionNone:
		if int64(len(data)) != size {
			return nil, fmt.Errorf("blob is %d bytes, recorded size is %d", len(data), size)
		}
		return data, nil
	case compressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if int64(len(out)) != size {
			return nil, fmt.Errorf("blob is %d bytes, recorded size is %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression tag %q", compression)
	}
}

// digestHex returns the hex BLAKE3 digest of the uncompressed payload.
func digestHex(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
