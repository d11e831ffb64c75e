package cache

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/dgnsrekt/versecache/internal/ttypes"
	"github.com/klauspost/compress/zstd"
)

// zstdMagic is the frame header of a zstd stream.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// payloadCodec converts audio buffers to and from their stored form.
// EncodeAll and DecodeAll are safe for concurrent use, so one codec serves
// parallel payload writes.
type payloadCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newPayloadCodec(compressionLevel int) (*payloadCodec, error) {
	if compressionLevel <= 0 {
		compressionLevel = 3
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &payloadCodec{encoder: encoder, decoder: decoder}, nil
}

func (c *payloadCodec) encode(enc ttypes.Encoding, data []byte) ([]byte, error) {
	switch enc {
	case ttypes.EncodingRaw, "":
		return data, nil
	case ttypes.EncodingBase64:
		out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
		base64.StdEncoding.Encode(out, data)
		return out, nil
	case ttypes.EncodingZstd:
		return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", enc)
	}
}

func (c *payloadCodec) decode(enc ttypes.Encoding, data []byte) ([]byte, error) {
	switch enc {
	case ttypes.EncodingRaw, "":
		return data, nil
	case ttypes.EncodingBase64:
		out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(out, bytes.TrimSpace(data))
		if err != nil {
			return nil, fmt.Errorf("base64 payload: %w", err)
		}
		return out[:n], nil
	case ttypes.EncodingZstd:
		out, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd payload: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", enc)
	}
}

// sniffEncoding guesses the encoding of a payload whose record was lost.
func sniffEncoding(data []byte, fallback ttypes.Encoding) ttypes.Encoding {
	if bytes.HasPrefix(data, zstdMagic) {
		return ttypes.EncodingZstd
	}
	return fallback
}

func (c *payloadCodec) close() {
	c.encoder.Close()
	c.decoder.Close()
}
