package record

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Encoding formats.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Compression modes.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Config selects how records are serialized.
type Config struct {
	// Encoding is the wire format (json, msgpack).
	Encoding string `yaml:"encoding" json:"encoding" validate:"oneof=json msgpack"`

	// Compression is applied after encoding (none, zstd).
	Compression string `yaml:"compression" json:"compression" validate:"oneof=none zstd"`
}

// DefaultConfig returns plain JSON without compression.
func DefaultConfig() Config {
	return Config{
		Encoding:    EncodingJSON,
		Compression: CompressionNone,
	}
}

// Codec encodes and decodes records. A Codec is safe for concurrent use.
type Codec struct {
	config  Config
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec creates a codec for the given configuration.
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionNone
	}

	switch cfg.Encoding {
	case EncodingJSON, EncodingMsgpack:
	default:
		return nil, fmt.Errorf("unsupported record encoding: %s", cfg.Encoding)
	}

	c := &Codec{config: cfg}

	switch cfg.Compression {
	case CompressionNone:
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			_ = enc.Close()
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		c.encoder = enc
		c.decoder = dec
	default:
		return nil, fmt.Errorf("unsupported record compression: %s", cfg.Compression)
	}

	return c, nil
}

// Config returns the codec configuration.
func (c *Codec) Config() Config {
	return c.config
}

// Encode serializes a record.
func (c *Codec) Encode(r *Record) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("record is nil")
	}

	var (
		data []byte
		err  error
	)
	switch c.config.Encoding {
	case EncodingMsgpack:
		data, err = msgpack.Marshal(r)
	default:
		data, err = json.Marshal(r)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode record %s: %w", r.ID, err)
	}

	if c.encoder != nil {
		data = c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	}
	return data, nil
}

// Decode parses bytes produced by Encode with the same configuration.
func (c *Codec) Decode(data []byte) (*Record, error) {
	if c.decoder != nil {
		plain, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress record: %w", err)
		}
		data = plain
	}

	r := &Record{}
	var err error
	switch c.config.Encoding {
	case EncodingMsgpack:
		err = msgpack.Unmarshal(data, r)
	default:
		err = json.Unmarshal(data, r)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return r, nil
}

// Close releases compression resources.
func (c *Codec) Close() {
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
