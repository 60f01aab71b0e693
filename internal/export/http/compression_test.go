package http

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// samplePayload is a plausible NDJSON batch; repetitive enough that
// every real algorithm shrinks it.
func samplePayload() []byte {
	lines := []string{
		`{"index":0,"name":"vfs_read","addr":"0xffffffff81234560","arg_count":4}`,
		`{"index":1,"name":"vfs_write","addr":"0xffffffff81234720","arg_count":4}`,
		`{"index":2,"name":"vfs_open","addr":"0xffffffff812348e0","arg_count":2}`,
	}

	return []byte(strings.Repeat(strings.Join(lines, "\n")+"\n", 8))
}

func TestCompressor_RoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		algorithm  string
		encoding   string
		decompress func([]byte) ([]byte, error)
	}{
		{"gzip", CompressionGzip, "gzip", DecompressGzip},
		{"zstd", CompressionZstd, "zstd", DecompressZstd},
		{"zlib", CompressionZlib, "deflate", DecompressZlib},
		{"snappy", CompressionSnappy, "snappy", DecompressSnappy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCompressor(tt.algorithm)
			require.NoError(t, err)
			defer c.Close()

			original := samplePayload()
			compressed, err := c.Compress(original)
			require.NoError(t, err)

			assert.Less(t, len(compressed), len(original))
			assert.Equal(t, tt.encoding, c.ContentEncoding())

			decompressed, err := tt.decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, original, decompressed)
		})
	}
}

func TestCompressor_None(t *testing.T) {
	c, err := NewCompressor(CompressionNone)
	require.NoError(t, err)
	defer c.Close()

	original := samplePayload()
	compressed, err := c.Compress(original)
	require.NoError(t, err)

	assert.Equal(t, original, compressed)
	assert.Equal(t, "", c.ContentEncoding())
}

func TestCompressor_UnknownAlgorithm(t *testing.T) {
	c, err := NewCompressor("lz77")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Compress(samplePayload())
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid",
			cfg: Config{
				Enabled:      true,
				Address:      "http://localhost:8080",
				BatchSize:    100,
				MaxQueueSize: 1000,
				Workers:      1,
			},
			wantErr: false,
		},
		{
			name: "disabled skips validation",
			cfg: Config{
				Enabled: false,
			},
			wantErr: false,
		},
		{
			name: "collector address missing",
			cfg: Config{
				Enabled: true,
			},
			wantErr: true,
		},
		{
			name: "unknown compression",
			cfg: Config{
				Enabled:     true,
				Address:     "http://localhost:8080",
				Compression: "lz77",
			},
			wantErr: true,
		},
		{
			name: "batch larger than queue",
			cfg: Config{
				Enabled:      true,
				Address:      "http://localhost:8080",
				BatchSize:    1000,
				MaxQueueSize: 100,
				Workers:      1,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.ApplyDefaults()
			err := tt.cfg.Validate()

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
