package archive

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossarb/internal/config"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "trades-2026-03-01.jsonl", objectKey("", "/var/lib/crossarb/trades-2026-03-01.jsonl"))
	assert.Equal(t, "audit/trades-2026-03-01.jsonl", objectKey("/audit/", "trades-2026-03-01.jsonl"))
	assert.Equal(t, "a/b/trades.jsonl", objectKey("a/b", "x/trades.jsonl"))
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000"))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com"))
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, config.ArchiveConfig{Region: "us-east-1"}, slog.Default())
	assert.ErrorContains(t, err, "bucket")

	_, err = New(ctx, config.ArchiveConfig{Bucket: "audit"}, slog.Default())
	assert.ErrorContains(t, err, "region")

	a, err := New(ctx, config.ArchiveConfig{
		Bucket: "audit", Region: "us-east-1", Endpoint: "localhost:9000",
		Prefix: "crossarb", AccessKey: "k", SecretKey: "s", ForcePathStyle: true,
	}, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "crossarb/trades-2026-03-01.jsonl", a.Key("/tmp/trades-2026-03-01.jsonl"))
}
