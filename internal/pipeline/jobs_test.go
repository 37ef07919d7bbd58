package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestIngestJobKey(t *testing.T) {
	job := IngestJob{UserID: "user-1", ContentHash: "deadbeef"}
	assert.Equal(t, "user-1:deadbeef", job.Key())
}

func TestOcrJobInlinePayload(t *testing.T) {
	// Handlers decode the next stage's payload from the wire form; the inline
	// embedding must keep the parent fields at the top level.
	in := OcrJob{
		IngestJob:   IngestJob{UserID: "user-1", FilePath: "/tmp/x.png", ContentHash: "deadbeef"},
		ArtifactKey: "user-1/deadbeef_1600.webp",
		Width:       1600,
		Height:      1200,
	}
	b, err := msgpack.Marshal(in)
	require.NoError(t, err)

	var out OcrJob
	require.NoError(t, msgpack.Unmarshal(b, &out))
	assert.Equal(t, in, out)

	var parent IngestJob
	require.NoError(t, msgpack.Unmarshal(b, &parent))
	assert.Equal(t, "user-1", parent.UserID)
	assert.Equal(t, "deadbeef", parent.ContentHash)
}
