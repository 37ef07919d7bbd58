package constants

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanAdvance(t *testing.T) {
	assert.True(t, CanAdvance(StatusPreprocessed, StatusOCRDone))
	assert.True(t, CanAdvance(StatusPreprocessed, StatusMatched))
	assert.True(t, CanAdvance(StatusOCRDone, StatusMatched))

	// Never backwards, never self.
	assert.False(t, CanAdvance(StatusMatched, StatusOCRDone))
	assert.False(t, CanAdvance(StatusOCRDone, StatusPreprocessed))
	assert.False(t, CanAdvance(StatusMatched, StatusMatched))
}

func TestPredecessors(t *testing.T) {
	assert.ElementsMatch(t, []MediaStatus{StatusPreprocessed, StatusOCRDone}, Predecessors(StatusMatched))
	assert.ElementsMatch(t, []MediaStatus{StatusPreprocessed}, Predecessors(StatusOCRDone))
	assert.Empty(t, Predecessors(StatusPreprocessed))
}

func TestNormalizeExt(t *testing.T) {
	assert.Equal(t, "jpg", NormalizeExt(".JPG"))
	assert.Equal(t, "png", NormalizeExt("png"))
	assert.True(t, IsHEICExt(".HEIC"))
	assert.True(t, IsHEICExt("heif"))
	assert.False(t, IsHEICExt("jpg"))
}
