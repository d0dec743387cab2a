package extractor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFrameMissingVideo(t *testing.T) {
	dir := t.TempDir()
	err := ExtractFrame(context.Background(), filepath.Join(dir, "nope.mp4"), time.Second, filepath.Join(dir, "f.jpg"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}
