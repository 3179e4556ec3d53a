package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/aristath/sentinel/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArchive_ContainsOneFilePerExecutionPlusManifest(t *testing.T) {
	executions := []*store.Execution{
		{ID: "exec_1", PipelineID: "pipe_a", Symbol: "AAPL", Status: store.StatusCompleted},
		{ID: "exec_2", PipelineID: "pipe_a", Symbol: "MSFT", Status: store.StatusFailed},
	}

	data, ids, checksum, err := buildArchive(executions)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"exec_1", "exec_2"}, ids)
	assert.NotEmpty(t, checksum)

	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	names := map[string]bool{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names[hdr.Name] = true
	}

	assert.True(t, names["exec_1.json"])
	assert.True(t, names["exec_2.json"])
	assert.True(t, names["manifest.json"])
}

func TestBuildArchive_EmptyInputProducesEmptyManifest(t *testing.T) {
	data, ids, _, err := buildArchive(nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NotEmpty(t, data, "an empty batch still produces a valid (manifest-only) archive")
}
