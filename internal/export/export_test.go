package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/sysmoni/internal/model"
)

func snapshot(ts time.Time) *model.Snapshot {
	return &model.Snapshot{
		Timestamp:     ts,
		SchemaVersion: model.SchemaVersion,
		System:        model.System{Hostname: "box", Platform: "Linux"},
		CPU:           model.CPU{Count: 8, UsagePercent: model.Float(12.5)},
		Disk:          []model.Disk{},
		GPU:           model.NoGPU(),
	}
}

func TestFileReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "latest.json")
	f := NewFile(path)
	first := snapshot(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	second := snapshot(time.Date(2024, 5, 1, 12, 0, 3, 0, time.UTC))

	require.NoError(t, f.Publish(context.Background(), first))
	require.NoError(t, f.Publish(context.Background(), second))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got model.Snapshot
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, *second, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, "latest.json", entries[0].Name())
}

func TestFileUnwritableDirectory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	err := NewFile(filepath.Join(blocker, "latest.json")).Publish(context.Background(), snapshot(time.Now().UTC()))
	assert.Error(t, err)
}

func TestStreamWritesOneDocumentPerLine(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf)
	for i := 0; i < 3; i++ {
		snap := snapshot(time.Date(2024, 5, 1, 12, 0, i, 0, time.UTC))
		require.NoError(t, s.Publish(context.Background(), snap))
	}

	sc := bufio.NewScanner(&buf)
	var lines int
	for sc.Scan() {
		var got model.Snapshot
		require.NoError(t, json.Unmarshal(sc.Bytes(), &got))
		assert.Equal(t, lines, got.Timestamp.Second())
		lines++
	}
	assert.Equal(t, 3, lines)
}
