package protocol

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisisrag/internal/domain/signal"
)

const floodYAML = `id: flood-urban
title: Urban Flood Response
disaster_type: Flood
summary: Actions for flash flooding in dense urban areas.
steps:
  - Close underpasses prone to flooding.
  - Open shelters above the flood plain.
contacts:
  - County EOC 555-0100
updated_at: 2026-03-01T00:00:00Z
`

const wildfireMD = `---
disaster_type: wildfire
---
# Wildfire Evacuation

Use **designated** routes. See [map](https://example.org/map).
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestFetchLoadsSupportedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "flood.yaml", floodYAML)
	writeFile(t, dir, "fire/wildfire.md", wildfireMD)
	writeFile(t, dir, "notes/general.txt", "Shelter Basics\nKeep water and radios ready.")
	writeFile(t, dir, "image.png", "not a protocol")
	writeFile(t, dir, ".hidden/secret.txt", "ignored")
	writeFile(t, dir, "broken.yaml", "title: [unclosed")

	items, err := New(Config{Dir: dir}).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)

	byID := map[string]signal.ProtocolDoc{}
	for _, it := range items {
		d := it.(signal.ProtocolDoc)
		byID[d.ID] = d
	}

	flood := byID["flood-urban"]
	assert.Equal(t, "Urban Flood Response", flood.Title)
	assert.Equal(t, "flood", flood.DisasterType)
	assert.Contains(t, flood.Body, "1. Close underpasses prone to flooding.")
	assert.Contains(t, flood.Body, "Contacts: County EOC 555-0100")
	assert.Equal(t, "yaml", flood.Format)
	assert.Equal(t, 2026, flood.UpdatedAt.Year())

	fire := byID["fire/wildfire"]
	assert.Equal(t, "Wildfire Evacuation", fire.Title)
	assert.Equal(t, "wildfire", fire.DisasterType)
	assert.Contains(t, fire.Body, "Use designated routes. See map.")

	general := byID["notes/general"]
	assert.Equal(t, "Shelter Basics", general.Title)
	assert.Equal(t, signal.CategoryGeneral, general.DisasterType)
}

func TestFetchChunksLongDocuments(t *testing.T) {
	dir := t.TempDir()
	var paras []string
	for i := 0; i < 30; i++ {
		paras = append(paras, strings.Repeat("Evacuate the coastal zone in order. ", 3))
	}
	writeFile(t, dir, "hurricane.txt", "Hurricane Plan\n"+strings.Join(paras, "\n"))

	items, err := New(Config{Dir: dir, ChunkSize: 400, ChunkOverlap: 50}).Fetch(context.Background())
	require.NoError(t, err)
	require.Greater(t, len(items), 1)

	for i, it := range items {
		d := it.(signal.ProtocolDoc)
		assert.Equal(t, i, d.ChunkIndex)
		assert.Equal(t, len(items), d.ChunkCount)
		assert.LessOrEqual(t, len([]rune(d.Body)), 400)
		assert.Equal(t, "hurricane", d.DisasterType)
	}

	// 分块 ID 经规范化后带 #index 后缀
	n := signal.NewNormalizer(nil)
	rec, err := n.Normalize(items[1])
	require.NoError(t, err)
	assert.Equal(t, "protocol:hurricane#1", rec.ID)
}

func TestFetchMissingDir(t *testing.T) {
	_, err := New(Config{Dir: filepath.Join(t.TempDir(), "nope")}).Fetch(context.Background())
	require.Error(t, err)
}

func TestChunkerShortTextSingleChunk(t *testing.T) {
	c := NewChunker(100, 10)
	assert.Equal(t, []string{"short"}, c.Chunk("  short  "))
	assert.Nil(t, c.Chunk("   "))
}

func TestChunkerHardSplitsLongParagraph(t *testing.T) {
	c := NewChunker(10, 2)
	chunks := c.Chunk(strings.Repeat("a", 25))
	require.Len(t, chunks, 3)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len(ch), 10)
	}
}

func TestRegistrySupportedTypes(t *testing.T) {
	r := NewParserRegistry()
	assert.Equal(t, []string{".docx", ".markdown", ".md", ".pdf", ".text", ".txt", ".yaml", ".yml"}, r.SupportedTypes())
	_, err := r.Get("x.png")
	assert.Error(t, err)
}
