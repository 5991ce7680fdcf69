package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cliFeed = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Local</title><link>http://local.example/</link>
<item><guid>l1</guid><title>Hello</title><link>http://local.example/1</link>
<pubDate>Mon, 10 Jun 2024 10:00:00 +0000</pubDate></item>
</channel></rss>`

func writeConfig(t *testing.T, dir, feed string) string {
	t.Helper()
	cfg := fmt.Sprintf(`
[planet]
name = "CLI Planet"
link = "http://planet.example"
cache_directory = %q
output_dir = %q
log_level = "error"

[[channel]]
uri = %q

[[output]]
name = "index.json"

[[output]]
name = "rss20.xml"
format = "rss"
`, filepath.Join(dir, "cache"), filepath.Join(dir, "output"), feed)
	path := filepath.Join(dir, "planet.toml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := RootApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = io.Discard
	err := app.Run(append([]string{"planet"}, args...))
	return out.String(), err
}

func readIndex(t *testing.T, dir string) []map[string]string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "output", "index.json"))
	require.NoError(t, err)
	var doc struct {
		Items []map[string]string `json:"items"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc.Items
}

func TestUpdateWritesOutputs(t *testing.T) {
	dir := t.TempDir()
	feed := filepath.Join(dir, "feed.xml")
	require.NoError(t, os.WriteFile(feed, []byte(cliFeed), 0o644))
	cfg := writeConfig(t, dir, feed)

	_, err := run(t, "--config", cfg, "update")
	require.NoError(t, err)

	items := readIndex(t, dir)
	require.Len(t, items, 1)
	assert.Equal(t, "l1", items[0]["id"])
	assert.Equal(t, "Local", items[0]["channel_name"])
	assert.FileExists(t, filepath.Join(dir, "output", "rss20.xml"))

	// Offline runs work from the cache alone.
	require.NoError(t, os.Remove(feed))
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "output")))
	_, err = run(t, "--config", cfg, "update", "--offline")
	require.NoError(t, err)
	assert.Len(t, readIndex(t, dir), 1)
}

func TestExportOPMLCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "http://feeds.example/rss")

	out, err := run(t, "--config", cfg, "export-opml")
	require.NoError(t, err)
	assert.Contains(t, out, `xmlUrl="http://feeds.example/rss"`)
	assert.Contains(t, out, "<title>CLI Planet</title>")
}

func TestMissingConfig(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "nope.toml"), "update")
	assert.Error(t, err)
}
