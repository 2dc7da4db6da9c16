package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konstantinmiller/dashp2p/internal/config"
)

func segmentBody(n int) []byte {
	return bytes.Repeat([]byte(fmt.Sprintf("seg%03d|", n)), 512)
}

func mediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(strings.TrimSuffix(path.Base(r.URL.Path), ".m4s"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		body := segmentBody(n)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeLadder(t *testing.T, baseURL string) string {
	t.Helper()
	ladder := fmt.Sprintf(`base_url: %s/media/
segment_duration: 2s
duration: 6s
media: $RepresentationID$/$Number$.m4s
representations:
  - id: low
    bandwidth: 100000
  - id: high
    bandwidth: 400000
`, baseURL)
	p := filepath.Join(t.TempDir(), "ladder.yaml")
	require.NoError(t, os.WriteFile(p, []byte(ladder), 0o600))
	return p
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	c, err := config.Load("")
	require.NoError(t, err)
	c.Playback.EmptyPoll = 20 * time.Millisecond
	c.Playback.WaitPoll = 5 * time.Millisecond
	c.Stats.SamplePeriod = 50 * time.Millisecond
	return c
}

func TestRunPlay_WritesStreamInOrder(t *testing.T) {
	srv := mediaServer(t)
	ladder := writeLadder(t, srv.URL)
	c := testConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var out bytes.Buffer
	err := runPlay(ctx, c, playOptions{Manifest: ladder, Output: "-", SessionID: "test"}, &out)
	require.NoError(t, err)

	want := append(append(segmentBody(1), segmentBody(2)...), segmentBody(3)...)
	assert.Equal(t, want, out.Bytes())
}

func TestRunPlay_PersistsRequests(t *testing.T) {
	srv := mediaServer(t)
	ladder := writeLadder(t, srv.URL)
	c := testConfig(t)
	c.Stats.Persist = true
	c.Database.DSN = filepath.Join(t.TempDir(), "stats.db")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	output := filepath.Join(t.TempDir(), "out.mp4")
	err := runPlay(ctx, c, playOptions{Manifest: ladder, Output: output, SessionID: "persisted"}, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Len(t, data, 3*len(segmentBody(1)))
	assert.FileExists(t, c.Database.DSN)
}

func TestRunPlay_Errors(t *testing.T) {
	tests := []struct {
		name string
		opts playOptions
		want string
	}{
		{"missing manifest", playOptions{Manifest: "does-not-exist.yaml", Output: "-"}, "reading manifest"},
		{"bad listen address", playOptions{Manifest: "m.yaml", Listen: "nohostport"}, "parsing --listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runPlay(context.Background(), testConfig(t), tt.opts, &bytes.Buffer{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWriteConfig(t *testing.T) {
	c := testConfig(t)
	var buf bytes.Buffer
	require.NoError(t, writeConfig(&buf, c))

	out := buf.String()
	assert.Contains(t, out, "# dashp2p configuration")
	assert.Contains(t, out, "buffer_high: 50s")
	assert.Contains(t, out, "chunk_size: 64 KiB")

	// The dump loads back to the same configuration.
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o600))
	loaded, err := config.Load(p)
	require.NoError(t, err)
	assert.Equal(t, c.Adaptation, loaded.Adaptation)
	assert.Equal(t, c.Playback.ChunkSize, loaded.Playback.ChunkSize)
}
