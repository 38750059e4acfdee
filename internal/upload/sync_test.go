package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectorServer mimics the collection endpoint: it stores uploaded
// bodies by filename and answers GETs with the stored content's MD5.
type collectorServer struct {
	mu       sync.Mutex
	files    map[string]string // filename -> hex md5
	requests []string          // "GET name" / "POST name"
	postFail map[string]bool   // filenames whose POST is rejected
	reply    map[string]string // canned GET bodies, overrides hash lookup
}

func newCollectorServer() *collectorServer {
	return &collectorServer{
		files:    make(map[string]string),
		postFail: make(map[string]bool),
		reply:    make(map[string]string),
	}
}

func (c *collectorServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		require.GreaterOrEqual(t, len(parts), 6)
		require.Equal(t, []string{"api", "v1", "upload"}, parts[1:4])
		require.Equal(t, "user@example.com", parts[4])
		name := parts[5]
		require.Equal(t, "pubkey", r.URL.Query().Get("key"))
		require.Equal(t, "uuid-1", r.URL.Query().Get("uuid"))

		c.mu.Lock()
		defer c.mu.Unlock()
		c.requests = append(c.requests, r.Method+" "+name)
		switch r.Method {
		case http.MethodGet:
			if body, ok := c.reply[name]; ok {
				fmt.Fprint(w, body)
				return
			}
			fmt.Fprint(w, c.files[name])
		case http.MethodPost:
			if c.postFail[name] {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			require.Equal(t, "application/vnd.tcpdump.pcap", r.Header.Get("Content-Type"))
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			sum := md5.Sum(body)
			c.files[name] = hex.EncodeToString(sum[:])
		}
	}
}

func (c *collectorServer) posts(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.requests {
		if r == "POST "+name {
			n++
		}
	}
	return n
}

func (c *collectorServer) requestLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.requests...)
}

type fixedMetadata struct {
	path string
	err  error
}

func (f *fixedMetadata) Ensure() (string, error) { return f.path, f.err }

// creatingMetadata writes a descriptor on demand, like the real
// metadata manager does.
type creatingMetadata struct {
	dir string
}

func (c *creatingMetadata) Ensure() (string, error) {
	path := filepath.Join(c.dir, "2024-01-02_10-06-00_v1.2_meta.json")
	return path, os.WriteFile(path, []byte(`{"made":"fresh"}`), 0644)
}

func newTestSync(t *testing.T, dir string, srv *httptest.Server, meta MetadataProvider) *Synchronizer {
	t.Helper()
	return NewSynchronizer(Config{
		Endpoint:  srv.URL,
		Email:     "user@example.com",
		PublicKey: "pubkey",
		UUID:      "uuid-1",
		Dir:       dir,
	}, meta)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestSyncUploadsMetadataThenCaptures(t *testing.T) {
	collector := newCollectorServer()
	srv := httptest.NewServer(collector.handler(t))
	defer srv.Close()

	dir := t.TempDir()
	writeFile(t, dir, "2024-01-02_10-00-00_v1.2_meta.json", `{"meta":true}`)
	writeFile(t, dir, "2024-01-02_10-05-00.pcap", "capture-a")
	writeFile(t, dir, "2024-01-02_10-10-00.pcap", "capture-b")

	s := newTestSync(t, dir, srv, nil)
	require.NoError(t, s.Sync(context.Background()))

	// Everything confirmed uploaded is gone locally.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Metadata went up before any capture.
	log := collector.requestLog()
	require.NotEmpty(t, log)
	metaIdx, capIdx := -1, -1
	for i, r := range log {
		if strings.Contains(r, "_meta.json") && metaIdx == -1 {
			metaIdx = i
		}
		if strings.Contains(r, ".pcap") && capIdx == -1 {
			capIdx = i
		}
	}
	assert.Less(t, metaIdx, capIdx)
}

// TestSyncIdempotent: syncing the same content twice results in
// exactly one POST; the second file copy is deleted via the pre-check
// short-circuit.
func TestSyncIdempotent(t *testing.T) {
	collector := newCollectorServer()
	srv := httptest.NewServer(collector.handler(t))
	defer srv.Close()

	dir := t.TempDir()
	writeFile(t, dir, "2024-01-02_10-00-00_v1.2_meta.json", `{}`)
	writeFile(t, dir, "2024-01-02_10-05-00.pcap", "capture-a")

	s := newTestSync(t, dir, srv, nil)
	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, 1, collector.posts("2024-01-02_10-05-00.pcap"))

	// Simulate a crash after upload but before local delete.
	writeFile(t, dir, "2024-01-02_10-00-00_v1.2_meta.json", `{}`)
	writeFile(t, dir, "2024-01-02_10-05-00.pcap", "capture-a")
	require.NoError(t, s.Sync(context.Background()))

	assert.Equal(t, 1, collector.posts("2024-01-02_10-05-00.pcap"), "pre-check must short-circuit the re-upload")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "confirmed files are deleted either way")
}

func TestSyncNoopWithoutCaptures(t *testing.T) {
	collector := newCollectorServer()
	srv := httptest.NewServer(collector.handler(t))
	defer srv.Close()

	dir := t.TempDir()
	writeFile(t, dir, "2024-01-02_10-00-00_v1.2_meta.json", `{}`)

	s := newTestSync(t, dir, srv, nil)
	require.NoError(t, s.Sync(context.Background()))
	assert.Empty(t, collector.requestLog(), "no pending capture bytes means no requests at all")
}

func TestSyncManufacturesMissingMetadata(t *testing.T) {
	collector := newCollectorServer()
	srv := httptest.NewServer(collector.handler(t))
	defer srv.Close()

	dir := t.TempDir()
	writeFile(t, dir, "2024-01-02_10-05-00.pcap", "capture-a")

	s := newTestSync(t, dir, srv, &creatingMetadata{dir: dir})
	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, 1, collector.posts("2024-01-02_10-06-00_v1.2_meta.json"))
	assert.Equal(t, 1, collector.posts("2024-01-02_10-05-00.pcap"))
}

func TestSyncMetadataManufactureFailureAborts(t *testing.T) {
	collector := newCollectorServer()
	srv := httptest.NewServer(collector.handler(t))
	defer srv.Close()

	dir := t.TempDir()
	writeFile(t, dir, "2024-01-02_10-05-00.pcap", "capture-a")

	s := newTestSync(t, dir, srv, &fixedMetadata{err: fmt.Errorf("no devices")})
	assert.Error(t, s.Sync(context.Background()))
	assert.Zero(t, collector.posts("2024-01-02_10-05-00.pcap"), "run aborts before captures")
}

// TestSyncPerFileIndependence: one failing capture upload must not
// stop later files from being uploaded in the same run.
func TestSyncPerFileIndependence(t *testing.T) {
	collector := newCollectorServer()
	collector.postFail["2024-01-02_10-05-00.pcap"] = true
	srv := httptest.NewServer(collector.handler(t))
	defer srv.Close()

	dir := t.TempDir()
	writeFile(t, dir, "2024-01-02_10-00-00_v1.2_meta.json", `{}`)
	writeFile(t, dir, "2024-01-02_10-05-00.pcap", "broken")
	writeFile(t, dir, "2024-01-02_10-10-00.pcap", "fine")

	s := newTestSync(t, dir, srv, nil)
	require.NoError(t, s.Sync(context.Background()))

	// The failed file stays for the next run, the good one is gone.
	_, err := os.Stat(filepath.Join(dir, "2024-01-02_10-05-00.pcap"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "2024-01-02_10-10-00.pcap"))
	assert.True(t, os.IsNotExist(err))
}

func TestSyncRemoteTerminate(t *testing.T) {
	collector := newCollectorServer()
	collector.reply["2024-01-02_10-00-00_v1.2_meta.json"] = `{"command": "terminate"}`
	srv := httptest.NewServer(collector.handler(t))
	defer srv.Close()

	dir := t.TempDir()
	writeFile(t, dir, "2024-01-02_10-00-00_v1.2_meta.json", `{}`)
	writeFile(t, dir, "2024-01-02_10-05-00.pcap", "capture-a")

	s := newTestSync(t, dir, srv, nil)
	err := s.Sync(context.Background())
	assert.ErrorIs(t, err, ErrRemoteTerminated)
	assert.Zero(t, collector.posts("2024-01-02_10-05-00.pcap"), "revocation aborts the run")
}
