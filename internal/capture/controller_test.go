package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BoxCap/BoxCap-Go-Agent/internal/frame"
	"BoxCap/BoxCap-Go-Agent/internal/store"
)

type fakeAuth struct {
	mu    sync.Mutex
	token string
	calls int
}

func (f *fakeAuth) Authenticate(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.token, nil
}

type fakeTokens struct {
	mu          sync.Mutex
	cached      string
	invalidated int
}

func (f *fakeTokens) CachedToken(ttl time.Duration) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cached, f.cached != ""
}

func (f *fakeTokens) SaveToken(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached = token
	return nil
}

func (f *fakeTokens) InvalidateToken() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached = ""
	f.invalidated++
	return nil
}

func (f *fakeTokens) invalidations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidated
}

type fakeFlusher struct {
	batches chan [][]byte
}

func (f *fakeFlusher) Flush(records [][]byte, variant frame.Variant, linkType uint32, now time.Time) (string, error) {
	select {
	case f.batches <- records:
	default: // tests only inspect the first few batches
	}
	return "fake.pcap", nil
}

// gateFlusher blocks its first Flush call until gate closes, then
// fails it; later calls succeed and publish their batch.
type gateFlusher struct {
	mu      sync.Mutex
	calls   int
	gate    chan struct{}
	batches chan [][]byte
}

func (f *gateFlusher) Flush(records [][]byte, variant frame.Variant, linkType uint32, now time.Time) (string, error) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()
	if first {
		<-f.gate
		return "", fmt.Errorf("disk full")
	}
	select {
	case f.batches <- records:
	default:
	}
	return "ok.pcap", nil
}

func (f *gateFlusher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStatus struct {
	mu      sync.Mutex
	history []bool
}

func (f *fakeStatus) SetFlag(key string, v bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key == store.FlagRecording {
		f.history = append(f.history, v)
	}
	return nil
}

func (f *fakeStatus) recordingHistory() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool{}, f.history...)
}

func testStreamHeader() []byte {
	b := make([]byte, frame.GlobalHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], frame.MagicStandard)
	binary.LittleEndian.PutUint16(b[4:6], 2)
	binary.LittleEndian.PutUint16(b[6:8], 4)
	binary.LittleEndian.PutUint32(b[16:20], 1600)
	binary.LittleEndian.PutUint32(b[20:24], 1)
	return b
}

// udpRecord builds a standard-layout record holding a minimal UDP
// packet.
func udpRecord(sec uint32) []byte {
	payload := make([]byte, 42)
	binary.BigEndian.PutUint16(payload[12:14], 0x0800) // IPv4
	payload[14] = 0x45                                 // IHL 5
	payload[14+9] = 17                                 // UDP

	b := make([]byte, 16, 16+len(payload))
	binary.LittleEndian.PutUint32(b[0:4], sec)
	binary.LittleEndian.PutUint32(b[8:12], uint32(len(payload)))
	binary.LittleEndian.PutUint32(b[12:16], uint32(len(payload)))
	return append(b, payload...)
}

func testConfig(addr string) Config {
	return Config{
		RouterAddress: addr,
		Interface:     "3-17",
		MACs:          []string{"DE:AD:BE:EF:00:01"},
		SnapLen:       1600,
		MaxFrameLen:   10000,
		FlushBytes:    1 << 30,
		FlushInterval: time.Hour,
		Backoff:       10 * time.Millisecond,
		TokenTTL:      time.Hour,
	}
}

func TestControllerCapturesAndFlushes(t *testing.T) {
	var stops, starts int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cgi-bin/capture_notimeout", r.URL.Path)
		mu.Lock()
		defer mu.Unlock()
		if r.URL.Query().Get("capture") == "Stop" {
			stops++
			return
		}
		starts++
		assert.Equal(t, "sid123", r.URL.Query().Get("sid"))
		assert.Equal(t, "ether host DE:AD:BE:EF:00:01", r.URL.Query().Get("filter"))
		assert.Equal(t, "1600", r.URL.Query().Get("snaplen"))
		w.Write(testStreamHeader())
		w.Write(udpRecord(1))
		w.Write(udpRecord(2))
	}))
	defer srv.Close()

	flusher := &fakeFlusher{batches: make(chan [][]byte, 4)}
	status := &fakeStatus{}
	ctrl := NewController(testConfig(srv.URL), &fakeAuth{token: "sid123"}, &fakeTokens{}, status, flusher)

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(context.Background()) }()

	// The stream ends after two records; the draining flush delivers
	// both in arrival order.
	batch := <-flusher.batches
	require.Len(t, batch, 2)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(batch[0][0:4]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(batch[1][0:4]))

	ctrl.Stop()
	require.NoError(t, <-done)

	mu.Lock()
	assert.GreaterOrEqual(t, stops, 1, "stop-all cleanup must precede the capture start")
	assert.GreaterOrEqual(t, starts, 1)
	mu.Unlock()

	// Recording flag toggled on with the first framed record and off
	// when the session drained.
	history := status.recordingHistory()
	require.NotEmpty(t, history)
	assert.True(t, history[0])
	assert.False(t, history[len(history)-1])
}

func TestControllerInvalidatesTokenOn401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("capture") == "Stop" {
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{cached: "stale-sid"}
	flusher := &fakeFlusher{batches: make(chan [][]byte, 1)}
	ctrl := NewController(testConfig(srv.URL), &fakeAuth{token: "fresh-sid"}, tokens, nil, flusher)

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(context.Background()) }()

	require.Eventually(t, func() bool { return tokens.invalidations() >= 1 },
		2*time.Second, 5*time.Millisecond, "401 must invalidate the cached token")

	ctrl.Stop()
	require.NoError(t, <-done)
}

// TestControllerFatalFramingFlushesParsed serves one good record
// followed by a header declaring an absurd captured length. The
// session must abort but still flush the good record.
func TestControllerFatalFramingFlushesParsed(t *testing.T) {
	bogus := make([]byte, 16)
	binary.LittleEndian.PutUint32(bogus[8:12], 50000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("capture") == "Stop" {
			return
		}
		w.Write(testStreamHeader())
		w.Write(udpRecord(7))
		w.Write(bogus)
	}))
	defer srv.Close()

	flusher := &fakeFlusher{batches: make(chan [][]byte, 4)}
	ctrl := NewController(testConfig(srv.URL), &fakeAuth{token: "sid"}, &fakeTokens{}, nil, flusher)

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(context.Background()) }()

	batch := <-flusher.batches
	require.Len(t, batch, 1)
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(batch[0][0:4]))

	ctrl.Stop()
	require.NoError(t, <-done)
}

// TestControllerSizeTriggeredFlush: once pending bytes cross the
// threshold a flush must happen mid-stream, not only when the session
// drains.
func TestControllerSizeTriggeredFlush(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("capture") == "Stop" {
			return
		}
		w.Write(testStreamHeader())
		w.Write(udpRecord(1))
		w.Write(udpRecord(2))
		w.(http.Flusher).Flush()
		// Hold the stream open until the client goes away.
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.FlushBytes = 1

	flusher := &fakeFlusher{batches: make(chan [][]byte, 4)}
	ctrl := NewController(cfg, &fakeAuth{token: "sid"}, &fakeTokens{}, nil, flusher)
	flushed := make(chan struct{}, 4)
	ctrl.OnFlush = func() {
		select {
		case flushed <- struct{}{}:
		default:
		}
	}

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(context.Background()) }()

	select {
	case batch := <-flusher.batches:
		require.NotEmpty(t, batch)
	case <-time.After(2 * time.Second):
		t.Fatal("no size-triggered flush while streaming")
	}
	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("flush callback did not fire")
	}

	ctrl.Stop()
	require.NoError(t, <-done)
}

// TestControllerShutdownWaitsForInflightFlush: a scheduled flush still
// writing when Stop arrives must complete before the draining flush
// runs, so a failure can hand its records over instead of dropping
// them at exit.
func TestControllerShutdownWaitsForInflightFlush(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("capture") == "Stop" {
			return
		}
		w.Write(testStreamHeader())
		w.Write(udpRecord(9))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.FlushBytes = 1

	flusher := &gateFlusher{gate: make(chan struct{}), batches: make(chan [][]byte, 1)}
	ctrl := NewController(cfg, &fakeAuth{token: "sid"}, &fakeTokens{}, nil, flusher)

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(context.Background()) }()

	require.Eventually(t, func() bool { return flusher.callCount() == 1 },
		2*time.Second, 5*time.Millisecond, "scheduled flush must start")

	ctrl.Stop()
	// The blocked flush now fails and puts its records back.
	close(flusher.gate)

	select {
	case batch := <-flusher.batches:
		require.Len(t, batch, 1)
		assert.Equal(t, uint32(9), binary.LittleEndian.Uint32(batch[0][0:4]))
	case <-time.After(2 * time.Second):
		t.Fatal("records of the failed flush were dropped at shutdown")
	}
	require.NoError(t, <-done)
}

func TestControllerRequiresMACs(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.MACs = nil
	ctrl := NewController(cfg, &fakeAuth{token: "sid"}, &fakeTokens{}, nil, &fakeFlusher{batches: make(chan [][]byte, 1)})
	assert.Error(t, ctrl.Run(context.Background()))
}

func TestControllerSingleFlight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("capture") == "Stop" {
			return
		}
		w.Write(testStreamHeader())
		// Hold the stream open until the client goes away.
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctrl := NewController(testConfig(srv.URL), &fakeAuth{token: "sid"}, &fakeTokens{}, nil, &fakeFlusher{batches: make(chan [][]byte, 1)})

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	// A second Run while one is live returns immediately.
	require.NoError(t, ctrl.Run(context.Background()))

	ctrl.Stop()
	require.NoError(t, <-done)
}
