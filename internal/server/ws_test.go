package server_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parakeetd/internal/sched"
	"github.com/MrWong99/parakeetd/internal/server"
	"github.com/MrWong99/parakeetd/internal/stream"
	"github.com/MrWong99/parakeetd/pkg/asr"
	"github.com/MrWong99/parakeetd/pkg/asr/mock"
)

// frame mirrors the server's JSON wire envelope.
type frame struct {
	Type  string `json:"type"`
	SID   string `json:"sid"`
	Text  string `json:"text"`
	Error string `json:"error"`
}

func testStreamConfig() stream.Config {
	cfg := stream.DefaultConfig()
	cfg.Step = 50 * time.Millisecond
	cfg.SegmentLen = 10 * time.Second
	cfg.SegmentMin = time.Second
	cfg.SegmentOverlap = 10 * time.Millisecond
	cfg.TickTimeout = time.Second
	cfg.FinalsTimeout = time.Second
	cfg.DecimationWhenHot = false
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newWSServer wires a full WS adapter over a started scheduler with the given
// recognizer and returns the test server plus a dial helper.
func newWSServer(t *testing.T, rec asr.Recognizer, maxActive int) *httptest.Server {
	t.Helper()
	sch := sched.New(sched.NewWorker(rec), sched.Config{MaxBatch: 4, QueueMaxFactor: 2})
	sch.Start()
	t.Cleanup(sch.Stop)

	adm := server.NewAdmission(maxActive, nil)
	h := server.NewWSHandler(sch, testStreamConfig(), adm, discardLogger(), nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return f
}

func writeBinary(t *testing.T, c *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Fatalf("write binary: %v", err)
	}
}

func writeControl(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("write control: %v", err)
	}
}

func TestWSPartialAndFinalFlow(t *testing.T) {
	t.Parallel()
	srv := newWSServer(t, &mock.Recognizer{Transcript: "hello world"}, 0)
	c := dialWS(t, srv, "")

	hello := readFrame(t, c)
	if hello.Type != "hello" || hello.SID == "" {
		t.Fatalf("first frame = %+v, want hello with sid", hello)
	}

	// 50 ms of 16 kHz PCM16 crosses the step threshold.
	writeBinary(t, c, make([]byte, 1600))
	partial := readFrame(t, c)
	if partial.Type != "partial" || partial.Text != "hello world" {
		t.Fatalf("frame = %+v, want partial %q", partial, "hello world")
	}

	writeControl(t, c, `{"type":"eos"}`)
	final := readFrame(t, c)
	if final.Type != "final" || final.Text != "hello world" {
		t.Fatalf("frame = %+v, want final %q", final, "hello world")
	}

	// Server closes normally after EOS.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", websocket.CloseStatus(err))
	}
}

func TestWSPing(t *testing.T) {
	t.Parallel()
	srv := newWSServer(t, &mock.Recognizer{}, 0)
	c := dialWS(t, srv, "")
	readFrame(t, c) // hello

	writeControl(t, c, `{"type":"ping"}`)
	if f := readFrame(t, c); f.Type != "pong" {
		t.Errorf("frame = %+v, want pong", f)
	}
}

func TestWSAdmissionBusy(t *testing.T) {
	t.Parallel()
	srv := newWSServer(t, &mock.Recognizer{}, 1)

	first := dialWS(t, srv, "")
	readFrame(t, first) // hello: the slot is held

	second := dialWS(t, srv, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := second.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusTryAgainLater {
		t.Errorf("close status = %v, want 1013 try again later", websocket.CloseStatus(err))
	}
}

func TestWSInterimDisabledByQuery(t *testing.T) {
	t.Parallel()
	srv := newWSServer(t, &mock.Recognizer{Transcript: "quiet"}, 0)
	c := dialWS(t, srv, "?interim=false")
	readFrame(t, c) // hello

	writeBinary(t, c, make([]byte, 1600))
	writeControl(t, c, `{"type":"eos"}`)

	// No partial: the next frame is already the final.
	if f := readFrame(t, c); f.Type != "final" {
		t.Errorf("frame = %+v, want final with interim disabled", f)
	}
}

func TestWSAlternativeWireRate(t *testing.T) {
	t.Parallel()
	rec := &mock.Recognizer{Transcript: "resampled"}
	srv := newWSServer(t, rec, 0)
	c := dialWS(t, srv, "?sample_rate=24000")
	readFrame(t, c) // hello

	// 50 ms at 24 kHz resamples to 50 ms at 16 kHz, crossing the step.
	writeBinary(t, c, make([]byte, 2400))
	if f := readFrame(t, c); f.Type != "partial" {
		t.Fatalf("frame = %+v, want partial", f)
	}
	if n := rec.Calls[0].WaveformLens[0]; n != 800 {
		t.Errorf("model saw %d samples, want 800 after 24k->16k resample", n)
	}
}

func TestWSRejectsUnknownSampleRate(t *testing.T) {
	t.Parallel()
	srv := newWSServer(t, &mock.Recognizer{}, 0)
	c := dialWS(t, srv, "?sample_rate=44100")

	f := readFrame(t, c)
	if f.Type != "error" || f.Error != "schema_error" {
		t.Fatalf("frame = %+v, want schema error", f)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusUnsupportedData {
		t.Errorf("close status = %v, want unsupported data", websocket.CloseStatus(err))
	}
}

func TestWSUnknownControlType(t *testing.T) {
	t.Parallel()
	srv := newWSServer(t, &mock.Recognizer{}, 0)
	c := dialWS(t, srv, "")
	readFrame(t, c) // hello

	writeControl(t, c, `{"type":"transmogrify"}`)
	if f := readFrame(t, c); f.Type != "error" || f.Error != "schema_error" {
		t.Fatalf("frame = %+v, want schema error", f)
	}
}
