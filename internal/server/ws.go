package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/parakeetd/internal/observe"
	"github.com/MrWong99/parakeetd/internal/stream"
	"github.com/MrWong99/parakeetd/pkg/audio"
)

const modelSampleRate = 16000

// clientControl is a JSON text frame from the client. Binary frames carry raw
// PCM16 and have no envelope.
type clientControl struct {
	Type string `json:"type"`
}

// serverFrame is the JSON envelope for every server-to-client text frame.
type serverFrame struct {
	Type  string `json:"type"`
	SID   string `json:"sid,omitempty"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// Error codes carried in the error frame.
const (
	wsErrBusy         = "busy"
	wsErrSchema       = "schema_error"
	wsErrInference    = "inference_error"
	wsErrLimitReached = "limit_reached"
)

// WSHandler is the WebSocket adapter. Each accepted connection gets its own
// Session; binary frames are PCM16 audio, text frames are JSON control
// messages ("eos", "ping").
//
// Query parameters: sample_rate (16000, or 24000 for the alternative wire,
// resampled to the model rate on ingress) and interim=false to suppress
// partials.
type WSHandler struct {
	sub     stream.Submitter
	cfg     stream.Config
	adm     *Admission
	log     *slog.Logger
	metrics *observe.Metrics
}

// NewWSHandler creates the adapter. cfg is the session template; per-session
// handshake options are applied on top.
func NewWSHandler(sub stream.Submitter, cfg stream.Config, adm *Admission, log *slog.Logger, metrics *observe.Metrics) *WSHandler {
	return &WSHandler{sub: sub, cfg: cfg, adm: adm, log: log, metrics: metrics}
}

var _ http.Handler = (*WSHandler)(nil)

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug("websocket accept failed", "err", err)
		return
	}

	// The close code only reaches the client after a completed handshake,
	// so admission runs post-accept.
	if !h.adm.TryAcquire() {
		c.Close(websocket.StatusTryAgainLater, "server busy")
		return
	}
	defer h.adm.Release()

	h.serve(r.Context(), c, r)
}

func (h *WSHandler) serve(ctx context.Context, c *websocket.Conn, r *http.Request) {
	defer c.Close(websocket.StatusInternalError, "")

	wireRate := modelSampleRate
	if raw := r.URL.Query().Get("sample_rate"); raw != "" {
		sr, err := strconv.Atoi(raw)
		if err != nil || (sr != 16000 && sr != 24000) {
			h.writeFrame(ctx, c, serverFrame{Type: "error", Error: wsErrSchema})
			c.Close(websocket.StatusUnsupportedData, "sample_rate must be 16000 or 24000")
			return
		}
		wireRate = sr
	}

	cfg := h.cfg
	cfg.SampleRate = modelSampleRate
	cfg.InterimEnabled = r.URL.Query().Get("interim") != "false"

	sid := uuid.NewString()
	sess := stream.NewSession(sid, cfg, h.sub, stream.WithSessionMetrics(h.metrics))
	log := h.log.With("sid", sid, "remote", r.RemoteAddr)
	log.Info("websocket session opened", "sample_rate", wireRate, "interim", cfg.InterimEnabled)

	if err := h.writeFrame(ctx, c, serverFrame{Type: "hello", SID: sid}); err != nil {
		return
	}

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			// Transport gone. Flush residual audio so the scheduler sees
			// the tail, but there is nowhere to deliver the finals.
			if !sess.Finalized() && sess.BufferedBytes() > 0 {
				fctx, cancel := context.WithTimeout(context.Background(), cfg.FinalsTimeout)
				_, _ = sess.Flush(fctx)
				cancel()
			}
			log.Info("websocket session closed", "reason", err)
			return
		}

		switch typ {
		case websocket.MessageBinary:
			chunk := data
			if wireRate != modelSampleRate {
				chunk = audio.ResampleMono16(chunk, wireRate, modelSampleRate)
			}
			events, err := sess.Push(ctx, chunk)
			if werr := h.emit(ctx, c, events); werr != nil {
				return
			}
			switch {
			case errors.Is(err, stream.ErrLimitReached):
				h.writeFrame(ctx, c, serverFrame{Type: "error", Error: wsErrLimitReached})
				c.Close(websocket.StatusNormalClosure, "max audio duration reached")
				return
			case err != nil:
				log.Error("session failed", "err", err)
				h.writeFrame(ctx, c, serverFrame{Type: "error", Error: wsErrInference})
				c.Close(websocket.StatusInternalError, "inference error")
				return
			}

		case websocket.MessageText:
			var ctl clientControl
			if err := json.Unmarshal(data, &ctl); err != nil {
				h.writeFrame(ctx, c, serverFrame{Type: "error", Error: wsErrSchema})
				c.Close(websocket.StatusUnsupportedData, "control frames must be JSON")
				return
			}
			switch ctl.Type {
			case "eos":
				events, err := sess.Flush(ctx)
				if werr := h.emit(ctx, c, events); werr != nil {
					return
				}
				if err != nil {
					log.Error("terminal flush failed", "err", err)
				}
				c.Close(websocket.StatusNormalClosure, "eos")
				return
			case "ping":
				if err := h.writeFrame(ctx, c, serverFrame{Type: "pong"}); err != nil {
					return
				}
			default:
				h.writeFrame(ctx, c, serverFrame{Type: "error", Error: wsErrSchema})
				c.Close(websocket.StatusUnsupportedData, "unknown control type")
				return
			}
		}
	}
}

// emit translates session events into wire frames. Dropped ticks produce no
// frame except queue_full, which surfaces as a busy error so the client can
// slow down.
func (h *WSHandler) emit(ctx context.Context, c *websocket.Conn, events []stream.Event) error {
	for _, e := range events {
		switch e.Type {
		case stream.EventPartial:
			if err := h.writeFrame(ctx, c, serverFrame{Type: "partial", Text: e.Text}); err != nil {
				return err
			}
		case stream.EventFinal:
			if e.Text == "" {
				continue
			}
			if err := h.writeFrame(ctx, c, serverFrame{Type: "final", Text: e.Text}); err != nil {
				return err
			}
		case stream.EventDropped:
			if e.Reason != stream.DropQueueFull {
				continue
			}
			if err := h.writeFrame(ctx, c, serverFrame{Type: "error", Error: wsErrBusy}); err != nil {
				return err
			}
		case stream.EventError:
			if err := h.writeFrame(ctx, c, serverFrame{Type: "error", Error: wsErrInference}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *WSHandler) writeFrame(ctx context.Context, c *websocket.Conn, f serverFrame) error {
	buf, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, buf)
}
