package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/MrWong99/parakeetd/internal/observe"
	"github.com/MrWong99/parakeetd/internal/sched"
	"github.com/MrWong99/parakeetd/internal/stream"
	"github.com/MrWong99/parakeetd/pkg/audio"
)

// maxMessageBytes bounds gRPC messages in both directions. Large enough for
// several minutes of PCM16 in a unary Recognize call.
const maxMessageBytes = 64 << 20

// SpeechService implements the streaming-recognize gRPC surface. The wire
// contract is the LINEAR16 subset of the Speech API: the first streaming
// request carries streaming_config, the rest carry audio_content.
type SpeechService struct {
	speechpb.UnimplementedSpeechServer

	sub     stream.Submitter
	cfg     stream.Config
	adm     *Admission
	log     *slog.Logger
	metrics *observe.Metrics
}

var _ speechpb.SpeechServer = (*SpeechService)(nil)

// NewSpeechService creates the servicer. cfg is the session template.
func NewSpeechService(sub stream.Submitter, cfg stream.Config, adm *Admission, log *slog.Logger, metrics *observe.Metrics) *SpeechService {
	return &SpeechService{sub: sub, cfg: cfg, adm: adm, log: log, metrics: metrics}
}

// NewGRPCServer builds a grpc.Server with the gateway's message limits and
// keepalive settings and registers svc on it. tlsCfg may be nil for
// plaintext.
func NewGRPCServer(svc *SpeechService, tlsCfg *tls.Config) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageBytes),
		grpc.MaxSendMsgSize(maxMessageBytes),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	s := grpc.NewServer(opts...)
	speechpb.RegisterSpeechServer(s, svc)
	return s
}

// validateConfig checks the LINEAR16 / 16 kHz contract.
func validateConfig(cfg *speechpb.RecognitionConfig) error {
	if cfg.GetEncoding() != speechpb.RecognitionConfig_LINEAR16 {
		return status.Error(codes.InvalidArgument, "only LINEAR16 is supported")
	}
	if sr := cfg.GetSampleRateHertz(); sr != 0 && sr != modelSampleRate {
		return status.Errorf(codes.InvalidArgument, "expected %d Hz, got %d", modelSampleRate, sr)
	}
	return nil
}

// Recognize transcribes a complete PCM16 payload in one shot. The audio goes
// through the same scheduler as streaming finals, at final priority.
func (s *SpeechService) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	if err := validateConfig(req.GetConfig()); err != nil {
		return nil, err
	}
	content := req.GetAudio().GetContent()
	if len(content) == 0 {
		return nil, status.Error(codes.InvalidArgument, "audio content is empty")
	}

	p, err := s.sub.Submit(audio.PCM16ToFloat32(content), modelSampleRate, sched.PriorityFinal)
	if err != nil {
		if errors.Is(err, sched.ErrQueueFull) {
			return nil, status.Error(codes.ResourceExhausted, "queue full")
		}
		return nil, status.Errorf(codes.Internal, "submit: %v", err)
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.FinalsTimeout)
	defer cancel()
	out, err := p.Wait(wctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "inference: %v", err)
	}

	return &speechpb.RecognizeResponse{
		Results: []*speechpb.SpeechRecognitionResult{{
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: out.Text}},
		}},
	}, nil
}

// StreamingRecognize drives one Session from the bidi stream: the first
// request must carry streaming_config, subsequent requests carry
// audio_content. Partials go out with is_final=false, segment finals with
// is_final=true; client EOF triggers the terminal flush.
func (s *SpeechService) StreamingRecognize(srv speechpb.Speech_StreamingRecognizeServer) error {
	ctx := srv.Context()

	first, err := srv.Recv()
	if err != nil {
		return err
	}
	scfg := first.GetStreamingConfig()
	if scfg == nil {
		return status.Error(codes.InvalidArgument, "first message must carry streaming_config")
	}
	if err := validateConfig(scfg.GetConfig()); err != nil {
		return err
	}

	if !s.adm.TryAcquire() {
		return status.Error(codes.ResourceExhausted, "server busy")
	}
	defer s.adm.Release()

	cfg := s.cfg
	cfg.SampleRate = modelSampleRate
	cfg.InterimEnabled = scfg.GetInterimResults()

	sid := uuid.NewString()
	sess := stream.NewSession(sid, cfg, s.sub, stream.WithSessionMetrics(s.metrics))
	log := s.log.With("sid", sid)
	log.Info("grpc stream opened", "interim", cfg.InterimEnabled)

	for {
		req, err := srv.Recv()
		if err == io.EOF {
			events, ferr := sess.Flush(ctx)
			if serr := s.send(srv, events); serr != nil {
				return serr
			}
			if ferr != nil {
				return status.Errorf(codes.Internal, "terminal flush: %v", ferr)
			}
			log.Info("grpc stream finished")
			return nil
		}
		if err != nil {
			// Transport failure: flush the residual tail for the scheduler's
			// sake, nothing can be delivered.
			if !sess.Finalized() && sess.BufferedBytes() > 0 {
				fctx, cancel := context.WithTimeout(context.Background(), cfg.FinalsTimeout)
				_, _ = sess.Flush(fctx)
				cancel()
			}
			log.Info("grpc stream closed", "reason", err)
			return err
		}

		chunk := req.GetAudioContent()
		if len(chunk) == 0 {
			continue
		}
		events, perr := sess.Push(ctx, chunk)
		if serr := s.send(srv, events); serr != nil {
			return serr
		}
		switch {
		case errors.Is(perr, stream.ErrLimitReached):
			log.Info("grpc stream reached audio cap")
			return nil
		case perr != nil:
			return status.Errorf(codes.Internal, "inference: %v", perr)
		}
	}
}

// send translates session events into streaming responses. Queue-full drops
// become an in-band error status; a failed final segment aborts the stream
// with INTERNAL.
func (s *SpeechService) send(srv speechpb.Speech_StreamingRecognizeServer, events []stream.Event) error {
	for _, e := range events {
		switch e.Type {
		case stream.EventPartial:
			resp := &speechpb.StreamingRecognizeResponse{
				Results: []*speechpb.StreamingRecognitionResult{{
					Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: e.Text}},
					IsFinal:      false,
					Stability:    0.5,
				}},
			}
			if err := srv.Send(resp); err != nil {
				return err
			}
		case stream.EventFinal:
			if e.Text == "" {
				continue
			}
			resp := &speechpb.StreamingRecognizeResponse{
				Results: []*speechpb.StreamingRecognitionResult{{
					Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: e.Text}},
					IsFinal:      true,
				}},
			}
			if err := srv.Send(resp); err != nil {
				return err
			}
		case stream.EventDropped:
			if e.Reason != stream.DropQueueFull {
				continue
			}
			resp := &speechpb.StreamingRecognizeResponse{
				Error: status.New(codes.ResourceExhausted, "queue full").Proto(),
			}
			if err := srv.Send(resp); err != nil {
				return err
			}
		case stream.EventError:
			return status.Errorf(codes.Internal, "final segment %d: %v", e.Segment, e.Err)
		}
	}
	return nil
}
