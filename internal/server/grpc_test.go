package server_test

import (
	"context"
	"io"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MrWong99/parakeetd/internal/sched"
	"github.com/MrWong99/parakeetd/internal/server"
	"github.com/MrWong99/parakeetd/pkg/asr"
	"github.com/MrWong99/parakeetd/pkg/asr/mock"
)

// recognizeStream is a scripted Speech_StreamingRecognizeServer: Recv yields
// the prepared requests then io.EOF, Send records responses.
type recognizeStream struct {
	grpc.ServerStream
	ctx  context.Context
	reqs []*speechpb.StreamingRecognizeRequest
	pos  int
	sent []*speechpb.StreamingRecognizeResponse
}

func (s *recognizeStream) Context() context.Context { return s.ctx }

func (s *recognizeStream) Recv() (*speechpb.StreamingRecognizeRequest, error) {
	if s.pos >= len(s.reqs) {
		return nil, io.EOF
	}
	r := s.reqs[s.pos]
	s.pos++
	return r, nil
}

func (s *recognizeStream) Send(r *speechpb.StreamingRecognizeResponse) error {
	s.sent = append(s.sent, r)
	return nil
}

func configRequest(interim bool) *speechpb.StreamingRecognizeRequest {
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz: 16000,
				},
				InterimResults: interim,
			},
		},
	}
}

func audioRequest(pcm []byte) *speechpb.StreamingRecognizeRequest {
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: pcm},
	}
}

func newSpeechService(t *testing.T, rec asr.Recognizer, maxActive int) *server.SpeechService {
	t.Helper()
	sch := sched.New(sched.NewWorker(rec), sched.Config{MaxBatch: 4, QueueMaxFactor: 2})
	sch.Start()
	t.Cleanup(sch.Stop)
	adm := server.NewAdmission(maxActive, nil)
	return server.NewSpeechService(sch, testStreamConfig(), adm, discardLogger(), nil)
}

func TestStreamingRecognizeRequiresConfigFirst(t *testing.T) {
	t.Parallel()
	svc := newSpeechService(t, &mock.Recognizer{}, 0)
	st := &recognizeStream{
		ctx:  context.Background(),
		reqs: []*speechpb.StreamingRecognizeRequest{audioRequest(make([]byte, 1600))},
	}

	err := svc.StreamingRecognize(st)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("status = %v, want InvalidArgument", err)
	}
}

func TestStreamingRecognizeRejectsWrongEncoding(t *testing.T) {
	t.Parallel()
	svc := newSpeechService(t, &mock.Recognizer{}, 0)
	st := &recognizeStream{
		ctx: context.Background(),
		reqs: []*speechpb.StreamingRecognizeRequest{{
			StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
				StreamingConfig: &speechpb.StreamingRecognitionConfig{
					Config: &speechpb.RecognitionConfig{
						Encoding:        speechpb.RecognitionConfig_FLAC,
						SampleRateHertz: 16000,
					},
				},
			},
		}},
	}

	err := svc.StreamingRecognize(st)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("status = %v, want InvalidArgument", err)
	}
}

func TestStreamingRecognizeRejectsWrongSampleRate(t *testing.T) {
	t.Parallel()
	svc := newSpeechService(t, &mock.Recognizer{}, 0)
	req := configRequest(true)
	req.GetStreamingConfig().GetConfig().SampleRateHertz = 44100
	st := &recognizeStream{ctx: context.Background(), reqs: []*speechpb.StreamingRecognizeRequest{req}}

	err := svc.StreamingRecognize(st)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("status = %v, want InvalidArgument", err)
	}
}

func TestStreamingRecognizePartialsAndFinals(t *testing.T) {
	t.Parallel()
	svc := newSpeechService(t, &mock.Recognizer{Transcript: "streaming works"}, 0)
	st := &recognizeStream{
		ctx: context.Background(),
		reqs: []*speechpb.StreamingRecognizeRequest{
			configRequest(true),
			audioRequest(make([]byte, 1600)),
		},
	}

	if err := svc.StreamingRecognize(st); err != nil {
		t.Fatalf("StreamingRecognize: %v", err)
	}

	var partials, finals int
	for _, resp := range st.sent {
		for _, res := range resp.GetResults() {
			text := res.GetAlternatives()[0].GetTranscript()
			if text != "streaming works" {
				t.Errorf("transcript = %q", text)
			}
			if res.GetIsFinal() {
				finals++
			} else {
				partials++
				if res.GetStability() != 0.5 {
					t.Errorf("partial stability = %g, want 0.5", res.GetStability())
				}
			}
		}
	}
	if partials < 1 {
		t.Errorf("got %d partials, want at least 1", partials)
	}
	if finals != 1 {
		t.Errorf("got %d finals, want exactly 1 (EOS tail)", finals)
	}
}

func TestStreamingRecognizeInterimDisabled(t *testing.T) {
	t.Parallel()
	svc := newSpeechService(t, &mock.Recognizer{Transcript: "finals only"}, 0)
	st := &recognizeStream{
		ctx: context.Background(),
		reqs: []*speechpb.StreamingRecognizeRequest{
			configRequest(false),
			audioRequest(make([]byte, 1600)),
		},
	}

	if err := svc.StreamingRecognize(st); err != nil {
		t.Fatalf("StreamingRecognize: %v", err)
	}
	for _, resp := range st.sent {
		for _, res := range resp.GetResults() {
			if !res.GetIsFinal() {
				t.Errorf("got partial %+v with interim_results=false", res)
			}
		}
	}
}

func TestStreamingRecognizeAdmission(t *testing.T) {
	t.Parallel()
	rec := &mock.Recognizer{}
	sch := sched.New(sched.NewWorker(rec), sched.Config{MaxBatch: 4, QueueMaxFactor: 2})
	sch.Start()
	t.Cleanup(sch.Stop)
	adm := server.NewAdmission(1, nil)
	adm.TryAcquire() // hold the only slot
	svc := server.NewSpeechService(sch, testStreamConfig(), adm, discardLogger(), nil)

	st := &recognizeStream{ctx: context.Background(), reqs: []*speechpb.StreamingRecognizeRequest{configRequest(true)}}
	err := svc.StreamingRecognize(st)
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("status = %v, want ResourceExhausted", err)
	}
}

func TestRecognizeUnary(t *testing.T) {
	t.Parallel()
	svc := newSpeechService(t, &mock.Recognizer{Transcript: "one shot"}, 0)

	resp, err := svc.Recognize(context.Background(), &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:        speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz: 16000,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: make([]byte, 3200)},
		},
	})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	got := resp.GetResults()[0].GetAlternatives()[0].GetTranscript()
	if got != "one shot" {
		t.Errorf("transcript = %q, want %q", got, "one shot")
	}
}

func TestRecognizeUnaryValidation(t *testing.T) {
	t.Parallel()
	svc := newSpeechService(t, &mock.Recognizer{}, 0)

	_, err := svc.Recognize(context.Background(), &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:        speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz: 8000,
		},
	})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("status = %v, want InvalidArgument for 8 kHz", err)
	}

	_, err = svc.Recognize(context.Background(), &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{Encoding: speechpb.RecognitionConfig_LINEAR16},
	})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("status = %v, want InvalidArgument for empty audio", err)
	}
}

func TestRecognizeUnaryQueueFull(t *testing.T) {
	t.Parallel()
	rec := &mock.Recognizer{}
	// Not started, capacity 1: the prefill occupies the whole queue.
	sch := sched.New(sched.NewWorker(rec), sched.Config{MaxBatch: 1, QueueMaxFactor: 1})
	t.Cleanup(sch.Stop)
	if _, err := sch.Submit(make([]float32, 16), 16000, sched.PriorityPartial); err != nil {
		t.Fatalf("prefill: %v", err)
	}
	svc := server.NewSpeechService(sch, testStreamConfig(), server.NewAdmission(0, nil), discardLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := svc.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:        speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz: 16000,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: make([]byte, 1600)},
		},
	})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("status = %v, want ResourceExhausted", err)
	}
}
