package audio_test

import (
	"bytes"
	"math"
	"testing"

	"github.com/MrWong99/parakeetd/pkg/audio"
)

// pcm16 builds little-endian PCM16 bytes from int16 samples.
func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func TestPCM16ToFloat32(t *testing.T) {
	t.Parallel()

	in := pcm16(0, 16384, -16384, 32767, -32768)
	got := audio.PCM16ToFloat32(in)

	want := []float32{0, 0.5, -0.5, 32767.0 / 32768.0, -1}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPCM16ToFloat32_OddTrailingByte(t *testing.T) {
	t.Parallel()

	in := append(pcm16(100, 200), 0x7f)
	got := audio.PCM16ToFloat32(in)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (trailing byte ignored)", len(got))
	}
}

func TestRoundTripExact(t *testing.T) {
	t.Parallel()

	// Every representative sample, including the extremes, must survive a
	// PCM16 -> float32 -> PCM16 round trip bit-exactly.
	samples := []int16{0, 1, -1, 127, -128, 16384, -16384, 32767, -32768}
	in := pcm16(samples...)

	out := audio.Float32ToPCM16(audio.PCM16ToFloat32(in))
	if !bytes.Equal(in, out) {
		t.Fatalf("round trip mismatch:\n in  = %v\n out = %v", in, out)
	}
}

func TestFloat32ToPCM16_Clipping(t *testing.T) {
	t.Parallel()

	out := audio.Float32ToPCM16([]float32{2.0, -2.0})
	got := audio.PCM16ToFloat32(out)
	if got[0] != 32767.0/32768.0 {
		t.Errorf("positive overflow clipped to %v, want %v", got[0], 32767.0/32768.0)
	}
	if got[1] != -1 {
		t.Errorf("negative overflow clipped to %v, want -1", got[1])
	}
}

func TestMeanSquare(t *testing.T) {
	t.Parallel()

	if e := audio.MeanSquare(nil); e != 0 {
		t.Errorf("MeanSquare(nil) = %v, want 0", e)
	}
	if e := audio.MeanSquare([]float32{0.5, -0.5}); e != 0.25 {
		t.Errorf("MeanSquare = %v, want 0.25", e)
	}
}

func TestEnergyPCM16_SilenceVsTone(t *testing.T) {
	t.Parallel()

	silence := make([]byte, 640)
	if e := audio.EnergyPCM16(silence); e != 0 {
		t.Fatalf("silence energy = %v, want 0", e)
	}

	// 440 Hz tone at half amplitude, 20 ms at 16 kHz.
	tone := make([]int16, 320)
	for i := range tone {
		tone[i] = int16(16384 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	e := audio.EnergyPCM16(pcm16(tone...))
	if e < 0.05 {
		t.Fatalf("tone energy = %v, want well above silence threshold", e)
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	t.Parallel()

	in := pcm16(1, 2, 3)
	out := audio.ResampleMono16(in, 16000, 16000)
	if !bytes.Equal(in, out) {
		t.Fatal("same-rate resample must return input unchanged")
	}
}

func TestResampleMono16_Downsample24kTo16k(t *testing.T) {
	t.Parallel()

	// 24 samples at 24 kHz must become 16 samples at 16 kHz.
	in := make([]int16, 24)
	for i := range in {
		in[i] = int16(i * 100)
	}
	out := audio.ResampleMono16(pcm16(in...), 24000, 16000)
	if len(out) != 16*2 {
		t.Fatalf("resampled to %d bytes, want 32", len(out))
	}

	// A linear ramp must remain monotonically non-decreasing after linear
	// interpolation.
	prev := int16(-1)
	for i := 0; i+1 < len(out); i += 2 {
		s := int16(out[i]) | int16(out[i+1])<<8
		if s < prev {
			t.Fatalf("sample %d = %d decreased below %d", i/2, s, prev)
		}
		prev = s
	}
}

func TestResampleMono16_Empty(t *testing.T) {
	t.Parallel()

	if out := audio.ResampleMono16(nil, 24000, 16000); len(out) != 0 {
		t.Fatalf("empty input produced %d bytes", len(out))
	}
}
