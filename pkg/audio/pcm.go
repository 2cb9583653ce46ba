// Package audio provides PCM16 sample conversion, energy measurement, and
// mono resampling for the streaming recognition pipeline.
//
// All functions operate on signed 16-bit little-endian mono PCM, the only
// interchange format the gateway accepts on the wire. Waveforms handed to
// the recognizer are float32 in [-1, 1], converted as sample / 32768.
package audio

// BytesPerSample is the size of one PCM16 sample.
const BytesPerSample = 2

// PCM16ToFloat32 converts little-endian PCM16 bytes to normalized float32
// samples in [-1, 1]. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	out := make([]float32, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToPCM16 converts normalized float32 samples back to little-endian
// PCM16 bytes. Samples are clipped to [-1, 1] and truncated toward zero, so
// a PCM16 -> float32 -> PCM16 round trip is exact.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, f := range samples {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		v := int32(f * 32768.0)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// MeanSquare returns the mean of the squared samples, i.e. the signal energy
// of a normalized waveform. Returns 0 for an empty slice.
func MeanSquare(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return sum / float64(len(samples))
}

// EnergyPCM16 returns the mean-square energy of PCM16 bytes after
// normalization to [-1, 1]. Used by the segmenter's tail silence check.
func EnergyPCM16(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		f := float64(s) / 32768.0
		sum += f * f
	}
	return sum / float64(n)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < BytesPerSample {
		return pcm
	}
	srcSamples := len(pcm) / BytesPerSample
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*BytesPerSample)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}
