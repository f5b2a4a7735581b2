package audio

// ApplyGain scales int16 PCM samples in place by gain (0..1). Values are
// clamped to the int16 range.
func ApplyGain(pcm []byte, gain float64) {
	g := clampGain(gain)
	if g == 1 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		scaled := int32(float64(sample) * g)
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		pcm[i] = byte(scaled)
		pcm[i+1] = byte(scaled >> 8)
	}
}

// RampGain scales int16 PCM in place with a linear gain ramp from start to
// end across the buffer. Used for duck and unduck fades.
func RampGain(pcm []byte, start, end float64) {
	samples := len(pcm) / 2
	if samples == 0 {
		return
	}
	s, e := clampGain(start), clampGain(end)
	step := (e - s) / float64(samples)
	g := s
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		scaled := int32(float64(sample) * g)
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		pcm[i] = byte(scaled)
		pcm[i+1] = byte(scaled >> 8)
		g += step
	}
}
