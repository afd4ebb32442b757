package mediafile

// Convert brings pcm to the requested sample rate and channel count,
// returning the input untouched when it already matches. Rate conversion is
// linear; good enough for playback alignment, not for analysis.
func Convert(pcm *PCM, sampleRate, channels int) *PCM {
	out := pcm
	if out.Channels != channels {
		out = convertChannels(out, channels)
	}
	if out.SampleRate != sampleRate {
		out = resampleLinear(out, sampleRate)
	}
	return out
}

func convertChannels(pcm *PCM, channels int) *PCM {
	frames := pcm.Frames()
	samples := make([]float32, frames*channels)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			// duplicate the last source channel when upmixing
			src := ch
			if src >= pcm.Channels {
				src = pcm.Channels - 1
			}
			samples[i*channels+ch] = pcm.Samples[i*pcm.Channels+src]
		}
	}
	if channels < pcm.Channels {
		// downmix instead of dropping channels
		mono := pcm.Mono()
		for i := 0; i < frames; i++ {
			for ch := 0; ch < channels; ch++ {
				samples[i*channels+ch] = mono[i]
			}
		}
	}
	return &PCM{
		SampleRate: pcm.SampleRate,
		Channels:   channels,
		Samples:    samples,
	}
}

func resampleLinear(pcm *PCM, sampleRate int) *PCM {
	srcFrames := pcm.Frames()
	if srcFrames == 0 {
		return &PCM{SampleRate: sampleRate, Channels: pcm.Channels}
	}
	dstFrames := int(int64(srcFrames) * int64(sampleRate) / int64(pcm.SampleRate))
	if dstFrames == 0 {
		dstFrames = 1
	}
	ratio := float64(srcFrames-1) / float64(max(dstFrames-1, 1))


	samples := make([]float32, dstFrames*pcm.Channels)
	for i := 0; i < dstFrames; i++ {
		pos := float64(i) * ratio
		left := int(pos)
		right := left + 1
		if right >= srcFrames {
			right = srcFrames - 1
		}
		t := float32(pos - float64(left))
		for ch := 0; ch < pcm.Channels; ch++ {
			a := pcm.Samples[left*pcm.Channels+ch]
			b := pcm.Samples[right*pcm.Channels+ch]
			samples[i*pcm.Channels+ch] = a + (b-a)*t
		}
	}
	return &PCM{
		SampleRate: sampleRate,
		Channels:   pcm.Channels,
		Samples:    samples,
	}
}
