package mediafile

import (
	"fmt"
	"io"

	"github.com/jfreymuth/oggvorbis"
)

func decodeOgg(r io.Reader) (*PCM, error) {
	samples, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to decode OGG-Vorbis: %w", err)
	}
	return &PCM{
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Samples:    samples,
	}, nil
}
