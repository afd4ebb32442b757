package mediafile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	wavFormatPCM       = 1
	wavFormatIEEEFloat = 3
)

func decodeWAV(r io.Reader) (*PCM, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("unable to read the RIFF header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a WAVE file")
	}

	var (
		format     uint16
		channels   uint16
		sampleRate uint32
		bitDepth   uint16
		sawFmt     bool
	)

	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, fmt.Errorf("no data chunk found")
			}
			return nil, fmt.Errorf("unable to read a chunk header: %w", err)
		}
		chunkID := string(chunk[0:4])
		chunkSize := binary.LittleEndian.Uint32(chunk[4:8])

		switch chunkID {
		case "fmt ":
			body := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("unable to read the fmt chunk: %w", err)
			}
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk is too short: %d bytes", chunkSize)
			}
			format = binary.LittleEndian.Uint16(body[0:2])
			channels = binary.LittleEndian.Uint16(body[2:4])
			sampleRate = binary.LittleEndian.Uint32(body[4:8])
			bitDepth = binary.LittleEndian.Uint16(body[14:16])
			sawFmt = true

		case "data":
			if !sawFmt {
				return nil, fmt.Errorf("data chunk before fmt chunk")
			}
			if channels == 0 || sampleRate == 0 {
				return nil, fmt.Errorf("invalid fmt chunk: %d channels at %d Hz", channels, sampleRate)
			}
			body := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("unable to read the data chunk: %w", err)
			}
			samples, err := wavSamples(format, bitDepth, body)
			if err != nil {
				return nil, err
			}
			return &PCM{
				SampleRate: int(sampleRate),
				Channels:   int(channels),
				Samples:    samples,
			}, nil

		default:
			if _, err := io.CopyN(io.Discard, r, int64(chunkSize)); err != nil {
				return nil, fmt.Errorf("unable to skip chunk %q: %w", chunkID, err)
			}
		}
		// chunks are word-aligned
		if chunkSize%2 == 1 {
			_, _ = io.CopyN(io.Discard, r, 1)
		}
	}
}

func wavSamples(format, bitDepth uint16, body []byte) ([]float32, error) {
	switch {
	case format == wavFormatPCM && bitDepth == 16:
		out := make([]float32, len(body)/2)
		for i := range out {
			v := int16(binary.LittleEndian.Uint16(body[i*2:]))
			out[i] = float32(v) / 32768
		}
		return out, nil
	case format == wavFormatIEEEFloat && bitDepth == 32:
		out := make([]float32, len(body)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported WAV sample format %d/%d-bit", format, bitDepth)
}

// EncodeWAV writes pcm as 16-bit PCM WAV.
func EncodeWAV(w io.Writer, pcm *PCM) error {
	dataSize := len(pcm.Samples) * 2
	var header [44]byte
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataSize))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(header[22:24], uint16(pcm.Channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(pcm.SampleRate))
	byteRate := pcm.SampleRate * pcm.Channels * 2
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(pcm.Channels*2))
	binary.LittleEndian.PutUint16(header[34:36], 16)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataSize))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("unable to write the WAV header: %w", err)
	}

	body := make([]byte, dataSize)
	for i, s := range pcm.Samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(body[i*2:], uint16(int16(s*32767)))
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("unable to write the WAV data: %w", err)
	}
	return nil
}
