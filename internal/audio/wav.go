package audio

import (
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavBitDepth = 16

// DecodeWAV reads a PCM WAV stream into a 16-bit clip. Samples at other bit
// depths are scaled to 16 bits.
func DecodeWAV(r io.ReadSeeker, source string) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, &AssemblyError{Op: "decode wav", Source: source, Err: ErrInvalidWAV}
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, &AssemblyError{Op: "decode wav", Source: source, Err: fmt.Errorf("%w: %v", ErrInvalidWAV, err)}
	}
	format := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	if !format.Valid() {
		return Clip{}, &AssemblyError{Op: "decode wav", Source: source, Err: fmt.Errorf("%w: %s", ErrFormat, format)}
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		switch dec.BitDepth {
		case 8:
			samples[i] = int16((v - 128) << 8)
		case 16:
			samples[i] = int16(v)
		case 24:
			samples[i] = int16(v >> 8)
		case 32:
			samples[i] = int16(v >> 16)
		default:
			return Clip{}, &AssemblyError{Op: "decode wav", Source: source, Err: fmt.Errorf("%w: %d-bit samples", ErrFormat, dec.BitDepth)}
		}
	}
	clip := Clip{Format: format, Samples: samples, Source: source}
	if err := clip.validate("decode wav"); err != nil {
		return Clip{}, err
	}
	return clip, nil
}

// EncodeWAV writes the clip as a 16-bit PCM WAV stream.
func EncodeWAV(w io.WriteSeeker, c Clip) error {
	if !c.Format.Valid() {
		return &AssemblyError{Op: "encode wav", Source: c.Source, Err: fmt.Errorf("%w: %s", ErrFormat, c.Format)}
	}
	if err := c.validate("encode wav"); err != nil {
		return err
	}
	data := make([]int, len(c.Samples))
	for i, s := range c.Samples {
		data[i] = int(s)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: c.Format.Channels, SampleRate: c.Format.SampleRate},
		Data:           data,
		SourceBitDepth: wavBitDepth,
	}

	enc := wav.NewEncoder(w, c.Format.SampleRate, wavBitDepth, c.Format.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// ReadWAVFile decodes the WAV file at path.
func ReadWAVFile(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, &AssemblyError{Op: "open", Source: path, Err: err}
	}
	defer f.Close()
	return DecodeWAV(f, path)
}

// WriteWAVFile writes the clip to path, replacing any existing file.
func WriteWAVFile(path string, c Clip) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := EncodeWAV(f, c); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
