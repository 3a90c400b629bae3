package audio

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWAVFileRoundTrip(t *testing.T) {
	stereo := Format{SampleRate: 24000, Channels: 2}
	clip := ramp(stereo, 250, "pair")
	clip.Samples[0] = -32768
	clip.Samples[1] = 32767

	path := filepath.Join(t.TempDir(), "pair.wav")
	require.NoError(t, WriteWAVFile(path, clip))

	got, err := ReadWAVFile(path)
	require.NoError(t, err)
	assert.Equal(t, stereo, got.Format)
	assert.Equal(t, clip.Samples, got.Samples)
	assert.Equal(t, path, got.Source)
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, err := DecodeWAV(bytes.NewReader([]byte("definitely not a RIFF header")), "junk.wav")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidWAV)
	assert.Contains(t, err.Error(), "junk.wav")
}

func TestReadWAVFileMissing(t *testing.T) {
	_, err := ReadWAVFile(filepath.Join(t.TempDir(), "nope.wav"))
	var asmErr *AssemblyError
	require.ErrorAs(t, err, &asmErr)
	assert.Equal(t, "open", asmErr.Op)
}

func TestEncodeWAVRejectsUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.wav")
	err := WriteWAVFile(path, Clip{Samples: []int16{1, 2}})
	assert.ErrorIs(t, err, ErrFormat)
}

func TestPCM16LERoundTrip(t *testing.T) {
	clip := ramp(mono8k, 20, "pcm")
	got, err := FromPCM16LE(clip.PCM16LE(), mono8k, "pcm")
	require.NoError(t, err)
	assert.Equal(t, clip, got)

	_, err = FromPCM16LE([]byte{1, 2, 3}, mono8k, "odd")
	assert.ErrorIs(t, err, ErrFormat)
}

func TestNewEncoder(t *testing.T) {
	enc, err := NewEncoder("WAV", "")
	require.NoError(t, err)
	assert.Equal(t, "wav", enc.Ext())

	_, err = NewEncoder("mp3", "ffmpeg -i in.wav out.mp3")
	assert.Error(t, err)

	_, err = NewEncoder("mp3", "ffmpeg -i 'unterminated")
	assert.Error(t, err)

	enc, err = NewEncoder(".mp3", "ffmpeg -y -i {input} {output}")
	require.NoError(t, err)
	assert.Equal(t, "mp3", enc.Ext())
}

func TestCommandEncoderRunsProgram(t *testing.T) {
	if _, err := exec.LookPath("cp"); err != nil {
		t.Skip("cp not available")
	}
	enc, err := NewCommandEncoder("cp {input} {output}", "bin")
	require.NoError(t, err)

	dir := t.TempDir()
	out := filepath.Join(dir, "lesson.bin")
	clip := ramp(mono8k, 100, "lesson")
	require.NoError(t, enc.Encode(context.Background(), clip, out))

	got, err := ReadWAVFile(out)
	require.NoError(t, err)
	assert.Equal(t, clip.Samples, got.Samples)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary wav must be removed")
}

func TestCommandEncoderReportsFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	enc, err := NewCommandEncoder(`sh -c "echo boom >&2; exit 3" {input} {output}`, "mp3")
	require.NoError(t, err)

	err = enc.Encode(context.Background(), ramp(mono8k, 10, "x"), filepath.Join(t.TempDir(), "x.mp3"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
