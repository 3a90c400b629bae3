package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"
)

const (
	inputPlaceholder  = "{input}"
	outputPlaceholder = "{output}"
)

// Encoder writes a clip to disk in a particular container format.
type Encoder interface {
	// Ext is the file extension the encoder produces, without the dot.
	Ext() string
	Encode(ctx context.Context, c Clip, path string) error
}

// WAVEncoder writes 16-bit PCM WAV files.
type WAVEncoder struct{}

func (WAVEncoder) Ext() string { return "wav" }

func (WAVEncoder) Encode(ctx context.Context, c Clip, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return WriteWAVFile(path, c)
}

// CommandEncoder renders a temporary WAV file and hands it to an external
// program (typically ffmpeg) that writes the final container. The command
// line must reference both {input} and {output}.
type CommandEncoder struct {
	args []string
	ext  string
}

// NewCommandEncoder parses command with shell quoting rules.
func NewCommandEncoder(command, ext string) (*CommandEncoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse encoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("encoder command is empty")
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, inputPlaceholder) || !strings.Contains(joined, outputPlaceholder) {
		return nil, fmt.Errorf("encoder command must reference %s and %s", inputPlaceholder, outputPlaceholder)
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return nil, errors.New("encoder extension is empty")
	}
	return &CommandEncoder{args: args, ext: ext}, nil
}

func (e *CommandEncoder) Ext() string { return e.ext }

func (e *CommandEncoder) Encode(ctx context.Context, c Clip, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".encode-*.wav")
	if err != nil {
		return fmt.Errorf("create temp wav: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := EncodeWAV(tmp, c); err != nil {
		tmp.Close()
		return fmt.Errorf("encode temp wav: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp wav: %w", err)
	}

	argv := make([]string, len(e.args))
	for i, a := range e.args {
		a = strings.ReplaceAll(a, inputPlaceholder, tmpPath)
		argv[i] = strings.ReplaceAll(a, outputPlaceholder, path)
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("encoder command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("encoder produced no output at %s: %w", path, err)
	}
	return nil
}

// NewEncoder returns the encoder for ext: WAV is written natively and any
// other extension goes through command.
func NewEncoder(ext, command string) (Encoder, error) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" || ext == "wav" {
		return WAVEncoder{}, nil
	}
	return NewCommandEncoder(command, ext)
}
