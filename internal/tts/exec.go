package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// execSynth runs an external program per request. The program reads one JSON
// request on stdin and writes JSON lines of base64 PCM on stdout.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
}

type execRequest struct {
	Text         string `json:"text"`
	Voice        string `json:"voice"`
	Model        string `json:"model,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	SampleRate   int    `json:"sample_rate"`
	Channels     int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	schunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(schunks)
		defer close(errs)

		fail := func(err error) {
			errs <- &SynthesisError{Backend: ModeExec, Text: req.Text, Voice: req.Voice, Err: err, Retryable: ctx.Err() == nil && isExitError(err)}
		}

		data, err := json.Marshal(execRequest{
			Text:         req.Text,
			Voice:        req.Voice,
			Model:        req.Model,
			Instructions: req.Instructions,
			SampleRate:   e.sampleRate,
			Channels:     e.channels,
		})
		if err != nil {
			fail(err)
			return
		}

		cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
		cmd.Stdin = bytes.NewReader(data)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			fail(err)
			return
		}
		if err := cmd.Start(); err != nil {
			fail(err)
			return
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		sequence := 0
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				fail(fmt.Errorf("decode tts output: %w", err))
				return
			}
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				fail(fmt.Errorf("decode tts pcm: %w", err))
				return
			}
			select {
			case schunks <- SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   sequence,
				SampleRate: e.sampleRate,
				Channels:   e.channels,
				PCM:        pcm,
				Final:      resp.Final,
			}:
			case <-ctx.Done():
				_ = cmd.Wait()
				fail(ctx.Err())
				return
			}
			sequence++
		}
		if err := cmd.Wait(); err != nil {
			fail(fmt.Errorf("tts command failed: %w: %s", err, strings.TrimSpace(stderr.String())))
			return
		}
		if scanErr := scanner.Err(); scanErr != nil {
			fail(scanErr)
		}
	}()
	return schunks, errs
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}
