package synth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/oratelabs/orate/internal/config"
)

const stderrTailBytes = 1024

type execSynth struct {
	cmd        []string
	chunkBytes int
	mu         sync.Mutex
}

// NewExecSynth builds a Synthesizer that shells out to a worker
// process: text on stdin, raw audio on stdout, diagnostics on stderr.
func NewExecSynth(cfg config.SynthesisConfig) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse synthesis command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synthesis command is empty")
	}
	return &execSynth{cmd: args, chunkBytes: cfg.ChunkBytes}, nil
}

// Synthesize spawns the worker and streams its stdout in fixed-size
// chunks. The mutex serializes workers: a superseded session's child
// is killed via its context, and the successor's spawn waits for that
// teardown to finish.
func (e *execSynth) Synthesize(ctx context.Context, req Request) (<-chan []byte, <-chan error) {
	e.mu.Lock()
	chunks := make(chan []byte)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		defer e.mu.Unlock()

		base := e.cmd[0]
		args := append([]string{}, e.cmd[1:]...)
		if req.Speed > 0 {
			args = append(args, "--speed", strconv.FormatFloat(req.Speed, 'f', -1, 64))
		}
		if req.SampleRate > 0 {
			args = append(args, "--sample-rate", strconv.Itoa(req.SampleRate))
		}

		cmd := exec.CommandContext(ctx, base, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			errs <- err
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Start(); err != nil {
			errs <- &SpawnError{Command: base, Err: err}
			return
		}

		go func() {
			io.WriteString(stdin, req.Text)
			stdin.Close()
		}()

		buf := make([]byte, e.chunkBytes)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					cmd.Wait()
					errs <- ctx.Err()
					return
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				cmd.Wait()
				if ctx.Err() != nil {
					errs <- ctx.Err()
				} else {
					errs <- fmt.Errorf("read worker output: %w", readErr)
				}
				return
			}
		}

		if err := cmd.Wait(); err != nil {
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			errs <- &SynthesisError{Reason: err.Error(), Stderr: stderrTail(stderr.Bytes())}
		}
	}()
	return chunks, errs
}

func stderrTail(b []byte) string {
	if len(b) > stderrTailBytes {
		b = b[len(b)-stderrTailBytes:]
	}
	return strings.TrimSpace(string(b))
}
