package engine

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ThatOnePro/lichess-bot/internal/config"
)

// process wraps an engine subprocess with line-oriented stdin/stdout.
// Stdout is pumped into lines by a dedicated goroutine so protocol
// drivers can select on input alongside timers and contexts.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan string
	quit   chan struct{} // closed to release the pump when nobody reads
	done   chan struct{} // closed once stdout is drained
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func startProcess(cfg config.EngineConfig, logger zerolog.Logger) (*process, error) {
	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Dir = cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting engine %s: %w", cfg.Path, err)
	}

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan string, 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go p.pumpStdout(stdout)
	go p.pumpStderr(stderr)
	logger.Info().Str("path", cfg.Path).Strs("args", cfg.Args).Int("pid", cmd.Process.Pid).Msg("engine started")
	return p, nil
}

func (p *process) pumpStdout(r io.Reader) {
	defer close(p.done)
	defer close(p.lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Trace().Str("dir", "recv").Str("line", line).Msg("engine io")
		select {
		case p.lines <- line:
		case <-p.quit:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn().Err(err).Msg("engine stdout closed with error")
	}
}

// pumpStderr keeps engine banner and debug noise visible without
// interleaving it with the protocol.
func (p *process) pumpStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug().Str("stream", "stderr").Msg(scanner.Text())
	}
}

// send writes one protocol line to the engine.
func (p *process) send(line string) error {
	p.logger.Trace().Str("dir", "send").Str("line", line).Msg("engine io")
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return fmt.Errorf("writing to engine: %w", err)
	}
	return nil
}

// terminate asks the engine to quit and reaps the process, killing it if
// it outstays quitPatience.
func (p *process) terminate(quitLine string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	_ = p.send(quitLine)
	_ = p.stdin.Close()
	close(p.quit)

	select {
	case <-p.done:
	case <-time.After(quitPatience):
		p.logger.Warn().Msg("engine ignored quit, killing")
		_ = p.cmd.Process.Kill()
		select {
		case <-p.done:
		case <-time.After(2 * time.Second):
		}
	}
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("engine exit: %w", err)
	}
	return nil
}

// kill reaps the process without ceremony. Used when a handshake fails.
func (p *process) kill() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	_ = p.stdin.Close()
	close(p.quit)
	_ = p.cmd.Process.Kill()
	<-p.done
	_ = p.cmd.Wait()
}
