package main

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/MegaGrindStone/fairytale-mcp"
)

// serverProcess is a fairytale server running as a child process, spoken to over its
// stdin and stdout.
type serverProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *slog.Logger
}

func startServer(bin string, args []string, stderr io.Writer, logger *slog.Logger) (*serverProcess, error) {
	cmd := exec.Command(bin, args...)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open server stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open server stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server %s: %w", bin, err)
	}
	logger.Debug("server started", slog.String("bin", bin), slog.Int("pid", cmd.Process.Pid))

	return &serverProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		logger: logger,
	}, nil
}

func (p *serverProcess) transport() mcp.StdIO {
	return mcp.NewStdIO(p.stdout, p.stdin, mcp.WithStdIOLogger(p.logger))
}

// stop closes the server input, which ends its session, and waits for it to exit. The
// process is killed if it is still running after timeout.
func (p *serverProcess) stop(timeout time.Duration) error {
	if err := p.stdin.Close(); err != nil {
		p.logger.Warn("failed to close server stdin", slog.String("err", err.Error()))
	}

	exited := make(chan error, 1)
	go func() {
		exited <- p.cmd.Wait()
	}()

	select {
	case err := <-exited:
		if err != nil {
			return fmt.Errorf("server exited: %w", err)
		}
		return nil
	case <-time.After(timeout):
	}

	p.logger.Warn("server did not exit in time, killing it")
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill server: %w", err)
	}
	<-exited
	return nil
}
