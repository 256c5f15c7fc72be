package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/kspine/lapce/internal/logging"
)

// Endpoint is one live peer: the byte streams the transport runs over
// plus an exit channel that yields the terminal error (nil for a clean
// exit) exactly once.
type Endpoint struct {
	Reader io.Reader
	Writer io.Writer
	Closer io.Closer
	Exited <-chan error
}

// Launcher produces a fresh Endpoint per attempt, so the supervisor can
// restart a session without knowing whether the peer is a spawned
// process, a socket, or a test fixture.
type Launcher interface {
	Launch(ctx context.Context) (*Endpoint, error)
}

// CommandLauncher spawns a peer process and speaks over its stdio.
type CommandLauncher struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	Log     *logging.Logger
}

// Launch starts the command. Stderr is drained line-by-line into the
// log so a chatty server cannot block on a full pipe.
func (l *CommandLauncher) Launch(ctx context.Context) (*Endpoint, error) {
	cmd := exec.CommandContext(ctx, l.Command, l.Args...)
	if len(l.Env) > 0 {
		cmd.Env = l.Env
	}
	cmd.Dir = l.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Command, err)
	}

	log := l.Log
	if log == nil {
		log = logging.Nop()
	}
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			log.Debugf("%s stderr: %s", l.Command, scanner.Text())
		}
	}()

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
		close(exited)
	}()

	return &Endpoint{
		Reader: stdout,
		Writer: stdin,
		Closer: processCloser{stdin: stdin, cmd: cmd},
		Exited: exited,
	}, nil
}

// processCloser closes stdin first so a well-behaved server exits on its
// own; the kill covers the rest.
type processCloser struct {
	stdin io.Closer
	cmd   *exec.Cmd
}

func (c processCloser) Close() error {
	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		return c.cmd.Process.Kill()
	}
	return nil
}
