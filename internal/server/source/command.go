// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

//go:build unix

package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/ccheshirecat/streamlog/internal/logentry"
)

const killGrace = 3 * time.Second

// Command runs a shell command on a pseudo-terminal and streams its output,
// so programs that only colorize or line-buffer on a TTY behave as usual.
type Command struct {
	once
	command string
}

func NewCommand(command string) *Command {
	return &Command{command: command}
}

func (c *Command) Run(ctx context.Context, out chan<- logentry.LogEntry) error {
	if err := c.start(); err != nil {
		return err
	}
	cmd := exec.Command("/bin/sh", "-c", c.command)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 50, Cols: 512})
	if err != nil {
		return fmt.Errorf("source command: start: %w", err)
	}
	defer ptmx.Close()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(ptmx)
		scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSuffix(scanner.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
		// Linux reports EIO on the master once the child side is gone.
		if err := scanner.Err(); err != nil && !errors.Is(err, syscall.EIO) {
			errCh <- fmt.Errorf("source command: read: %w", err)
		}
	}()

	err = forward(ctx, lines, errCh, out)
	if ctx.Err() != nil {
		terminate(cmd.Process.Pid, exited)
		return ctx.Err()
	}
	if err != nil {
		terminate(cmd.Process.Pid, exited)
		return err
	}
	if werr := <-exited; werr != nil {
		return fmt.Errorf("source command: %w", werr)
	}
	return nil
}

// terminate signals the whole process group, escalating to SIGKILL.
func terminate(pid int, exited <-chan error) {
	// pty.Start puts the child in its own session, so its pid is the group id.
	_ = unix.Kill(-pid, unix.SIGTERM)
	select {
	case <-exited:
	case <-time.After(killGrace):
		_ = unix.Kill(-pid, unix.SIGKILL)
		<-exited
	}
}
