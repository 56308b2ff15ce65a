// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

//go:build unix

package source

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ccheshirecat/streamlog/internal/logentry"
)

func TestCommandStreamsOutput(t *testing.T) {
	got, err := collect(t, NewCommand("printf 'alpha\\nbeta\\n'"), context.Background(), 100)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Join(got, "|") != "alpha|beta" {
		t.Fatalf("unexpected lines %q", got)
	}
}

func TestCommandReportsFailure(t *testing.T) {
	_, err := collect(t, NewCommand("exit 3"), context.Background(), 100)
	if err == nil {
		t.Fatalf("expected exit error")
	}
}

func TestCommandKilledOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- NewCommand("sleep 30").Run(ctx, make(chan logentry.LogEntry)) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("command not terminated")
	}
}
