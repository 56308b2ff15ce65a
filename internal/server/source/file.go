// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/nxadm/tail"

	"github.com/ccheshirecat/streamlog/internal/logentry"
)

// FileOptions tunes a followed file.
type FileOptions struct {
	// FromEnd skips content already in the file.
	FromEnd bool
	// Poll uses stat polling instead of inotify.
	Poll bool
}

// File follows a file across truncation and rotation.
type File struct {
	once
	path string
	opts FileOptions
}

func NewFile(path string, opts FileOptions) *File {
	return &File{path: path, opts: opts}
}

func (f *File) Run(ctx context.Context, out chan<- logentry.LogEntry) error {
	if err := f.start(); err != nil {
		return err
	}
	cfg := tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      f.opts.Poll,
		Logger:    tail.DiscardingLogger,
	}
	if f.opts.FromEnd {
		cfg.Location = &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	}
	t, err := tail.TailFile(f.path, cfg)
	if err != nil {
		return fmt.Errorf("source file %s: %w", f.path, err)
	}
	defer t.Cleanup()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				return fmt.Errorf("source file %s: %w", f.path, line.Err)
			}
			entry := logentry.New(strings.TrimSuffix(line.Text, "\r"))
			if !line.Time.IsZero() {
				entry.Timestamp = line.Time.UTC()
			}
			select {
			case out <- entry:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
