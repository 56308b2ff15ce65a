// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

//go:build !unix

package source

import (
	"context"
	"errors"

	"github.com/ccheshirecat/streamlog/internal/logentry"
)

type Command struct{}

func NewCommand(string) *Command { return &Command{} }

func (*Command) Run(context.Context, chan<- logentry.LogEntry) error {
	return errors.New("source command: requires a unix host")
}
