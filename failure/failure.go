// Package failure holds the error kinds shared by both sides of the sanitizer.
package failure

import (
	"context"
	"errors"
)

// Sentinel errors for each failure kind. Wrap them with fmt.Errorf("%w: ...").
var (
	ErrProvision      = errors.New("provision error")
	ErrProtocol       = errors.New("protocol error")
	ErrIO             = errors.New("i/o error")
	ErrRender         = errors.New("render error")
	ErrFatalRender    = errors.New("fatal render error")
	ErrReconstruction = errors.New("reconstruction error")
	ErrTimeout        = errors.New("timeout")
	ErrCancelled      = errors.New("cancelled")
	ErrTypeMismatch   = errors.New("type mismatch")
	ErrArchive        = errors.New("archive error")
)

var kinds = []struct {
	err  error
	name string
}{
	// order matters: the most specific tag wins when an error wraps several
	{ErrTimeout, "timeout"},
	{ErrCancelled, "cancelled"},
	{ErrTypeMismatch, "type_mismatch"},
	{ErrProvision, "provision"},
	{ErrArchive, "archive"},
	{ErrProtocol, "protocol"},
	{ErrFatalRender, "fatal_render"},
	{ErrRender, "render"},
	{ErrReconstruction, "reconstruction"},
	{ErrIO, "io"},
}

// Kind returns the tag for err, "" for nil and "unknown" when no kind matches.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "unknown"
}
