package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), "unknown"},
		{"wrapped io", fmt.Errorf("%w: stream closed", ErrIO), "io"},
		{"protocol over io", fmt.Errorf("%w: %w", ErrProtocol, ErrIO), "protocol"},
		{"timeout over io", fmt.Errorf("%w: %w", ErrTimeout, ErrIO), "timeout"},
		{"context deadline", fmt.Errorf("waiting: %w", context.DeadlineExceeded), "timeout"},
		{"context canceled", context.Canceled, "cancelled"},
		{"fatal render", fmt.Errorf("page 3: %w", ErrFatalRender), "fatal_render"},
		{"archive", fmt.Errorf("%w: rename", ErrArchive), "archive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}
