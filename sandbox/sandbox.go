// Package sandbox provisions the disposable environments that documents are
// rendered in. Each environment serves exactly one document and is never
// reused.
package sandbox

import (
	"context"
	"io"
)

// Channel is the duplex byte stream to one rendering environment.
type Channel interface {
	io.ReadWriteCloser
}

// Provisioner creates and destroys rendering environments. Close on a Channel
// only ends the outbound direction; Teardown destroys the environment.
type Provisioner interface {
	Provision(ctx context.Context) (Channel, error)
	Teardown(ch Channel) error
}
