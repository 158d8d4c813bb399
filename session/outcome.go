package session

import (
	"time"

	"github.com/drummonds/pdfsanitize/failure"
)

// Outcome is the result of one session: either Succeeded with an output file
// or Failed with a kind and reason.
type Outcome struct {
	Session  string   `json:"session"`
	Document Document `json:"document"`
	Status   State    `json:"status"`

	OutputPath string `json:"output_path,omitempty"`
	// ArchivedPath is where the original went after success, if it was moved.
	ArchivedPath string   `json:"archived_path,omitempty"`
	Pages        int      `json:"pages"`
	Skipped      []uint32 `json:"skipped,omitempty"`

	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`

	Duration time.Duration `json:"duration"`
}

// FailedOutcome returns the outcome of a document that failed with err.
func FailedOutcome(doc Document, err error) Outcome {
	out := Outcome{Document: doc}
	out.fail(err)
	return out
}

// Succeeded reports whether the document was sanitized.
func (o Outcome) Succeeded() bool {
	return o.Status == Succeeded
}

// Fail downgrades the outcome to Failed with err. The output file, if any, is
// left where it is.
func (o *Outcome) Fail(err error) {
	o.fail(err)
}

func (o *Outcome) fail(err error) {
	o.Status = Failed
	o.Err = err
	o.Kind = failure.Kind(err)
	o.Reason = err.Error()
}
