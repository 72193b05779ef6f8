// Package sink defines delivery targets and how their failures are
// classified.
package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/tinytelemetry/lotus-agent/internal/model"
)

// Sink sends one batch of encoded records to a delivery target.
type Sink interface {
	Name() string
	// Send returns nil on success. Failures should be *SendError; any other
	// error is treated as transient.
	Send(ctx context.Context, batch []model.Event) error
	Close() error
}

// Kind separates failures worth retrying from rejected batches.
type Kind int

const (
	Transient Kind = iota
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// SendError is the failure of one Send.
type SendError struct {
	Kind       Kind
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("sink: %s failure: status %d: %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sink: %s failure: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// TransientError wraps err as a retryable failure.
func TransientError(err error) *SendError {
	return &SendError{Kind: Transient, Err: err}
}

// PermanentError wraps err as a rejection that must not be retried.
func PermanentError(err error) *SendError {
	return &SendError{Kind: Permanent, Err: err}
}

// Classify maps an HTTP status to an outcome. 2xx is success (nil kind is
// reported through ok). 407, 408, 429 and 5xx are transient, every other
// status is permanent.
func Classify(status int) (ok bool, kind Kind) {
	switch {
	case status >= 200 && status < 300:
		return true, Transient
	case status == http.StatusProxyAuthRequired,
		status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return false, Transient
	default:
		return false, Permanent
	}
}

// IsPermanent reports whether err is a permanent SendError.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Kind == Permanent
}

// Body joins the batch into one newline-delimited payload.
func Body(batch []model.Event) []byte {
	n := 0
	for _, ev := range batch {
		n += len(ev.Body) + 1
	}
	out := make([]byte, 0, n)
	for i, ev := range batch {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, ev.Body...)
	}
	return out
}

// Fingerprint identifies a batch by content so a redelivered batch can be
// recognised in logs and in the archive.
func Fingerprint(batch []model.Event) string {
	d := xxhash.New()
	for _, ev := range batch {
		_, _ = d.Write(ev.Body)
		_, _ = d.Write([]byte{'\n'})
	}
	return strconv.FormatUint(d.Sum64(), 16)
}
