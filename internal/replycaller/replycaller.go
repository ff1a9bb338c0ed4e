// Package replycaller implements the request/reply correlation handle and
// its TTL-backed directory. A single struct with an atomic fire-once guard
// stands in for the interface/implementation pairing a virtual-dispatch
// language would use here.
package replycaller

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/baechuer/clustercontroller/internal/directory"
	"github.com/rs/zerolog"
)

// ErrTimeout is the error handed to onError when a ReplyCaller's TTL elapses
// before a matching reply arrives.
var ErrTimeout = errors.New("replycaller: timed out waiting for reply")

// ReplyCaller is a one-shot completion handle for an outstanding request.
// Exactly one of Resolve or Fail ever takes effect; subsequent calls are
// no-ops, and the TTL-driven timeout path is itself just a Fail(ErrTimeout)
// call routed through the directory's eviction hook.
type ReplyCaller struct {
	typeTag   string
	onSuccess func(payload []byte)
	onError   func(err error)

	fired atomic.Bool
}

// New builds a ReplyCaller. typeTag identifies the expected reply shape for
// logging/diagnostics; it is not interpreted.
func New(typeTag string, onSuccess func(payload []byte), onError func(err error)) *ReplyCaller {
	return &ReplyCaller{typeTag: typeTag, onSuccess: onSuccess, onError: onError}
}

func (r *ReplyCaller) TypeTag() string { return r.typeTag }

// Resolve delivers a successful reply. Only the first of Resolve/Fail across
// the lifetime of a ReplyCaller has any effect.
func (r *ReplyCaller) Resolve(payload []byte) {
	if !r.fired.CompareAndSwap(false, true) {
		return
	}
	if r.onSuccess != nil {
		r.onSuccess(payload)
	}
}

// Fail delivers a terminal error (timeout, transport failure, or expiry).
func (r *ReplyCaller) Fail(err error) {
	if !r.fired.CompareAndSwap(false, true) {
		return
	}
	if r.onError != nil {
		r.onError(err)
	}
}

// Expired reports whether this caller was already resolved or failed,
// matching the "expired: bool" lifecycle field from the design.
func (r *ReplyCaller) Expired() bool {
	return r.fired.Load()
}

// Directory correlates outstanding requests by their request-reply-id and
// fires Timeout via the eviction hook when a request's TTL elapses with no
// matching reply.
type Directory struct {
	log zerolog.Logger
	d   *directory.Directory[string, *ReplyCaller]
}

func NewDirectory(log zerolog.Logger) *Directory {
	log = log.With().Str("component", "replycaller").Logger()
	dir := &Directory{log: log}
	dir.d = directory.New[string, *ReplyCaller](func(rc *ReplyCaller) {
		rc.Fail(ErrTimeout)
	})
	return dir
}

// Register inserts caller under requestReplyID with the given TTL. Callers
// MUST register before submitting the corresponding request to the router,
// or a fast reply can arrive before anyone is listening for it.
func (d *Directory) Register(requestReplyID string, caller *ReplyCaller, ttl time.Duration) {
	d.d.AddTTL(requestReplyID, caller, ttl)
}

// Take removes and returns the caller registered under requestReplyID, if
// any. Used on the inbound path when a reply or subscription-reply arrives,
// and by the router when a send fails terminally. A caller is delivered to
// at most one Take.
func (d *Directory) Take(requestReplyID string) (*ReplyCaller, bool) {
	rc, ok := d.d.Take(requestReplyID)
	if !ok {
		d.log.Debug().Str("request_reply_id", requestReplyID).Msg("no waiting caller for reply")
	}
	return rc, ok
}

// Cancel removes a registered caller without firing it. The router's
// failure paths use Take followed by Fail instead.
func (d *Directory) Cancel(requestReplyID string) {
	d.d.Remove(requestReplyID)
}

func (d *Directory) Len() int { return d.d.Len() }

func (d *Directory) Shutdown() { d.d.Shutdown() }
