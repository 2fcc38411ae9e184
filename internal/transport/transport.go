// Package transport describes the network side of a transfer: something that can
// issue, resume, pause and abort a single download and report its progress back
// through a Delegate.
package transport

import (
	"github.com/italolelis/assetfetch/internal/resumetoken"
)

// Handle is one in-flight transfer issued by a Transport.
//
// Start after Cancel or Abort is a no-op. Once Cancel or Abort has been called
// the handle never reports OnComplete or OnFailure. A Cancel that loses the race
// against a completion already being delivered hands back a token covering the
// whole file while that file is still on disk.
type Handle interface {
	// Start begins the network request. It must not block.
	Start()
	// Cancel stops the transfer and hands a continuation token to onToken once the
	// transfer has wound down. The token is nil when nothing can be resumed.
	Cancel(onToken func(token []byte))
	// Abort stops the transfer and discards any partial data.
	Abort()
	// URL is the address of the request that originated the transfer.
	URL() string
}

// Delegate receives the callbacks of every handle issued by a Transport. Calls
// may arrive on any goroutine.
type Delegate interface {
	OnProgress(h Handle, written, expected int64)
	OnComplete(h Handle, tempPath string)
	OnFailure(h Handle, err error)
}

// Transport issues handles. Neither method starts network work or invokes the
// delegate before Start is called on the returned handle.
type Transport interface {
	NewTransfer(url string, d Delegate) (Handle, error)
	ResumeTransfer(token []byte, d Delegate) (Handle, error)
}

// RequestSetter is implemented by handles whose request snapshots can be filled
// in after they have been rebuilt from a continuation token.
type RequestSetter interface {
	OriginalRequest() *resumetoken.Request
	SetOriginalRequest(r *resumetoken.Request)
	CurrentRequest() *resumetoken.Request
	SetCurrentRequest(r *resumetoken.Request)
}
