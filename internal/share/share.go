// Package share defines the remote file share and text blob abstractions the
// sync pipeline reads receipts from and persists its ledger and state to.
package share

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a referenced blob or file does not exist.
var ErrNotFound = errors.New("share: not found")

// RemoteFile describes one file in a receipt share.
type RemoteFile struct {
	Name         string    `json:"name"`
	Fingerprint  string    `json:"fingerprint"` // changes whenever the content changes
	LastModified time.Time `json:"last_modified"`
	ContentType  string    `json:"content_type"`
}

// Ref identifies a share or blob together with the secret needed to access it.
type Ref struct {
	ID     string
	Secret string
}

// String returns the ref without its secret.
func (r Ref) String() string {
	return r.ID
}

// Share lists and downloads receipt files.
type Share interface {
	List(ctx context.Context, ref Ref) ([]RemoteFile, error)
	Fetch(ctx context.Context, ref Ref, name string) ([]byte, error)
}

// TextStore reads and replaces whole text blobs.
type TextStore interface {
	ReadText(ctx context.Context, ref Ref) (string, error)
	WriteText(ctx context.Context, ref Ref, text string) error
}

// TransportError wraps a failed remote call.
type TransportError struct {
	Op         string
	Ref        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("share %s %s: status %d: %v", e.Op, e.Ref, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("share %s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
