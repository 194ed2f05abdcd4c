// Package state tracks which remote file versions have already been processed.
package state

import (
	"sort"
	"strings"

	"github.com/dvloznov/receipt-ledger/internal/share"
)

const delimiter = ","

// State is the set of processed file fingerprints. The zero value is empty.
// MarkDone returns a new State and leaves the receiver unchanged.
type State struct {
	done map[string]struct{}
}

// New returns a state containing the given fingerprints.
func New(fingerprints ...string) State {
	s := State{done: make(map[string]struct{}, len(fingerprints))}
	for _, fp := range fingerprints {
		fp = strings.TrimSpace(fp)
		if fp != "" {
			s.done[fp] = struct{}{}
		}
	}
	return s
}

// Parse decodes the persisted form. Blank text yields an empty state.
func Parse(text string) State {
	return New(strings.Split(text, delimiter)...)
}

// Text encodes the state. Fingerprints are sorted so equal states encode equally.
func (s State) Text() string {
	return strings.Join(s.Fingerprints(), delimiter)
}

// Fingerprints returns the processed fingerprints in sorted order.
func (s State) Fingerprints() []string {
	out := make([]string, 0, len(s.done))
	for fp := range s.done {
		out = append(out, fp)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of processed fingerprints.
func (s State) Len() int {
	return len(s.done)
}

// Contains reports whether fingerprint has been processed.
func (s State) Contains(fingerprint string) bool {
	_, ok := s.done[fingerprint]
	return ok
}

// Unprocessed returns the candidates whose fingerprint is not in s, oldest first.
// Files with equal modification times are ordered by name.
func (s State) Unprocessed(candidates []share.RemoteFile) []share.RemoteFile {
	var out []share.RemoteFile
	for _, f := range candidates {
		if !s.Contains(f.Fingerprint) {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastModified.Equal(out[j].LastModified) {
			return out[i].Name < out[j].Name
		}
		return out[i].LastModified.Before(out[j].LastModified)
	})
	return out
}

// MarkDone returns a copy of s that also contains the file's fingerprint.
func (s State) MarkDone(f share.RemoteFile) State {
	next := State{done: make(map[string]struct{}, len(s.done)+1)}
	for fp := range s.done {
		next.done[fp] = struct{}{}
	}
	if fp := strings.TrimSpace(f.Fingerprint); fp != "" {
		next.done[fp] = struct{}{}
	}
	return next
}
