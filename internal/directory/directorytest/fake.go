// Package directorytest provides an in-memory directory.Client for tests.
package directorytest

import (
	"context"
	"iter"
	"sync"

	"github.com/isometry/adsync/internal/directory"
)

// Fake serves a fixed set of entries in pages.
type Fake struct {
	mu       sync.Mutex
	entries  []directory.Entry
	searches []directory.SearchRequest

	// FailAfterPages makes Search yield SearchErr after that many pages.
	// Zero with a non-nil SearchErr fails before the first page.
	FailAfterPages int
	SearchErr      error
	// ConnectErr is returned by TestConnection.
	ConnectErr error
	// BeforePage is called before each page is yielded, with the zero-based
	// page index. Tests use it to block or cancel mid-run.
	BeforePage func(page int)
	// Info is returned by ServerInfo.
	Info map[string]string

	closed bool
}

// New returns a Fake serving entries.
func New(entries ...directory.Entry) *Fake {
	return &Fake{entries: entries}
}

// SetEntries replaces the served entries.
func (f *Fake) SetEntries(entries ...directory.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = entries
}

// Searches returns the requests seen so far.
func (f *Fake) Searches() []directory.SearchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]directory.SearchRequest(nil), f.searches...)
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) Search(ctx context.Context, req directory.SearchRequest) iter.Seq2[[]directory.Entry, error] {
	f.mu.Lock()
	f.searches = append(f.searches, req)
	entries := append([]directory.Entry(nil), f.entries...)
	f.mu.Unlock()

	size := req.PageSize
	if size <= 0 {
		size = directory.DefaultPageSize
	}

	return func(yield func([]directory.Entry, error) bool) {
		page := 0
		for start := 0; start < len(entries) || page == 0; start += size {
			if f.SearchErr != nil && page == f.FailAfterPages {
				yield(nil, f.SearchErr)
				return
			}
			if f.BeforePage != nil {
				f.BeforePage(page)
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			end := min(start+size, len(entries))
			if !yield(entries[start:end], nil) {
				return
			}
			page++
			if end >= len(entries) {
				break
			}
		}
		if f.SearchErr != nil && page == f.FailAfterPages {
			yield(nil, f.SearchErr)
		}
	}
}

func (f *Fake) TestConnection(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.ConnectErr
}

func (f *Fake) ServerInfo(context.Context) (map[string]string, error) {
	if f.ConnectErr != nil {
		return nil, f.ConnectErr
	}
	return f.Info, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// User builds an entry with the given identity key and attribute pairs
// (name, value, name, value, ...).
func User(key, dn string, kv ...string) directory.Entry {
	attrs := make(map[string][]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs[kv[i]] = append(attrs[kv[i]], kv[i+1])
	}
	return directory.Entry{IdentityKey: key, DN: dn, Attributes: attrs}
}
