// Package provider wraps external SMS and email services behind a
// uniform adapter interface. Adapters classify every provider failure
// as transient or permanent and never panic for expected errors.
package provider

import (
	"context"
	"sort"

	"github.com/casavia/otpgate/internal/db"
)

// Message is the payload handed to an adapter.
type Message struct {
	To      string // phone number or email address
	Subject string // email only
	Body    string
}

// Result is the normalized outcome of one provider call.
// When Success is false, ErrorKind says whether the failure is worth
// retrying on another provider.
type Result struct {
	Success     bool
	ProviderRef string // provider-assigned message ID, when available
	ErrorKind   db.ErrorKind
	Err         error
}

// Succeed builds a successful result.
func Succeed(ref string) Result {
	return Result{Success: true, ProviderRef: ref}
}

// Fail builds a classified failure result.
func Fail(kind db.ErrorKind, err error) Result {
	return Result{Success: false, ErrorKind: kind, Err: err}
}

// Adapter is the uniform interface over one external provider on one
// channel. Send performs a real delivery; Probe is a synthetic health
// check that must not reach an end user.
type Adapter interface {
	Name() string
	Channel() db.Channel
	Priority() int
	Send(ctx context.Context, msg Message) Result
	Probe(ctx context.Context) error
}

// Registry holds the configured adapters and answers priority-ordered
// candidate lists per channel.
type Registry struct {
	adapters []Adapter
}

// NewRegistry creates a registry over the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// ForChannel returns the adapters serving a channel, lowest priority
// number first. The slice is freshly allocated; callers may filter it.
func (r *Registry) ForChannel(ch db.Channel) []Adapter {
	var out []Adapter
	for _, a := range r.adapters {
		if a.Channel() == ch {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority() < out[j].Priority()
	})
	return out
}

// Find returns the adapter with the given name and channel, or nil.
func (r *Registry) Find(name string, ch db.Channel) Adapter {
	for _, a := range r.adapters {
		if a.Name() == name && a.Channel() == ch {
			return a
		}
	}
	return nil
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	return r.adapters
}

// Channels returns the distinct channels with at least one adapter.
func (r *Registry) Channels() []db.Channel {
	seen := make(map[db.Channel]bool)
	var out []db.Channel
	for _, a := range r.adapters {
		if !seen[a.Channel()] {
			seen[a.Channel()] = true
			out = append(out, a.Channel())
		}
	}
	return out
}
