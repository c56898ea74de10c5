package jobs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Kind is the stable name prefix a job variant is registered under.
type Kind string

const (
	KindDeployment Kind = "deployment:deploy"
	KindThumbnail  Kind = "thumbnail:image"
)

// ErrUnknownKind is returned when no variant matches a job name.
var ErrUnknownKind = errors.New("unknown job kind")

// DecodeFunc turns a stored payload into a runnable job.
type DecodeFunc func(payload []byte) (Executable, error)

// Registry maps job kinds to decoders. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	decoders map[Kind]DecodeFunc
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[Kind]DecodeFunc)}
}

// DefaultRegistry knows every job variant this server produces.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	Register[Deployment](r, KindDeployment)
	Register[CreateImageThumbnail](r, KindThumbnail)
	return r
}

// Register binds kind to a decoder for T. This is a package-level generic
// function because Go does not allow generic methods.
func Register[T any, PT interface {
	*T
	Executable
}](r *Registry, kind Kind) {
	r.RegisterFunc(kind, func(payload []byte) (Executable, error) {
		v, err := Decode[T](payload)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", kind, err)
		}
		return PT(&v), nil
	})
}

func (r *Registry) RegisterFunc(kind Kind, fn DecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[kind] = fn
}

// Resolve finds the decoder for a job name. Names may carry trailing
// qualifiers ("deployment:deploy:linux"); the longest registered prefix wins.
func (r *Registry) Resolve(name string) (DecodeFunc, Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidate := name
	for {
		if fn, ok := r.decoders[Kind(candidate)]; ok {
			return fn, Kind(candidate), nil
		}
		i := strings.LastIndexByte(candidate, ':')
		if i <= 0 {
			return nil, "", fmt.Errorf("%w: %q", ErrUnknownKind, name)
		}
		candidate = candidate[:i]
	}
}

// Dispatch resolves and decodes a stored job in one step.
func (r *Registry) Dispatch(name string, payload []byte) (Executable, error) {
	fn, _, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return fn(payload)
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.decoders))
	for k := range r.decoders {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
