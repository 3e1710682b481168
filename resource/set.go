package resource

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	pb "go.spoilers.dev/core/protocol"
)

// Set is an immutable set of Resources, indexed by name and endpoint.
type Set struct {
	byName     map[string]*Resource
	byEndpoint map[string]*Resource
	names      []string
}

// NewSet returns a Set of the Resources. Resource names and endpoints must
// be unique.
func NewSet(resources ...*Resource) (*Set, error) {
	var s = &Set{
		byName:     make(map[string]*Resource, len(resources)),
		byEndpoint: make(map[string]*Resource, len(resources)),
	}
	for _, r := range resources {
		var name, ep = r.spec.Name, r.spec.EndpointPath()

		if _, ok := s.byName[name]; ok {
			return nil, fmt.Errorf("duplicate resource name (%s)", name)
		} else if other, ok := s.byEndpoint[ep]; ok {
			return nil, fmt.Errorf("resources %s and %s have the same endpoint (%s)",
				other.spec.Name, name, ep)
		}
		s.byName[name] = r
		s.byEndpoint[ep] = r
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	return s, nil
}

// Lookup the Resource of the name. A missing Resource is ErrUnknownResource.
func (s *Set) Lookup(name string) (*Resource, error) {
	if r, ok := s.byName[name]; ok {
		return r, nil
	}
	return nil, errors.WithMessagef(pb.ErrUnknownResource, "%s", name)
}

// ByEndpoint returns the Resource served at the endpoint path, if any.
func (s *Set) ByEndpoint(path string) (*Resource, bool) {
	var r, ok = s.byEndpoint[path]
	return r, ok
}

// All returns the Resources of the Set, ordered by name.
func (s *Set) All() []*Resource {
	var out = make([]*Resource, len(s.names))
	for i, name := range s.names {
		out[i] = s.byName[name]
	}
	return out
}
