package discovery

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
)

// ConfigLookup is the boundary the property solver uses to resolve
// valueFrom indirections against cluster ConfigMaps/Secrets. Implemented
// by pkg/apiserver.
type ConfigLookup interface {
	GetConfigMapKey(ctx context.Context, namespace, name, key string) ([]byte, bool, error)
	GetSecretKey(ctx context.Context, namespace, name, key string) ([]byte, bool, error)
}

// PropertySolver resolves a Configuration's declarative properties into
// concrete bytes.
type PropertySolver interface {
	Solve(ctx context.Context, namespace string, props []akri.Property) (map[string][]byte, error)
}

// configLookupSolver is the real PropertySolver, backed by a
// ConfigLookup.
type configLookupSolver struct {
	lookup ConfigLookup
}

// NewPropertySolver builds a PropertySolver backed by lookup.
func NewPropertySolver(lookup ConfigLookup) PropertySolver {
	return &configLookupSolver{lookup: lookup}
}

// Solve resolves each property concurrently, writing into a pre-sized
// slice rather than a shared map so the goroutines never race.
func (s *configLookupSolver) Solve(ctx context.Context, namespace string, props []akri.Property) (map[string][]byte, error) {
	results := make([]struct {
		name  string
		value []byte
		skip  bool
	}, len(props))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range props {
		i, p := i, p
		g.Go(func() error {
			value, skip, err := s.solveOne(gctx, namespace, p)
			if err != nil {
				return err
			}
			results[i] = struct {
				name  string
				value []byte
				skip  bool
			}{p.Name, value, skip}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(props))
	for _, r := range results {
		if r.skip {
			continue
		}
		out[r.name] = r.value
	}
	return out, nil
}

func (s *configLookupSolver) solveOne(ctx context.Context, namespace string, p akri.Property) (value []byte, skip bool, err error) {
	if p.Value != nil {
		return []byte(*p.Value), false, nil
	}
	if p.ValueFrom == nil {
		return nil, true, nil
	}

	var found []byte
	var ok bool
	switch {
	case p.ValueFrom.ConfigMapName != "":
		found, ok, err = s.lookup.GetConfigMapKey(ctx, namespace, p.ValueFrom.ConfigMapName, p.ValueFrom.Key)
	case p.ValueFrom.SecretName != "":
		found, ok, err = s.lookup.GetSecretKey(ctx, namespace, p.ValueFrom.SecretName, p.ValueFrom.Key)
	default:
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("solving property %q: %w", p.Name, err)
	}
	if !ok {
		if p.Optional {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("%w: %q", akri.ErrUnsolvableProperty, p.Name)
	}
	return found, false, nil
}
