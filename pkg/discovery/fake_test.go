package discovery

import (
	"context"
	"sync"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
)

// fakeEndpoint is an in-process discovery Endpoint for tests. Pushing
// onto updates feeds a new snapshot to every active query's sink.
type fakeEndpoint struct {
	name string
	uid  string

	mu     sync.Mutex
	sinks  []chan<- []akri.DiscoveredDevice
	closed chan struct{}
	once   sync.Once
}

func newFakeEndpoint(name, uid string) *fakeEndpoint {
	return &fakeEndpoint{name: name, uid: uid, closed: make(chan struct{})}
}

func (f *fakeEndpoint) Query(ctx context.Context, _ DiscoverRequest, sink chan<- []akri.DiscoveredDevice) error {
	f.mu.Lock()
	f.sinks = append(f.sinks, sink)
	f.mu.Unlock()
	return nil
}

func (f *fakeEndpoint) Name() string             { return f.name }
func (f *fakeEndpoint) UID() string              { return f.uid }
func (f *fakeEndpoint) Closed() <-chan struct{}  { return f.closed }

func (f *fakeEndpoint) Close() {
	f.once.Do(func() { close(f.closed) })
}

// push delivers devices to every sink currently subscribed via Query.
func (f *fakeEndpoint) push(devices []akri.DiscoveredDevice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sinks {
		s <- devices
	}
}

type fakeConfigLookup struct {
	configMaps map[string]map[string][]byte
	secrets    map[string]map[string][]byte
}

func (f *fakeConfigLookup) GetConfigMapKey(_ context.Context, namespace, name, key string) ([]byte, bool, error) {
	m, ok := f.configMaps[namespace+"/"+name]
	if !ok {
		return nil, false, nil
	}
	v, ok := m[key]
	return v, ok, nil
}

func (f *fakeConfigLookup) GetSecretKey(_ context.Context, namespace, name, key string) ([]byte, bool, error) {
	m, ok := f.secrets[namespace+"/"+name]
	if !ok {
		return nil, false, nil
	}
	v, ok := m[key]
	return v, ok, nil
}
