// Package apiserver is the agent's sole collaborator for the Kubernetes
// API server: typed reads of ConfigMaps/Secrets for property solving,
// and dynamic-client reads/writes/watches of the Configuration and
// Instance custom resources.
package apiserver

import (
	"fmt"

	"golang.org/x/time/rate"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

var (
	configurationGVR = schemaGVR("configurations")
	instanceGVR      = schemaGVR("instances")
)

// Client is the concrete, cluster-backed implementation of every
// interface this package exports. NewClient builds one from an
// in-cluster or kubeconfig-derived rest.Config.
type Client struct {
	typed   kubernetes.Interface
	dynamic dynamic.Interface

	// writeLimiter throttles Instance write calls so a reconcile storm
	// (many instances going unhealthy at once) doesn't hammer the API
	// server; it does not bound retry attempts, which is wait.Backoff's
	// job in instance.go.
	writeLimiter *rate.Limiter
}

// NewClient builds a Client from config. writeQPS/writeBurst bound the
// steady-state rate of Instance write calls; 0 picks a conservative
// default of 20 qps / 40 burst.
func NewClient(config *rest.Config, writeQPS float64, writeBurst int) (*Client, error) {
	typed, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("building typed clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("building dynamic client: %w", err)
	}
	if writeQPS <= 0 {
		writeQPS = 20
	}
	if writeBurst <= 0 {
		writeBurst = 40
	}
	return &Client{
		typed:        typed,
		dynamic:      dyn,
		writeLimiter: rate.NewLimiter(rate.Limit(writeQPS), writeBurst),
	}, nil
}

// InClusterClient builds a Client from the pod's in-cluster service
// account, as the agent does in production.
func InClusterClient(writeQPS float64, writeBurst int) (*Client, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("loading in-cluster config: %w", err)
	}
	return NewClient(config, writeQPS, writeBurst)
}
