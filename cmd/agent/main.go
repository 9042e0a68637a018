package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
	"github.com/project-akri/akri-agent/pkg/apiserver"
	"github.com/project-akri/akri-agent/pkg/cdi"
	"github.com/project-akri/akri-agent/pkg/discovery"
	"github.com/project-akri/akri-agent/pkg/handlers/sysfs"
	"github.com/project-akri/akri-agent/pkg/metrics"
	"github.com/project-akri/akri-agent/pkg/pluginmanager"
	"github.com/project-akri/akri-agent/pkg/reconciler"
	"github.com/project-akri/akri-agent/pkg/version"
)

var (
	resourceNamePrefix = flag.String("resource-name-prefix", "akri.sh", "Prefix for kubelet extended resource names")
	pluginDir          = flag.String("plugin-dir", "/var/lib/kubelet/device-plugins", "Directory the agent serves Device Plugin sockets from")
	kubeletSocket      = flag.String("kubelet-socket", "/var/lib/kubelet/device-plugins/kubelet.sock", "Path to the kubelet registration socket")
	nriPluginName      = flag.String("nri-plugin-name", "akri-agent", "NRI plugin name this agent registers as with the container runtime")
	reconcileInterval  = flag.Duration("reconcile-interval", 30*time.Second, "Interval between slot reconciler ticks")
	reconcileGrace     = flag.Duration("reconcile-grace-period", 5*time.Minute, "How long a this-node slot may be absent from the runtime view before the reconciler clears it")
	instanceResync     = flag.Duration("instance-resync", 10*time.Minute, "Resync interval for the Instance watch")
	configResync       = flag.Duration("configuration-resync", 10*time.Minute, "Resync interval for the Configuration watch")
	writeQPS           = flag.Float64("apiserver-write-qps", 0, "Instance write rate limit (0 picks a conservative default)")
	writeBurst         = flag.Int("apiserver-write-burst", 0, "Instance write burst (0 picks a conservative default)")
	metricsAddr        = flag.String("metrics-address", ":9102", "Address to serve /metrics and /healthz on")
	reconcileWorkers   = flag.Int("reconcile-workers", 2, "Number of Instance reconcile workers")
	showVersion        = flag.Bool("version", false, "Show version and exit")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *showVersion {
		fmt.Printf("akri-agent version %s\n", version.GetFullVersion())
		os.Exit(0)
	}

	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		klog.Fatal("NODE_NAME environment variable must be set")
	}

	klog.InfoS("starting akri-agent", "version", version.GetFullVersion(), "node", nodeName)

	stopCh := setupSignalHandler()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stopCh
		klog.Info("received stop signal, shutting down")
		cancel()
	}()

	if err := run(ctx, nodeName, stopCh); err != nil {
		klog.Fatalf("akri-agent exited with error: %v", err)
	}
	klog.Info("exiting")
}

func run(ctx context.Context, nodeName string, stopCh <-chan struct{}) error {
	client, err := apiserver.InClusterClient(*writeQPS, *writeBurst)
	if err != nil {
		return fmt.Errorf("building API server client: %w", err)
	}

	cdiManager := cdi.NewManager()
	registry := discovery.NewRegistry(cdiManager)
	solver := discovery.NewPropertySolver(client)

	sysfsEndpoint := sysfs.NewEndpoint(nodeName, nodeName)
	registry.RegisterEndpoint(sysfsEndpoint)

	runDiscoveryRequests(ctx, registry, client, solver, stopCh)

	mgr := pluginmanager.New(client, cdiManager, nodeName, *resourceNamePrefix, *pluginDir, *kubeletSocket)
	onAdd, onUpdate, onDelete := mgr.EventHandler()
	instanceInformer := client.WatchInstances(apiserver.InstanceEventHandler{
		OnAdd:    onAdd,
		OnUpdate: onUpdate,
		OnDelete: onDelete,
	}, *instanceResync, stopCh)
	go mgr.Run(ctx, *reconcileWorkers)

	runtimeView, err := reconciler.NewNRIRuntimeView(*nriPluginName)
	if err != nil {
		return fmt.Errorf("connecting slot reconciler to the container runtime: %w", err)
	}
	go func() {
		if err := runtimeView.Run(ctx); err != nil {
			klog.ErrorS(err, "reconciler: NRI runtime view stopped")
		}
	}()

	instances := apiserver.NewInstanceIndexer(instanceInformer)
	recon := reconciler.New(runtimeView, instances, client, client, nodeName, *reconcileGrace)
	go recon.Run(ctx, apiserver.Jitter(*reconcileInterval, 0.1))

	serveMetrics(ctx, *metricsAddr)

	<-ctx.Done()
	return nil
}

// runDiscoveryRequests starts a Configuration watch that drives
// discovery requests. It is pure plumbing over whatever Configurations
// already exist in the cluster: deciding which Configurations should
// exist is a cluster-wide controller's job, not this node agent's.
func runDiscoveryRequests(ctx context.Context, registry *discovery.Registry, client *apiserver.Client, solver discovery.PropertySolver, stopCh <-chan struct{}) {
	client.WatchConfigurations(apiserver.ConfigurationEventHandler{
		OnAdd: func(cfg *akri.Configuration) {
			key := discovery.RequestKey{Namespace: cfg.Namespace, Name: cfg.Name}
			prefix := cfg.ResourceNamePrefix
			if prefix == "" {
				prefix = *resourceNamePrefix
			}
			_, err := registry.NewRequest(ctx, discovery.NewRequestParams{
				Key:                   key,
				HandlerName:           cfg.DiscoveryHandler.Name,
				Details:               cfg.DiscoveryHandler.Details,
				Properties:            cfg.DiscoveryHandler.Properties,
				ExtraDeviceProperties: cfg.BrokerProperties,
				PropertySolver:        solver,
				ResourceNamePrefix:    prefix,
			})
			if err != nil {
				klog.ErrorS(err, "discovery: could not start request for configuration", "configuration", key)
			}
		},
		OnDelete: func(namespace, name string) {
			registry.TerminateRequest(discovery.RequestKey{Namespace: namespace, Name: name})
		},
	}, *configResync, stopCh)
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "metrics server stopped unexpectedly")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// setupSignalHandler registers for SIGTERM and SIGINT and returns a
// stop channel; a second signal exits immediately rather than waiting
// on a graceful shutdown that isn't converging.
func setupSignalHandler() <-chan struct{} {
	stop := make(chan struct{})
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		close(stop)
		<-c
		os.Exit(1)
	}()
	return stop
}
