package deviceplugin

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"k8s.io/klog/v2"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

// dialTimeout bounds both the liveness probe against our own freshly
// served socket and the registration call against kubelet's socket.
const dialTimeout = 5 * time.Second

// grpcServer serves one DevicePluginServer on a unix socket under
// pluginDir and registers it with kubelet under kubeletSocketPath. It
// is shared by the instance and configuration plugins, the only
// difference between them being the resource name and the service
// implementation itself.
type grpcServer struct {
	pluginDir         string
	kubeletSocketPath string
	resourceName      string
	socketPath        string

	server *grpc.Server
	stop   chan struct{}
}

func newGRPCServer(pluginDir, kubeletSocketPath, resourceName, socketName string) *grpcServer {
	return &grpcServer{
		pluginDir:         pluginDir,
		kubeletSocketPath: kubeletSocketPath,
		resourceName:      resourceName,
		socketPath:        filepath.Join(pluginDir, socketName),
		stop:              make(chan struct{}),
	}
}

// serveAndRegister starts the gRPC server and performs the kubelet
// registration handshake. impl must implement
// pluginapi.DevicePluginServer; it is accepted as an interface so
// callers don't need to import the package's concrete plugin types.
func (g *grpcServer) serveAndRegister(ctx context.Context, impl pluginapi.DevicePluginServer) error {
	os.Remove(g.socketPath)
	lis, err := net.Listen("unix", g.socketPath)
	if err != nil {
		return fmt.Errorf("deviceplugin: listen on %s: %w", g.socketPath, err)
	}

	g.server = grpc.NewServer()
	pluginapi.RegisterDevicePluginServer(g.server, impl)

	go g.serveWithRestart(lis)

	conn, err := dial(ctx, g.socketPath)
	if err != nil {
		return fmt.Errorf("deviceplugin: socket %s did not come up: %w", g.socketPath, err)
	}
	conn.Close()

	opts, err := impl.GetDevicePluginOptions(ctx, &pluginapi.Empty{})
	if err != nil {
		g.Stop()
		return fmt.Errorf("deviceplugin: reading plugin options: %w", err)
	}
	if err := g.register(ctx, opts); err != nil {
		g.Stop()
		return err
	}
	return nil
}

func (g *grpcServer) serveWithRestart(lis net.Listener) {
	lastCrash := time.Now()
	restarts := 0
	for {
		err := g.server.Serve(lis)
		if err == nil {
			return
		}
		select {
		case <-g.stop:
			return
		default:
		}
		klog.ErrorS(err, "deviceplugin: grpc server crashed", "resource", g.resourceName)
		if restarts > 5 {
			klog.ErrorS(err, "deviceplugin: repeated crashes, giving up", "resource", g.resourceName)
			return
		}
		if time.Since(lastCrash) > time.Hour {
			restarts = 0
		}
		restarts++
		lastCrash = time.Now()
	}
}

func (g *grpcServer) register(ctx context.Context, opts *pluginapi.DevicePluginOptions) error {
	conn, err := dial(ctx, g.kubeletSocketPath)
	if err != nil {
		return fmt.Errorf("deviceplugin: dial kubelet: %w", err)
	}
	defer conn.Close()

	client := pluginapi.NewRegistrationClient(conn)
	req := &pluginapi.RegisterRequest{
		Version:      pluginapi.Version,
		Endpoint:     filepath.Base(g.socketPath),
		ResourceName: g.resourceName,
		Options:      opts,
	}
	registerCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if _, err := client.Register(registerCtx, req); err != nil {
		return fmt.Errorf("deviceplugin: register %s with kubelet: %w", g.resourceName, err)
	}
	return nil
}

// Stop shuts the gRPC server down and removes its socket.
func (g *grpcServer) Stop() {
	select {
	case <-g.stop:
		return
	default:
		close(g.stop)
	}
	if g.server != nil {
		g.server.Stop()
	}
	os.Remove(g.socketPath)
}

func dial(ctx context.Context, socketPath string) (*grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return grpc.DialContext(dialCtx, socketPath,
		grpc.WithInsecure(),
		grpc.WithBlock(),
		grpc.WithContextDialer(func(_ context.Context, addr string) (net.Conn, error) {
			return net.DialTimeout("unix", addr, dialTimeout)
		}),
	)
}
