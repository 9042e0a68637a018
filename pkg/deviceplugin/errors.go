package deviceplugin

// Sentinel errors are defined once in pkg/apis/akri/errors.go and
// reused here; this file intentionally holds nothing but grpc error
// mapping helpers, since the device plugin boundary needs to turn the
// shared taxonomy into gRPC status errors rather than mint its own.

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// grpcError maps a domain error to the status the kubelet gRPC surface
// should return: every error, including ErrSlotInUse and ErrNoSlot,
// becomes codes.Unknown carrying the error's message. Allocate is the
// only boundary that uses this; everything else returns the Go error
// directly and the generated server wraps it for us.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(codes.Unknown, err.Error())
}
