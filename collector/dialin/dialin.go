// Package dialin subscribes to telemetry through the vendor dial-in RPC.
// The device pushes pre-configured subscription streams; the adapter only
// names the subscription ids it wants and forwards each segment unparsed.
package dialin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	ems "github.com/nleiva/xrgrpc/proto/ems"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/c360/rtnm/config"
	"github.com/c360/rtnm/envelope"
	"github.com/c360/rtnm/errors"
	"github.com/c360/rtnm/metric"
	"github.com/c360/rtnm/resolver"
)

// unresolvedVersion is the placeholder used when the version lookup degrades
const unresolvedVersion = "Unknown"

// Encoding values understood by the dial-in subscribe RPC
var encodings = map[string]int64{
	"gpb":   2,
	"gpbkv": 3,
	"json":  4,
}

// Adapter is the dial-in protocol adapter for one device
type Adapter struct {
	device  config.Device
	metrics *metric.Metrics
	logger  *slog.Logger
}

// New creates a dial-in adapter for the device
func New(device config.Device, metrics *metric.Metrics, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default().With("device", device.Name)
	}
	return &Adapter{
		device:  device,
		metrics: metrics,
		logger:  logger,
	}
}

// Protocol tags envelopes produced by this adapter
func (a *Adapter) Protocol() envelope.Protocol {
	return envelope.ProtocolDialIn
}

// Subscribe opens the dial-in subscription and forwards segments until the
// stream ends. Version is resolved first through a gNMI lookup over the
// same channel; a failed lookup degrades to the placeholder instead of
// aborting. A nil return means the device closed the stream cleanly.
func (a *Adapter) Subscribe(ctx context.Context, cc grpc.ClientConnInterface, emit func(envelope.Envelope)) error {
	encode, ok := encodings[a.device.Encoding]
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown dial-in encoding %q", errors.ErrInvalidConfig, a.device.Encoding),
			"dialin", "Subscribe", "encoding selection")
	}

	// The generated dial-in bindings predate grpc.ClientConnInterface and
	// need the concrete connection.
	conn, ok := cc.(*grpc.ClientConn)
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: dial-in needs a *grpc.ClientConn, got %T", errors.ErrInvalidConfig, cc),
			"dialin", "Subscribe", "channel selection")
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		"username", a.device.Username,
		"password", a.device.Password)
	if timeout := a.device.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	version := a.resolveVersion(ctx, cc)

	stream, err := ems.NewGRPCConfigOperClient(conn).CreateSubs(ctx, &ems.CreateSubsArgs{
		ReqId:    1,
		Encode:   encode,
		Subidstr: strings.Join(a.device.DialIn.Subscriptions, ","),
	})
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrDeviceFailedToConnect, err),
			"dialin", "Subscribe", "subscription create")
	}

	for {
		segment, err := stream.Recv()
		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			if ctx.Err() != nil {
				// Shutdown, not a device fault
				return nil
			}
			return errors.WrapTransient(
				fmt.Errorf("%w: %v", errors.ErrStreamClosed, err),
				"dialin", "Subscribe", "stream receive")
		}

		if msg := segment.GetErrors(); msg != "" {
			a.logger.Error("device reported subscription error", "errors", msg)
			return errors.WrapTransient(
				fmt.Errorf("%w: %s", errors.ErrDeviceDisconnected, msg),
				"dialin", "Subscribe", "error segment")
		}

		emit(envelope.Envelope{
			Protocol: envelope.ProtocolDialIn,
			Payload:  segment.GetData(),
			Version:  version,
		})
	}
}

// resolveVersion is cross-protocol on purpose: even on a dial-in channel
// the software version comes from the standard Get mechanism.
func (a *Adapter) resolveVersion(ctx context.Context, cc grpc.ClientConnInterface) string {
	version, err := resolver.New(cc, a.logger).Version(ctx)
	if err != nil {
		a.logger.Warn("version lookup failed, using placeholder", "error", err)
		if a.metrics != nil {
			a.metrics.ResolutionFailures.WithLabelValues(a.device.Name, "version").Inc()
		}
		return unresolvedVersion
	}
	return version
}
