// Package gnmi subscribes to telemetry through the standard streaming
// management protocol: one subscribe request built from the configured
// sensor paths, then an indefinite receive loop.
package gnmi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/gnxi/utils/xpath"
	gnmipb "github.com/openconfig/gnmi/proto/gnmi"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"

	"github.com/c360/rtnm/config"
	"github.com/c360/rtnm/envelope"
	"github.com/c360/rtnm/errors"
	"github.com/c360/rtnm/metric"
	"github.com/c360/rtnm/resolver"
)

// Adapter is the streaming protocol adapter for one device
type Adapter struct {
	device  config.Device
	metrics *metric.Metrics
	logger  *slog.Logger
}

// New creates a streaming adapter for the device
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
	return envelope.ProtocolGNMI
}

// Subscribe resolves device metadata, sends the one subscribe request and
// receives until the stream ends. Metadata lookups degrade to empty values
// rather than aborting. A nil return means the server closed the stream
// cleanly or shutdown was requested.
func (a *Adapter) Subscribe(ctx context.Context, cc grpc.ClientConnInterface, emit func(envelope.Envelope)) error {
	request, err := a.buildRequest()
	if err != nil {
		return err
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		"username", a.device.Username,
		"password", a.device.Password)
	if timeout := a.device.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	hostname, version := a.resolveMetadata(ctx, cc)

	stream, err := gnmipb.NewGNMIClient(cc).Subscribe(ctx)
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrDeviceFailedToConnect, err),
			"gnmi", "Subscribe", "stream open")
	}
	if err := stream.Send(request); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrDeviceFailedToConnect, err),
			"gnmi", "Subscribe", "subscribe request send")
	}

	for {
		resp, err := stream.Recv()
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
				"gnmi", "Subscribe", "stream receive")
		}

		switch r := resp.GetResponse().(type) {
		case *gnmipb.SubscribeResponse_Error:
			a.logger.Error("device reported subscription error",
				"message", r.Error.GetMessage(), "code", r.Error.GetCode())
			return errors.WrapTransient(
				fmt.Errorf("%w: %s", errors.ErrDeviceDisconnected, r.Error.GetMessage()),
				"gnmi", "Subscribe", "error response")
		case *gnmipb.SubscribeResponse_SyncResponse:
			a.logger.Debug("received all subscribed values at least once")
		default:
			payload, err := proto.Marshal(resp)
			if err != nil {
				return errors.WrapInvalid(err, "gnmi", "Subscribe", "response serialization")
			}
			emit(envelope.Envelope{
				Protocol: envelope.ProtocolGNMI,
				Payload:  payload,
				Hostname: hostname,
				Version:  version,
			})
		}
	}
}

// buildRequest assembles the single outbound subscribe request
func (a *Adapter) buildRequest() (*gnmipb.SubscribeRequest, error) {
	spec := a.device.GNMI

	listMode, ok := gnmipb.SubscriptionList_Mode_value[strings.ToUpper(orDefault(spec.StreamMode, "STREAM"))]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown stream mode %q", errors.ErrInvalidConfig, spec.StreamMode),
			"gnmi", "buildRequest", "stream mode selection")
	}
	subMode, ok := gnmipb.SubscriptionMode_value[strings.ToUpper(orDefault(spec.SubscriptionMode, "SAMPLE"))]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown subscription mode %q", errors.ErrInvalidConfig, spec.SubscriptionMode),
			"gnmi", "buildRequest", "subscription mode selection")
	}
	encoding, ok := gnmipb.Encoding_value[strings.ToUpper(orDefault(a.device.Encoding, "PROTO"))]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown encoding %q", errors.ErrInvalidConfig, a.device.Encoding),
			"gnmi", "buildRequest", "encoding selection")
	}

	subscriptions := make([]*gnmipb.Subscription, 0, len(spec.Sensors))
	for _, sensor := range spec.Sensors {
		path, err := xpath.ToGNMIPath(sensor)
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: sensor path %q: %v", errors.ErrInvalidConfig, sensor, err),
				"gnmi", "buildRequest", "sensor path parse")
		}
		subscriptions = append(subscriptions, &gnmipb.Subscription{
			Path:           path,
			Mode:           gnmipb.SubscriptionMode(subMode),
			SampleInterval: spec.SampleInterval,
		})
	}

	return &gnmipb.SubscribeRequest{
		Request: &gnmipb.SubscribeRequest_Subscribe{
			Subscribe: &gnmipb.SubscriptionList{
				Subscription: subscriptions,
				Mode:         gnmipb.SubscriptionList_Mode(listMode),
				Encoding:     gnmipb.Encoding(encoding),
			},
		},
	}, nil
}

// resolveMetadata fetches hostname and version through two independent
// lookups. Either one may degrade to the empty string.
func (a *Adapter) resolveMetadata(ctx context.Context, cc grpc.ClientConnInterface) (hostname, version string) {
	r := resolver.New(cc, a.logger)

	version, err := r.Version(ctx)
	if err != nil {
		a.logger.Warn("version lookup failed", "error", err)
		a.countResolutionFailure("version")
		version = ""
	}

	hostname, err = r.Hostname(ctx)
	if err != nil {
		a.logger.Warn("hostname lookup failed", "error", err)
		a.countResolutionFailure("hostname")
		hostname = ""
	}

	return hostname, version
}

func (a *Adapter) countResolutionFailure(field string) {
	if a.metrics != nil {
		a.metrics.ResolutionFailures.WithLabelValues(a.device.Name, field).Inc()
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
