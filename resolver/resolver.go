// Package resolver fetches device metadata through gNMI point lookups.
// Both protocol adapters use it before entering their subscribe loops; the
// dial-in adapter issues the same gNMI Get over its vendor channel.
package resolver

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/gnxi/utils/xpath"
	gnmipb "github.com/openconfig/gnmi/proto/gnmi"
	"google.golang.org/grpc"

	"github.com/c360/rtnm/errors"
)

// Well-known configuration paths for device identity
const (
	versionPath  = "openconfig-platform:components/component/state/software-version"
	hostnamePath = "Cisco-IOS-XR-shellutil-cfg:host-names"
)

// Resolver performs point lookups on a device channel. Calls are blocking
// and share the worker's channel and per-RPC credentials (already attached
// to the context by the caller).
type Resolver struct {
	client gnmipb.GNMIClient
	logger *slog.Logger
}

// New creates a resolver over an open device channel
func New(cc grpc.ClientConnInterface, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		client: gnmipb.NewGNMIClient(cc),
		logger: logger,
	}
}

// Version resolves the device software version from the platform components
// tree. The JSON_IETF value arrives as a wrapped scalar (braces and quotes
// around the bare version string), which is stripped here.
func (r *Resolver) Version(ctx context.Context) (string, error) {
	raw, err := r.get(ctx, versionPath, gnmipb.GetRequest_STATE)
	if err != nil {
		return "", errors.WrapTransient(err, "resolver", "Version", "software-version lookup")
	}
	if raw == nil {
		return "", errors.WrapTransient(errors.ErrResolutionFailed,
			"resolver", "Version", "empty software-version response")
	}
	return strings.Trim(strings.Trim(string(raw), "{}"), `"`), nil
}

// Hostname resolves the configured host name. An absent value is not an
// error: devices without a configured host name yield the empty string.
func (r *Resolver) Hostname(ctx context.Context) (string, error) {
	raw, err := r.get(ctx, hostnamePath, gnmipb.GetRequest_CONFIG)
	if err != nil {
		return "", errors.WrapTransient(err, "resolver", "Hostname", "host-name lookup")
	}
	if len(raw) == 0 {
		return "", nil
	}

	var body struct {
		HostName string `json:"host-name"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", errors.WrapInvalid(err, "resolver", "Hostname", "host-name parse")
	}
	return body.HostName, nil
}

// get issues a single structured-encoding Get and returns the raw JSON_IETF
// value of the last update, nil when the response carried none.
func (r *Resolver) get(ctx context.Context, path string, dataType gnmipb.GetRequest_DataType) ([]byte, error) {
	p, err := xpath.ToGNMIPath(path)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Get(ctx, &gnmipb.GetRequest{
		Path:     []*gnmipb.Path{p},
		Type:     dataType,
		Encoding: gnmipb.Encoding_JSON_IETF,
	})
	if err != nil {
		return nil, err
	}

	var raw []byte
	for _, notification := range resp.GetNotification() {
		for _, update := range notification.GetUpdate() {
			raw = update.GetVal().GetJsonIetfVal()
		}
	}
	return raw, nil
}
