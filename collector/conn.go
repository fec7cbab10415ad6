// Package collector implements the per-device subscription worker: channel
// construction, the connect/retry state machine, and the envelope boundary.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"

	"github.com/c360/rtnm/config"
	"github.com/c360/rtnm/errors"
	"github.com/c360/rtnm/metric"
	"github.com/c360/rtnm/pkg/tlsutil"
)

// readyTimeout bounds the channel readiness wait on every dial
const readyTimeout = 10 * time.Second

// ChannelProvider builds and tears down the device channel. The plaintext
// and TLS variants are the same provider driven by the device's TLS block,
// not separate types; tests substitute in-process channels.
type ChannelProvider interface {
	Dial(ctx context.Context) (grpc.ClientConnInterface, error)
	Close() error
	Connected() bool
}

// Conn is the production ChannelProvider for one device
type Conn struct {
	device  config.Device
	metrics *metric.Metrics
	logger  *slog.Logger

	// Target overrides the dial target derived from the device address.
	// Tests point it at an in-process listener.
	Target string
	// DialOptions are appended to the computed options
	DialOptions []grpc.DialOption

	mu        sync.Mutex
	cc        *grpc.ClientConn
	connected atomic.Bool
}

// NewConn creates a channel provider for the device
func NewConn(device config.Device, metrics *metric.Metrics, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default().With("device", device.Name)
	}
	return &Conn{
		device:  device,
		metrics: metrics,
		logger:  logger,
	}
}

// Dial builds the channel and blocks until it is ready or the readiness
// timeout elapses. On timeout the channel is torn down and a connect fault
// returned; the worker decides retry versus terminate.
func (c *Conn) Dial(ctx context.Context) (grpc.ClientConnInterface, error) {
	opts, err := c.dialOptions()
	if err != nil {
		return nil, err
	}

	target := c.Target
	if target == "" {
		target = c.device.Target()
	}

	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Conn", "Dial", "channel construction")
	}

	waitCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	cc.Connect()
	for {
		state := cc.GetState()
		if state == connectivity.Ready {
			break
		}
		if !cc.WaitForStateChange(waitCtx, state) {
			_ = cc.Close()
			c.setConnected(false)
			c.logger.Error("can't connect to device", "target", target, "timeout", readyTimeout)
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: %s not ready within %s", errors.ErrDeviceFailedToConnect, target, readyTimeout),
				"Conn", "Dial", "channel readiness")
		}
	}

	c.mu.Lock()
	c.cc = cc
	c.mu.Unlock()
	c.setConnected(true)
	c.logger.Info("connected", "target", target)

	return cc, nil
}

// Close tears the channel down. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	cc := c.cc
	c.cc = nil
	c.mu.Unlock()

	c.setConnected(false)
	if cc == nil {
		return nil
	}
	return cc.Close()
}

// Connected reports the advisory liveness flag. It may race with internal
// transitions; callers use it for observability only, never correctness.
func (c *Conn) Connected() bool {
	return c.connected.Load()
}

func (c *Conn) setConnected(up bool) {
	c.connected.Store(up)
	if c.metrics != nil {
		v := 0.0
		if up {
			v = 1.0
		}
		c.metrics.DeviceConnected.WithLabelValues(c.device.Name).Set(v)
	}
}

func (c *Conn) dialOptions() ([]grpc.DialOption, error) {
	var opts []grpc.DialOption

	if c.device.TLS != nil {
		creds, err := tlsutil.TransportCredentials(c.device.TLS.CAFile, c.device.TLS.ServerNameOverride)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if c.device.Compression {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor(gzip.Name)))
	}

	return append(opts, c.DialOptions...), nil
}
