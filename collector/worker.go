package collector

import (
	"context"
	"log/slog"
	"sync/atomic"

	"google.golang.org/grpc"

	"github.com/c360/rtnm/config"
	"github.com/c360/rtnm/envelope"
	"github.com/c360/rtnm/errors"
	"github.com/c360/rtnm/metric"
	"github.com/c360/rtnm/pkg/retry"
)

// State is the worker lifecycle phase. Transitions are monotonic within a
// connection cycle and Terminated is final.
type State int32

const (
	// StateDisconnected is the initial state and the state between attempts
	StateDisconnected State = iota
	// StateConnecting means a dial is in flight
	StateConnecting
	// StateStreaming means the subscription is live
	StateStreaming
	// StateTerminated means the worker has given up or was shut down
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Adapter runs one protocol's subscribe loop over an open channel. Subscribe
// blocks until the stream ends: a nil return means the server closed the
// stream cleanly, a non-nil return reports the fault. Received messages are
// handed to emit as they arrive.
type Adapter interface {
	Protocol() envelope.Protocol
	Subscribe(ctx context.Context, cc grpc.ClientConnInterface, emit func(envelope.Envelope)) error
}

// WorkerDeps carries the worker's dependencies. Channel defaults to the
// production provider for the device, Backoff to the reconnect pacing;
// tests substitute their own.
type WorkerDeps struct {
	Device  config.Device
	Adapter Adapter
	Queue   *envelope.Queue
	Channel ChannelProvider
	Backoff retry.Config
	Metrics *metric.Metrics
	Logger  *slog.Logger
}

// Worker owns the full lifecycle of one device subscription: connect,
// stream, reconnect with backoff, terminate. Workers never interact with
// each other; the queue is their only shared structure.
type Worker struct {
	device  config.Device
	adapter Adapter
	queue   *envelope.Queue
	channel ChannelProvider
	metrics *metric.Metrics
	logger  *slog.Logger

	backoff  *retry.Schedule
	state    atomic.Int32
	streamed atomic.Bool
}

// debugHandler lifts the level floor of the wrapped handler so a single
// device can log at debug while the process logger keeps its configured
// level.
type debugHandler struct {
	slog.Handler
}

func (h debugHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h debugHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return debugHandler{h.Handler.WithAttrs(attrs)}
}

func (h debugHandler) WithGroup(name string) slog.Handler {
	return debugHandler{h.Handler.WithGroup(name)}
}

// NewWorker creates a worker for one device
func NewWorker(deps WorkerDeps) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Device.Debug {
		logger = slog.New(debugHandler{logger.Handler()})
	}
	logger = logger.With("device", deps.Device.Name, "protocol", deps.Device.Protocol)

	channel := deps.Channel
	if channel == nil {
		channel = NewConn(deps.Device, deps.Metrics, logger)
	}

	backoff := deps.Backoff
	if backoff == (retry.Config{}) {
		backoff = retry.Reconnect()
	}

	return &Worker{
		device:  deps.Device,
		adapter: deps.Adapter,
		queue:   deps.Queue,
		channel: channel,
		metrics: deps.Metrics,
		logger:  logger,
		backoff: backoff.NewSchedule(),
	}
}

// State reports the current lifecycle phase
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Connected reports the advisory channel liveness flag
func (w *Worker) Connected() bool {
	return w.channel.Connected()
}

// Run drives the connection cycle until the context is cancelled or the
// worker terminates. Faults never escape: they are logged, counted and
// turned into state transitions, so one device's failure cannot take down
// its siblings in the errgroup. Run always returns nil.
func (w *Worker) Run(ctx context.Context) error {
	defer w.setState(StateTerminated)
	defer func() { _ = w.channel.Close() }()

	for {
		w.setState(StateConnecting)
		cc, err := w.channel.Dial(ctx)
		if err != nil {
			w.logger.Error("connect failed", "error", err)
			if errors.IsInvalid(err) {
				return nil
			}
			w.setState(StateDisconnected)
			if !w.pause(ctx) {
				return nil
			}
			continue
		}

		w.setState(StateStreaming)
		w.streamed.Store(false)
		streamErr := w.adapter.Subscribe(ctx, cc, w.emit)
		_ = w.channel.Close()
		w.setState(StateDisconnected)

		// A stream that delivered data earns a fresh backoff schedule;
		// an attempt that died before first data keeps escalating.
		if w.streamed.Load() {
			w.backoff.Reset()
		}

		switch {
		case streamErr == nil:
			w.logger.Info("stream closed by device")
		case errors.IsInvalid(streamErr):
			// Misconfiguration cannot heal by reconnecting
			w.logger.Error("subscription rejected", "error", streamErr)
			return nil
		default:
			w.logger.Error("stream failed", "error", streamErr)
			if w.metrics != nil {
				w.metrics.StreamErrors.WithLabelValues(w.device.Name).Inc()
			}
		}

		if !w.pause(ctx) {
			return nil
		}
	}
}

// pause sleeps out the next backoff delay before another attempt. It
// returns false when the worker should terminate instead: retry disabled
// for this device, or shutdown requested.
func (w *Worker) pause(ctx context.Context) bool {
	if ctx.Err() != nil || !w.device.Retry {
		return false
	}

	if w.metrics != nil {
		w.metrics.Reconnects.WithLabelValues(w.device.Name).Inc()
	}

	delay := w.backoff.Next()
	w.logger.Info("reconnecting", "delay", delay)
	return retry.Sleep(ctx, delay) == nil
}

// emit stamps the device name onto an adapter-produced envelope and hands
// it to the queue. Never blocks.
func (w *Worker) emit(e envelope.Envelope) {
	e.Device = w.device.Name
	w.queue.Push(e)
	w.streamed.Store(true)

	if w.metrics != nil {
		w.metrics.EnvelopesProduced.WithLabelValues(w.device.Name, string(e.Protocol)).Inc()
	}
}

func (w *Worker) setState(s State) {
	old := State(w.state.Swap(int32(s)))
	if old != s {
		w.logger.Debug("worker state change", "from", old, "to", s)
	}
}
