// Package envelope defines the normalized record produced by every protocol
// adapter and the shared queue carrying records from all workers to the sink.
package envelope

import (
	"sync"

	"github.com/c360/rtnm/metric"
)

// Protocol tags which wire protocol produced an envelope's payload
type Protocol string

const (
	// ProtocolDialIn marks payloads from the vendor dial-in subscribe RPC
	ProtocolDialIn Protocol = "ems"
	// ProtocolGNMI marks payloads from the gNMI subscribe RPC
	ProtocolGNMI Protocol = "gnmi"
)

// Envelope is one received stream message, normalized. Payload always holds
// the serialized form of the declared protocol's response message. Hostname
// may be empty (the dial-in path never resolves it). Ownership transfers to
// the queue on push.
type Envelope struct {
	Protocol Protocol
	Payload  []byte
	Hostname string
	Version  string
	Device   string
}

// Queue is the multi-producer channel between workers and the sink.
// Push never blocks the producer: when the buffer is full the oldest
// envelope is dropped to make room, and the drop is counted. Consumer
// pacing is the sink's problem, not the worker's.
type Queue struct {
	ch      chan Envelope
	metrics *metric.Metrics

	// Serializes the evict-then-push sequence under overflow so two
	// producers cannot both evict for a single free slot.
	mu sync.Mutex
}

// DefaultQueueSize buffers roughly a minute of heavy telemetry from a
// dozen devices before the overflow policy engages.
const DefaultQueueSize = 10000

// NewQueue creates a queue with the given capacity. A nil metrics is
// allowed in tests.
func NewQueue(size int, metrics *metric.Metrics) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		ch:      make(chan Envelope, size),
		metrics: metrics,
	}
}

// Push enqueues an envelope without ever blocking the caller
func (q *Queue) Push(e Envelope) {
	select {
	case q.ch <- e:
		q.observeDepth()
		return
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// Drop the oldest buffered envelope, then try once more. A consumer
	// racing us may have freed a slot already, in which case nothing is
	// evicted.
	select {
	case <-q.ch:
		q.countDrop()
	default:
	}
	select {
	case q.ch <- e:
	default:
		q.countDrop()
	}
	q.observeDepth()
}

// C returns the consumer side of the queue
func (q *Queue) C() <-chan Envelope {
	return q.ch
}

// Len reports the number of buffered envelopes
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap reports the queue capacity
func (q *Queue) Cap() int {
	return cap(q.ch)
}

func (q *Queue) observeDepth() {
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.ch)))
	}
}

func (q *Queue) countDrop() {
	if q.metrics != nil {
		q.metrics.QueueDropped.Inc()
	}
}
