package collector

import (
	"context"
	"net"
	"testing"

	gnmipb "github.com/openconfig/gnmi/proto/gnmi"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/c360/rtnm/collector/gnmi"
	"github.com/c360/rtnm/config"
	"github.com/c360/rtnm/envelope"
	"github.com/c360/rtnm/metric"
)

// fakeDevice serves gNMI: metadata gets plus a subscribe stream that sends
// one update and then closes cleanly, with no error frame.
type fakeDevice struct {
	gnmipb.UnimplementedGNMIServer
}

func (s *fakeDevice) Get(_ context.Context, req *gnmipb.GetRequest) (*gnmipb.GetResponse, error) {
	val := []byte(`{"17.3.1"}`)
	if req.GetType() == gnmipb.GetRequest_CONFIG {
		val = []byte(`{"host-name":"edge-router-1"}`)
	}
	return &gnmipb.GetResponse{
		Notification: []*gnmipb.Notification{{
			Update: []*gnmipb.Update{{
				Val: &gnmipb.TypedValue{Value: &gnmipb.TypedValue_JsonIetfVal{JsonIetfVal: val}},
			}},
		}},
	}, nil
}

func (s *fakeDevice) Subscribe(stream gnmipb.GNMI_SubscribeServer) error {
	if _, err := stream.Recv(); err != nil {
		return err
	}
	return stream.Send(&gnmipb.SubscribeResponse{
		Response: &gnmipb.SubscribeResponse_Update{
			Update: &gnmipb.Notification{
				Update: []*gnmipb.Update{{
					Val: &gnmipb.TypedValue{
						Value: &gnmipb.TypedValue_JsonIetfVal{JsonIetfVal: []byte(`{"in-octets":"1"}`)},
					},
				}},
			},
		},
	})
}

// A clean stream closure must terminate a no-retry worker without being
// counted as a stream error.
func TestWorkerEndToEndCleanClose(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	gnmipb.RegisterGNMIServer(server, &fakeDevice{})
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	device := config.Device{
		Name:     "edge-router-1",
		Address:  "10.1.1.1",
		Port:     57400,
		Username: "monitor",
		Password: "secret",
		Protocol: config.ProtocolGNMI,
		Encoding: "json_ietf",
		Retry:    false,
		GNMI: &config.GNMI{
			Sensors:        []string{"openconfig-interfaces:interfaces/interface/state/counters"},
			SampleInterval: 30000,
		},
	}

	m := metric.NewMetrics()
	conn := NewConn(device, m, nil)
	conn.Target = "passthrough:///bufnet"
	conn.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.DialContext(context.Background())
		}),
	}

	queue := envelope.NewQueue(8, nil)
	worker := NewWorker(WorkerDeps{
		Device:  device,
		Adapter: gnmi.New(device, m, nil),
		Queue:   queue,
		Channel: conn,
		Backoff: fastBackoff(),
		Metrics: m,
	})

	require.NoError(t, worker.Run(context.Background()))

	assert.Equal(t, StateTerminated, worker.State())
	assert.False(t, worker.Connected())
	assert.Zero(t, testutil.ToFloat64(m.StreamErrors.WithLabelValues("edge-router-1")))
	assert.Zero(t, testutil.ToFloat64(m.Reconnects.WithLabelValues("edge-router-1")))

	require.Equal(t, 1, queue.Len())
	e := <-queue.C()
	assert.Equal(t, envelope.ProtocolGNMI, e.Protocol)
	assert.Equal(t, "edge-router-1", e.Device)
	assert.Equal(t, "edge-router-1", e.Hostname)
	assert.Equal(t, "17.3.1", e.Version)
	assert.NotEmpty(t, e.Payload)
}
