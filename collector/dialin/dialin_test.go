package dialin

import (
	"context"
	"net"
	"strings"
	"testing"

	ems "github.com/nleiva/xrgrpc/proto/ems"
	gnmipb "github.com/openconfig/gnmi/proto/gnmi"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"

	"github.com/c360/rtnm/config"
	"github.com/c360/rtnm/envelope"
	"github.com/c360/rtnm/errors"
	"github.com/c360/rtnm/metric"
)

type gnmiGetServer struct {
	gnmipb.UnimplementedGNMIServer
	getFunc func(context.Context, *gnmipb.GetRequest) (*gnmipb.GetResponse, error)
}

func (s *gnmiGetServer) Get(ctx context.Context, req *gnmipb.GetRequest) (*gnmipb.GetResponse, error) {
	return s.getFunc(ctx, req)
}

func versionResponse(version string) func(context.Context, *gnmipb.GetRequest) (*gnmipb.GetResponse, error) {
	return func(context.Context, *gnmipb.GetRequest) (*gnmipb.GetResponse, error) {
		return &gnmipb.GetResponse{
			Notification: []*gnmipb.Notification{{
				Update: []*gnmipb.Update{{
					Val: &gnmipb.TypedValue{
						Value: &gnmipb.TypedValue_JsonIetfVal{JsonIetfVal: []byte(`{"` + version + `"}`)},
					},
				}},
			}},
		}, nil
	}
}

// emsHandler serves the dial-in subscribe RPC through the generic stream
// handler, so the test does not depend on the generated server bindings.
type emsHandler struct {
	args      *ems.CreateSubsArgs
	metadata  metadata.MD
	replies   []*ems.CreateSubsReply
	streamErr error
}

func (h *emsHandler) handle(_ interface{}, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	if !strings.HasSuffix(method, "CreateSubs") {
		return errors.New("unexpected method " + method)
	}

	h.args = new(ems.CreateSubsArgs)
	if err := stream.RecvMsg(h.args); err != nil {
		return err
	}
	h.metadata, _ = metadata.FromIncomingContext(stream.Context())

	for _, reply := range h.replies {
		if err := stream.SendMsg(reply); err != nil {
			return err
		}
	}
	return h.streamErr // nil means clean close
}

func dialFake(t *testing.T, gnmiSrv *gnmiGetServer, emsSrv *emsHandler) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(grpc.UnknownServiceHandler(emsSrv.handle))
	gnmipb.RegisterGNMIServer(server, gnmiSrv)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.DialContext(context.Background())
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	return cc
}

func testDevice() config.Device {
	return config.Device{
		Name:     "core-router-1",
		Address:  "10.1.1.2",
		Port:     57400,
		Username: "monitor",
		Password: "secret",
		Protocol: config.ProtocolDialIn,
		Encoding: "gpbkv",
		DialIn:   &config.DialIn{Subscriptions: []string{"health", "interfaces"}},
	}
}

func TestSubscribeForwardsSegments(t *testing.T) {
	emsSrv := &emsHandler{replies: []*ems.CreateSubsReply{
		{ResReqId: 1, Data: []byte("segment-one")},
		{ResReqId: 1, Data: []byte("segment-two")},
	}}
	cc := dialFake(t, &gnmiGetServer{getFunc: versionResponse("7.3.2")}, emsSrv)

	var got []envelope.Envelope
	adapter := New(testDevice(), nil, nil)
	err := adapter.Subscribe(context.Background(), cc, func(e envelope.Envelope) {
		got = append(got, e)
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, envelope.ProtocolDialIn, got[0].Protocol)
	assert.Equal(t, []byte("segment-one"), got[0].Payload)
	assert.Equal(t, []byte("segment-two"), got[1].Payload)
	assert.Equal(t, "7.3.2", got[0].Version)
	assert.Empty(t, got[0].Hostname)

	// The device saw one subscription request with joined ids
	require.NotNil(t, emsSrv.args)
	assert.Equal(t, int64(1), emsSrv.args.ReqId)
	assert.Equal(t, int64(3), emsSrv.args.Encode)
	assert.Equal(t, "health,interfaces", emsSrv.args.Subidstr)

	// Credentials travel as call metadata
	assert.Equal(t, []string{"monitor"}, emsSrv.metadata.Get("username"))
	assert.Equal(t, []string{"secret"}, emsSrv.metadata.Get("password"))
}

func TestSubscribeErrorSegmentEndsAttempt(t *testing.T) {
	emsSrv := &emsHandler{replies: []*ems.CreateSubsReply{
		{ResReqId: 1, Errors: "subscription does not exist"},
		{ResReqId: 1, Data: []byte("never-delivered")},
	}}
	cc := dialFake(t, &gnmiGetServer{getFunc: versionResponse("7.3.2")}, emsSrv)

	var got []envelope.Envelope
	err := New(testDevice(), nil, nil).Subscribe(context.Background(), cc, func(e envelope.Envelope) {
		got = append(got, e)
	})

	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.True(t, errors.Is(err, errors.ErrDeviceDisconnected))
	assert.Contains(t, err.Error(), "subscription does not exist")
	assert.Empty(t, got)
}

func TestSubscribeTransportFaultEndsAttempt(t *testing.T) {
	emsSrv := &emsHandler{
		replies:   []*ems.CreateSubsReply{{ResReqId: 1, Data: []byte("segment-one")}},
		streamErr: errors.New("connection reset by peer"),
	}
	cc := dialFake(t, &gnmiGetServer{getFunc: versionResponse("7.3.2")}, emsSrv)

	var got []envelope.Envelope
	err := New(testDevice(), nil, nil).Subscribe(context.Background(), cc, func(e envelope.Envelope) {
		got = append(got, e)
	})

	// Segments delivered before the fault still made it out
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.True(t, errors.Is(err, errors.ErrStreamClosed))
	assert.Len(t, got, 1)
}

func TestSubscribeVersionLookupDegrades(t *testing.T) {
	gnmiSrv := &gnmiGetServer{
		getFunc: func(context.Context, *gnmipb.GetRequest) (*gnmipb.GetResponse, error) {
			return nil, errors.New("no gnmi here")
		},
	}
	emsSrv := &emsHandler{replies: []*ems.CreateSubsReply{{ResReqId: 1, Data: []byte("d")}}}
	cc := dialFake(t, gnmiSrv, emsSrv)

	m := metric.NewMetrics()
	var got []envelope.Envelope
	err := New(testDevice(), m, nil).Subscribe(context.Background(), cc, func(e envelope.Envelope) {
		got = append(got, e)
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "Unknown", got[0].Version)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResolutionFailures.WithLabelValues("core-router-1", "version")))
}

func TestSubscribeUnknownEncoding(t *testing.T) {
	device := testDevice()
	device.Encoding = "xml"

	err := New(device, nil, nil).Subscribe(context.Background(), nil, func(envelope.Envelope) {})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
