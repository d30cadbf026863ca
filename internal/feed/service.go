package feed

import (
	"context"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/coincidence.report/internal/live"
	"github.com/banshee-data/coincidence.report/internal/monitoring"
)

// Fully qualified gRPC names.
const (
	ServiceName         = "qlaib.feed.v1.Feed"
	StatusMethod        = "/" + ServiceName + "/Status"
	SubscribeMethod     = "/" + ServiceName + "/Subscribe"
	subscribeStreamName = "Subscribe"
)

// FeedServer is the server API of the feed service.
type FeedServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Subscribe(*structpb.Struct, grpc.ServerStream) error
}

// Ensure Server implements the gRPC interface.
var _ FeedServer = (*Server)(nil)

// Server implements FeedServer on top of a Publisher.
type Server struct {
	publisher *Publisher
}

// NewServer creates a feed service for p.
func NewServer(p *Publisher) *Server {
	return &Server{publisher: p}
}

// RegisterService registers the feed service with s.
func RegisterService(s grpc.ServiceRegistrar, srv FeedServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Status reports publisher counters merged with Config.Status fields.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.publisher.Stats()
	fields := map[string]any{
		"clients":   st.Clients,
		"published": st.Published,
		"dropped":   st.Dropped,
		"last_seq":  st.LastSeq,
	}
	if fn := s.publisher.config.Status; fn != nil {
		for k, v := range fn() {
			fields[k] = v
		}
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode status: %v", err)
	}
	return out, nil
}

// Subscribe streams updates until the client goes away or the server stops.
func (s *Server) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	filter := ParseRequest(req)
	id := uuid.NewString()
	client, err := s.publisher.addClient(id)
	if err != nil {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	defer s.publisher.removeClient(id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.publisher.stopCh:
			return nil
		case f := <-client.frameCh:
			msg, err := EncodeUpdate(f.update, f.elapsedSec, filter)
			if err != nil {
				monitoring.Logf("[Feed] failed to encode update %d: %v", f.update.Seq, err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// Request selects what a subscriber receives.
type Request struct {
	// Labels limits coincidence counts to these labels; empty means all.
	Labels         []string
	IncludeSingles bool
	IncludeMetrics bool
}

// DefaultRequest receives everything.
func DefaultRequest() Request {
	return Request{IncludeSingles: true, IncludeMetrics: true}
}

// Struct is the wire form of r.
func (r Request) Struct() *structpb.Struct {
	labels := make([]any, len(r.Labels))
	for i, l := range r.Labels {
		labels[i] = l
	}
	out, _ := structpb.NewStruct(map[string]any{
		"labels":          labels,
		"include_singles": r.IncludeSingles,
		"include_metrics": r.IncludeMetrics,
	})
	return out
}

// ParseRequest reads a subscribe request. Missing fields take the
// DefaultRequest values.
func ParseRequest(s *structpb.Struct) Request {
	r := DefaultRequest()
	if s == nil {
		return r
	}
	f := s.GetFields()
	if v, ok := f["include_singles"]; ok {
		r.IncludeSingles = v.GetBoolValue()
	}
	if v, ok := f["include_metrics"]; ok {
		r.IncludeMetrics = v.GetBoolValue()
	}
	for _, v := range f["labels"].GetListValue().GetValues() {
		if l := v.GetStringValue(); l != "" {
			r.Labels = append(r.Labels, l)
		}
	}
	return r
}

// EncodeUpdate renders u as a Struct honouring r.
func EncodeUpdate(u *live.Update, elapsedSec float64, r Request) (*structpb.Struct, error) {
	fields := map[string]any{
		"seq":          u.Seq,
		"at":           u.At.UTC().Format(time.RFC3339Nano),
		"elapsed_sec":  elapsedSec,
		"duration_sec": u.Batch.DurationSec(),
	}

	coinc := map[string]any{}
	acc := map[string]any{}
	for _, label := range u.Result.Labels() {
		if len(r.Labels) > 0 && !slices.Contains(r.Labels, label) {
			continue
		}
		coinc[label] = u.Result.Count(label)
		acc[label] = finite(u.Result.Accidentals[label])
	}
	fields["coincidences"] = coinc
	fields["accidentals"] = acc

	if r.IncludeSingles {
		singles := map[string]any{}
		for ch, n := range u.SinglesCounts() {
			singles[channelKey(ch)] = n
		}
		fields["singles"] = singles
	}
	if r.IncludeMetrics {
		values := make([]any, 0, len(u.Metrics))
		for _, m := range u.Metrics {
			mv := map[string]any{"name": m.Name, "value": finite(m.Value)}
			if m.Units != "" {
				mv["units"] = m.Units
			}
			if s, ok := m.Sigma(); ok {
				mv["sigma"] = finite(s)
			}
			values = append(values, mv)
		}
		fields["metrics"] = values
		if len(u.MetricErrors) > 0 {
			errs := make([]any, len(u.MetricErrors))
			for i, e := range u.MetricErrors {
				errs[i] = e.Error()
			}
			fields["metric_errors"] = errs
		}
	}
	return structpb.NewStruct(fields)
}

func channelKey(ch int) string {
	return "ch" + strconv.Itoa(ch)
}

// finite maps NaN and infinities to nil, which JSON clients read as null.
func finite(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FeedServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FeedServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FeedServer).Subscribe(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FeedServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: subscribeStreamName, Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "qlaib/feed/v1/feed.proto",
}
