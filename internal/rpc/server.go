// Package rpc exposes read-only diagnosis queries over gRPC using the
// well-known protobuf wrapper types, so no generated stubs are needed.
package rpc

import (
	"context"
	"errors"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"nut4health.org/internal/obs"
	"nut4health.org/internal/screening"
)

const (
	ServiceName = "nut4health.v1.DiagnosisQuery"
	serverName  = "nut4health-api"

	methodGetDiagnosisDetails = "/" + ServiceName + "/GetDiagnosisDetails"
	methodGetInfo             = "/" + ServiceName + "/GetInfo"
)

// DiagnosisQueryServer is the server API of nut4health.v1.DiagnosisQuery.
type DiagnosisQueryServer interface {
	GetDiagnosisDetails(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	GetInfo(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc describes nut4health.v1.DiagnosisQuery for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DiagnosisQueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetDiagnosisDetails", Handler: getDiagnosisDetailsHandler},
		{MethodName: "GetInfo", Handler: getInfoHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nut4health/v1/diagnosis_query.proto",
}

func getDiagnosisDetailsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DiagnosisQueryServer).GetDiagnosisDetails(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetDiagnosisDetails}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(DiagnosisQueryServer).GetDiagnosisDetails(ctx, req.(*wrapperspb.StringValue))
	})
}

func getInfoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DiagnosisQueryServer).GetInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetInfo}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(DiagnosisQueryServer).GetInfo(ctx, req.(*emptypb.Empty))
	})
}

// DiagnosisReader is the part of screening.Service the query service needs.
type DiagnosisReader interface {
	Diagnosis(ctx context.Context, diagnosisID string) (screening.Diagnosis, error)
	Account() string
}

// Server implements DiagnosisQueryServer.
type Server struct {
	svc     DiagnosisReader
	version string
	now     func() time.Time
}

var _ DiagnosisQueryServer = (*Server)(nil)

func NewServer(svc DiagnosisReader, version string) *Server {
	return &Server{svc: svc, version: version, now: time.Now}
}

// GetDiagnosisDetails returns the status of a diagnosis; unknown ids report
// status "unexisting" with code 0. Known records carry their full details,
// read in one store view. reward is a decimal string so values above 2^53
// survive the float64 numbers of structpb.
func (s *Server) GetDiagnosisDetails(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := in.GetValue()
	d, err := s.svc.Diagnosis(ctx, id)
	if errors.Is(err, screening.ErrNotFound) {
		return structpb.NewStruct(map[string]any{
			"diagnosis_id": id,
			"status":       screening.StatusUnexisting.String(),
			"code":         float64(screening.StatusUnexisting),
		})
	}
	if err != nil {
		return nil, toStatus(err)
	}
	fields := map[string]any{
		"diagnosis_id":     id,
		"status":           d.Status.String(),
		"code":             float64(d.Status),
		"screener":         d.Screener,
		"health_centre_id": d.HealthCentreID,
		"reward":           strconv.FormatInt(d.Reward, 10),
	}
	if d.Validator != "" {
		fields["validator"] = d.Validator
	}
	return structpb.NewStruct(fields)
}

func (s *Server) GetInfo(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"name":    serverName,
		"version": s.version,
		"time":    s.now().UTC().Format(time.RFC3339),
		"account": s.svc.Account(),
	})
}

// Readiness is implemented by httpapi.ReadyProbe.
type Readiness interface {
	Check(ctx context.Context) error
}

// NewGRPCServer builds a grpc.Server with the query service, the standard
// health service and request logging. The returned health server is driven
// by WatchReadiness.
func NewGRPCServer(srv DiagnosisQueryServer, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(logUnary)}, opts...)
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, srv)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

// WatchReadiness updates the health server from probe every interval until
// ctx ends.
func WatchReadiness(ctx context.Context, hs *health.Server, probe Readiness, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	check := func() {
		cctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		st := healthpb.HealthCheckResponse_SERVING
		if err := probe.Check(cctx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			obs.SetReady(false)
		} else {
			obs.SetReady(true)
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(ServiceName, st)
	}
	check()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-t.C:
			check()
		}
	}
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	obs.Info("grpc_request", map[string]any{
		"method":      info.FullMethod,
		"code":        status.Code(err).String(),
		"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
	})
	return resp, err
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, screening.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, screening.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, screening.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
