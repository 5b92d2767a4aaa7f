package rpc

import (
	"context"
	"fmt"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"nut4health.org/internal/screening"
)

// Client queries a remote DiagnosisQuery service.
type Client struct {
	conn *grpc.ClientConn
}

// Details is the decoded GetDiagnosisDetails response.
type Details struct {
	DiagnosisID    string
	Status         screening.Status
	Screener       string
	HealthCentreID string
	Reward         int64
	Validator      string
}

// Dial creates a client. Without options the transport is insecure.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) DiagnosisDetails(ctx context.Context, diagnosisID string) (Details, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodGetDiagnosisDetails, wrapperspb.String(diagnosisID), out); err != nil {
		return Details{}, mapError(err)
	}
	f := out.GetFields()
	st, err := screening.ParseStatus(f["status"].GetStringValue())
	if err != nil {
		return Details{}, fmt.Errorf("decode status: %w", err)
	}
	var reward int64
	if raw := f["reward"].GetStringValue(); raw != "" {
		if reward, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return Details{}, fmt.Errorf("decode reward: %w", err)
		}
	}
	return Details{
		DiagnosisID:    f["diagnosis_id"].GetStringValue(),
		Status:         st,
		Screener:       f["screener"].GetStringValue(),
		HealthCentreID: f["health_centre_id"].GetStringValue(),
		Reward:         reward,
		Validator:      f["validator"].GetStringValue(),
	}, nil
}

// GetDiagnosisDetails mirrors screening.Service.GetDiagnosisDetails.
func (c *Client) GetDiagnosisDetails(ctx context.Context, diagnosisID string) (screening.Status, error) {
	d, err := c.DiagnosisDetails(ctx, diagnosisID)
	if err != nil {
		return screening.StatusUnexisting, err
	}
	return d.Status, nil
}

func (c *Client) Info(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodGetInfo, &emptypb.Empty{}, out); err != nil {
		return nil, mapError(err)
	}
	return out.AsMap(), nil
}

// Serving reports whether the remote health service says the query service
// is serving.
func (c *Client) Serving(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// mapError restores the screening sentinels from gRPC status codes.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", screening.ErrInvalidInput, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", screening.ErrNotFound, st.Message())
	case codes.PermissionDenied:
		return fmt.Errorf("%w: %s", screening.ErrUnauthorized, st.Message())
	default:
		return err
	}
}
