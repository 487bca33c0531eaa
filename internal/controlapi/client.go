package controlapi

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const envSocket = "CYRANGE_SOCKET"

func DefaultSocketPath() string {
	if fromEnv := strings.TrimSpace(os.Getenv(envSocket)); fromEnv != "" {
		return fromEnv
	}
	if runtime.GOOS == "darwin" {
		return "/tmp/cyranged.sock"
	}
	return "/var/run/cyranged.sock"
}

// Client calls the control API of a running daemon.
type Client struct {
	conn *grpc.ClientConn
}

func NewUnix(socketPath string) (*Client, error) {
	return dial("unix://"+socketPath)
}

func NewWithDialer(dialer func(ctx context.Context, addr string) (net.Conn, error)) (*Client, error) {
	return dial("passthrough:///cyranged", grpc.WithContextDialer(dialer))
}

func dial(target string, extra ...grpc.DialOption) (*Client, error) {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodecV2(jsonCodec{})),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, extra...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func call[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return nil, grpcErr(err)
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	resp, err := call[StatusResponse](ctx, c, MethodStatus, &Empty{})
	if err != nil {
		return StatusResponse{}, err
	}
	return *resp, nil
}

// TriggerSync starts a sync pass in the background. It reports false when
// a pass was already running.
func (c *Client) TriggerSync(ctx context.Context) (bool, error) {
	resp, err := call[TriggerSyncResponse](ctx, c, MethodTriggerSync, &Empty{})
	if err != nil {
		return false, err
	}
	return resp.Started, nil
}

func (c *Client) ResetFailureCount(ctx context.Context) error {
	_, err := call[Empty](ctx, c, MethodResetFailureCount, &Empty{})
	return err
}

func (c *Client) ResetFailed(ctx context.Context) (int, error) {
	resp, err := call[CountResponse](ctx, c, MethodResetFailed, &Empty{})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) Cleanup(ctx context.Context, retentionSeconds int64) (int, error) {
	resp, err := call[CountResponse](ctx, c, MethodCleanup, &CleanupRequest{RetentionSeconds: retentionSeconds})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) Stats(ctx context.Context) (StatsResponse, error) {
	resp, err := call[StatsResponse](ctx, c, MethodStats, &Empty{})
	if err != nil {
		return StatsResponse{}, err
	}
	return *resp, nil
}

func (c *Client) ListRecords(ctx context.Context, req ListRecordsRequest) ([]Record, error) {
	resp, err := call[ListRecordsResponse](ctx, c, MethodListRecords, &req)
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *Client) GetRecord(ctx context.Context, id string) (Record, error) {
	resp, err := call[Record](ctx, c, MethodGetRecord, &RecordRequest{ID: id})
	if err != nil {
		return Record{}, err
	}
	return *resp, nil
}

func (c *Client) SetDesired(ctx context.Context, id, desired string) (Record, error) {
	resp, err := call[Record](ctx, c, MethodSetDesired, &SetDesiredRequest{ID: id, Desired: desired})
	if err != nil {
		return Record{}, err
	}
	return *resp, nil
}

func (c *Client) ResetRecord(ctx context.Context, id string) (Record, error) {
	resp, err := call[Record](ctx, c, MethodResetRecord, &RecordRequest{ID: id})
	if err != nil {
		return Record{}, err
	}
	return *resp, nil
}

func (c *Client) Declare(ctx context.Context, decls []Declaration) (DeclareResponse, error) {
	resp, err := call[DeclareResponse](ctx, c, MethodDeclare, &DeclareRequest{Declarations: decls})
	if err != nil {
		return DeclareResponse{}, err
	}
	return *resp, nil
}

func (c *Client) ForceSyncAsset(ctx context.Context, assetID string) ([]Result, error) {
	resp, err := call[ReconcileResponse](ctx, c, MethodForceSyncAsset, &ForceSyncAssetRequest{AssetID: assetID})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *Client) Discover(ctx context.Context) ([]Scope, error) {
	resp, err := call[DiscoverResponse](ctx, c, MethodDiscover, &Empty{})
	if err != nil {
		return nil, err
	}
	return resp.Scopes, nil
}
