package controlapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cyrange/internal/declare"
	"cyrange/internal/state"
	"cyrange/internal/supervisor"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ Control = (*Server)(nil)

// Server implements the control API over the supervisor, the state store
// and the declaration service.
type Server struct {
	sup     *supervisor.Supervisor
	store   state.Store
	declare *declare.Service
	clock   state.Clock
	tp      trace.TracerProvider
	log     *slog.Logger
}

func NewServer(sup *supervisor.Supervisor, store state.Store, decl *declare.Service, clock state.Clock) *Server {
	if clock == nil {
		clock = state.WallClock{}
	}
	return &Server{
		sup:     sup,
		store:   store,
		declare: decl,
		clock:   clock,
		log:     slog.With("component", "control-api"),
	}
}

// WithTracerProvider makes the gRPC server report spans to tp.
func (s *Server) WithTracerProvider(tp trace.TracerProvider) *Server {
	s.tp = tp
	return s
}

// GRPCServer returns a gRPC server with the control service registered.
func (s *Server) GRPCServer() *grpc.Server {
	var handlerOpts []otelgrpc.Option
	if s.tp != nil {
		handlerOpts = append(handlerOpts, otelgrpc.WithTracerProvider(s.tp))
	}
	srv := grpc.NewServer(
		grpc.ForceServerCodecV2(jsonCodec{}),
		grpc.StatsHandler(otelgrpc.NewServerHandler(handlerOpts...)),
	)
	RegisterControlServer(srv, s)
	return srv
}

// ListenAndServe serves the control API on a unix socket until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string) error {
	log := s.log.With("socket", socketPath)
	ln, err := listenUnix(socketPath)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(socketPath) }()

	srv := s.GRPCServer()
	go func() {
		<-ctx.Done()
		log.Info("shutting down listener")
		srv.GracefulStop()
	}()

	log.Info("control api listening")
	if err := srv.Serve(ln); err != nil {
		return fmt.Errorf("serve control api: %w", err)
	}
	return nil
}

func listenUnix(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}
	return ln, nil
}

func (s *Server) Status(context.Context, *Empty) (*StatusResponse, error) {
	out := statusToWire(s.sup.Status())
	return &out, nil
}

func (s *Server) TriggerSync(context.Context, *Empty) (*TriggerSyncResponse, error) {
	return &TriggerSyncResponse{Started: s.sup.TriggerManualSync()}, nil
}

func (s *Server) ResetFailureCount(ctx context.Context, _ *Empty) (*Empty, error) {
	s.sup.ResetFailureCount(ctx)
	return &Empty{}, nil
}

func (s *Server) ResetFailed(ctx context.Context, _ *Empty) (*CountResponse, error) {
	n, err := s.sup.ResetFailed(ctx)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &CountResponse{Count: n}, nil
}

func (s *Server) Cleanup(ctx context.Context, req *CleanupRequest) (*CountResponse, error) {
	if req.RetentionSeconds < 0 {
		return nil, status.Error(codes.InvalidArgument, "retention must not be negative")
	}
	n, err := s.sup.Cleanup(ctx, time.Duration(req.RetentionSeconds)*time.Second)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &CountResponse{Count: n}, nil
}

func (s *Server) Stats(ctx context.Context, _ *Empty) (*StatsResponse, error) {
	st, err := s.sup.Statistics(ctx)
	if err != nil {
		return nil, toGRPCError(err)
	}
	out := statsToWire(st)
	return &out, nil
}

func (s *Server) ListRecords(ctx context.Context, req *ListRecordsRequest) (*ListRecordsResponse, error) {
	f := state.Filter{
		HostID:              strings.TrimSpace(req.HostID),
		AssetID:             strings.TrimSpace(req.AssetID),
		CreatedBy:           strings.TrimSpace(req.CreatedBy),
		NeedsReconciliation: req.NeedsReconciliation,
		Failed:              req.Failed,
		UpdatedBefore:       req.NotSyncedSince,
		CreatedFrom:         req.CreatedFrom,
		CreatedTo:           req.CreatedTo,
	}
	for _, raw := range req.Sync {
		st, err := state.ParseSyncStatus(raw)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		f.Sync = append(f.Sync, st)
	}

	recs, err := s.store.List(ctx, f)
	if err != nil {
		return nil, toGRPCError(err)
	}
	out := &ListRecordsResponse{Records: make([]Record, 0, len(recs))}
	for _, r := range recs {
		out.Records = append(out.Records, recordToWire(r))
	}
	return out, nil
}

func (s *Server) GetRecord(ctx context.Context, req *RecordRequest) (*Record, error) {
	rec, err := s.store.Get(ctx, strings.TrimSpace(req.ID))
	if err != nil {
		return nil, toGRPCError(err)
	}
	out := recordToWire(rec)
	return &out, nil
}

func (s *Server) SetDesired(ctx context.Context, req *SetDesiredRequest) (*Record, error) {
	desired, err := state.ParseDesiredStatus(req.Desired)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rec, err := s.store.Update(ctx, strings.TrimSpace(req.ID), func(r *state.Record) error {
		return r.SetDesired(desired, s.clock.Now())
	})
	if err != nil {
		return nil, toGRPCError(err)
	}
	s.log.Info("desired status set", "id", rec.ID, "desired", rec.Desired, "sync", rec.Sync)
	out := recordToWire(rec)
	return &out, nil
}

func (s *Server) ResetRecord(ctx context.Context, req *RecordRequest) (*Record, error) {
	rec, err := s.store.Update(ctx, strings.TrimSpace(req.ID), func(r *state.Record) error {
		if r.Sync == state.SyncSyncing {
			return fmt.Errorf("%w: record %s is syncing", state.ErrInvalidTransition, r.ID)
		}
		return r.ResetSync(s.clock.Now())
	})
	if err != nil {
		return nil, toGRPCError(err)
	}
	s.log.Info("record sync reset", "id", rec.ID, "sync", rec.Sync)
	out := recordToWire(rec)
	return &out, nil
}

func (s *Server) Declare(ctx context.Context, req *DeclareRequest) (*DeclareResponse, error) {
	if len(req.Declarations) == 0 {
		return nil, status.Error(codes.InvalidArgument, "at least one declaration is required")
	}
	decls := make([]declare.Declaration, 0, len(req.Declarations))
	for i, d := range req.Declarations {
		desired, err := state.ParseDesiredStatus(d.Desired)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "declaration %d: %v", i, err)
		}
		decls = append(decls, declare.Declaration{
			HostID:          d.HostID,
			AssetID:         d.AssetID,
			ContainerID:     d.ContainerID,
			ContainerName:   d.ContainerName,
			ImageName:       d.ImageName,
			Desired:         desired,
			MaxSyncAttempts: d.MaxSyncAttempts,
			CreatedBy:       d.CreatedBy,
		})
	}

	results, err := s.declare.DeclareAll(ctx, decls)
	out := &DeclareResponse{Results: make([]Declared, 0, len(results))}
	for _, r := range results {
		out.Results = append(out.Results, Declared{Record: recordToWire(r.Record), Created: r.Created, Adopted: r.Adopted})
	}
	if err != nil {
		if len(results) == 0 {
			return nil, toGRPCError(err)
		}
		out.Error = err.Error()
	}
	return out, nil
}

func (s *Server) ForceSyncAsset(ctx context.Context, req *ForceSyncAssetRequest) (*ReconcileResponse, error) {
	results, err := s.sup.ForceSyncAsset(ctx, strings.TrimSpace(req.AssetID))
	if err != nil {
		return nil, toGRPCError(err)
	}
	out := &ReconcileResponse{Results: make([]Result, 0, len(results))}
	for _, r := range results {
		out.Results = append(out.Results, resultToWire(r))
	}
	return out, nil
}

func (s *Server) Discover(ctx context.Context, _ *Empty) (*DiscoverResponse, error) {
	res, err := s.sup.Discover(ctx)
	if err != nil {
		return nil, toGRPCError(err)
	}
	out := &DiscoverResponse{Scopes: make([]Scope, 0, len(res.Scopes))}
	for _, sc := range res.Scopes {
		out.Scopes = append(out.Scopes, Scope{
			ScopeID:    sc.ScopeID,
			HostID:     sc.HostID,
			Added:      sc.Added,
			Updated:    sc.Updated,
			Removed:    sc.Removed,
			Observed:   sc.Observed,
			Propagated: sc.Propagated,
			Error:      sc.Error,
		})
	}
	return out, nil
}
