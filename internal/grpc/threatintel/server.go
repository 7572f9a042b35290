package threatintel

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"tiace/internal/api/middleware"
	"tiace/internal/domain/models"
	"tiace/internal/domain/services"
	"tiace/internal/export"
	"tiace/pkg/logger"
)

// MetadataTenant is the metadata key carrying the tenant id
const MetadataTenant = "x-tenant-id"

// Server implements tiace.v1.ThreatIntel on the query, scheduler and
// export services
type Server struct {
	query     *services.QueryService
	scheduler *services.Scheduler
	exports   *export.Service
	logger    *logger.Logger
}

// NewServer creates a new gRPC server
func NewServer(q *services.QueryService, s *services.Scheduler, e *export.Service, log *logger.Logger) *Server {
	return &Server{
		query:     q,
		scheduler: s,
		exports:   e,
		logger:    log.WithComponent("grpc-server"),
	}
}

// Register registers the server with a gRPC server
func (s *Server) Register(grpcServer *grpc.Server) {
	RegisterThreatIntelServer(grpcServer, s)
}

// TenantInterceptor resolves x-tenant-id and the bearer key in the
// authorization metadata into a TenantContext
func TenantInterceptor(kr *middleware.KeyRing) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, "/"+ServiceName+"/") {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		key := strings.TrimSpace(first(md, "authorization"))
		if len(key) > 7 && strings.EqualFold(key[:7], "bearer ") {
			key = strings.TrimSpace(key[7:])
		}
		t, err := kr.Resolve(key, first(md, MetadataTenant))
		if err != nil {
			return nil, statusFor(err)
		}
		return handler(models.WithTenant(ctx, t), req)
	}
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func tenant(ctx context.Context) (models.TenantContext, error) {
	t, ok := models.TenantFrom(ctx)
	if !ok {
		return t, status.Error(codes.Unauthenticated, "no tenant context")
	}
	return t, nil
}

// statusFor maps a typed error onto a gRPC status
func statusFor(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch models.KindOf(err) {
	case models.KindNotFound:
		code = codes.NotFound
	case models.KindPermissionDenied:
		code = codes.PermissionDenied
	case models.KindAuthFailed:
		code = codes.Unauthenticated
	case models.KindValidation, models.KindMalformed, models.KindSerialization:
		code = codes.InvalidArgument
	case models.KindConflict:
		code = codes.Aborted
	case models.KindQuarantined:
		code = codes.FailedPrecondition
	case models.KindRateLimited:
		code = codes.ResourceExhausted
	case models.KindBackendUnavailable, models.KindUnreachable:
		code = codes.Unavailable
	case models.KindDeadlineExceeded, models.KindTimeout:
		code = codes.DeadlineExceeded
	case models.KindCancelled:
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

// decode converts a Struct into v through its JSON form
func decode(in *structpb.Struct, v any) error {
	raw, err := in.MarshalJSON()
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

// encode converts v into a Struct through its JSON form
func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Search runs an indicator search; the request is a SearchQuery document
func (s *Server) Search(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	var q services.SearchQuery
	if err := decode(in, &q); err != nil {
		return nil, err
	}
	res, err := s.query.Search(ctx, t, q)
	if err != nil {
		return nil, statusFor(err)
	}
	return encode(res)
}

// Hunt runs a search and graph traversal; the request is a HuntQuery document
func (s *Server) Hunt(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	var q services.HuntQuery
	if err := decode(in, &q); err != nil {
		return nil, err
	}
	res, err := s.query.Hunt(ctx, t, q)
	if err != nil {
		return nil, statusFor(err)
	}
	return encode(res)
}

// SyncRequest selects one feed or every feed of the tenant
type SyncRequest struct {
	FeedID string `json:"feed_id,omitempty"`
	All    bool   `json:"all,omitempty"`
}

// Sync runs feeds synchronously and returns the finished jobs
func (s *Server) Sync(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	var req SyncRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	var jobs []*models.SyncJob
	switch {
	case req.All:
		jobs, err = s.scheduler.SyncAll(ctx, t)
	case req.FeedID != "":
		var job *models.SyncJob
		if job, err = s.scheduler.SyncNow(ctx, t, req.FeedID); err == nil {
			jobs = []*models.SyncJob{job}
		}
	default:
		return nil, status.Error(codes.InvalidArgument, "feed_id or all is required")
	}
	if err != nil {
		return nil, statusFor(err)
	}
	s.logger.WithTenant(t.TenantID).Info().Str("caller", t.Caller).Int("jobs", len(jobs)).Msg("sync requested over grpc")
	return encode(map[string]any{"jobs": jobs})
}

// ExportRequest selects a format, a filter and the destination
type ExportRequest struct {
	Format string               `json:"format"`
	Query  services.SearchQuery `json:"query"`
	S3     bool                 `json:"s3,omitempty"`
}

// ExportResponse carries the rendered body or the uploaded object URI
type ExportResponse struct {
	*export.Result
	Body string `json:"body,omitempty"`
}

// Export renders an export inline or publishes it to S3
func (s *Server) Export(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	var req ExportRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	if req.S3 {
		res, err := s.exports.Publish(ctx, t, req.Format, req.Query)
		if err != nil {
			return nil, statusFor(err)
		}
		return encode(ExportResponse{Result: res})
	}
	var buf bytes.Buffer
	res, err := s.exports.Render(ctx, t, req.Format, req.Query, &buf)
	if err != nil {
		return nil, statusFor(err)
	}
	return encode(ExportResponse{Result: res, Body: buf.String()})
}
