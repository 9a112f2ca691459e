// Package grpcapi applies the access guard to gRPC calls.
package grpcapi

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"cargolane.io/internal/audit"
	"cargolane.io/internal/auth"
	"cargolane.io/internal/obs"
)

// Metadata keys. gRPC lower-cases all keys.
const (
	MetadataAuthorization = "authorization"
	MetadataAPIKey        = "x-api-key"
	MetadataRequestID     = "x-request-id"
	TrailerErrorCode      = "x-error-code"
	TrailerRetryAfter     = "retry-after"
)

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Authenticator is the subset of the guard used by the interceptors.
type Authenticator interface {
	Authenticate(ctx context.Context, req auth.Request) (*auth.Subject, error)
	RecordAccess(rec auth.AccessRecord)
}

type Interceptor struct {
	guard  Authenticator
	public map[string]bool
}

type Option func(*Interceptor)

// WithPublicMethods replaces the methods served without credentials.
func WithPublicMethods(fullMethods ...string) Option {
	return func(i *Interceptor) {
		i.public = make(map[string]bool, len(fullMethods))
		for _, m := range fullMethods {
			i.public[m] = true
		}
	}
}

// NewInterceptor authenticates every method except the health service.
func NewInterceptor(guard Authenticator, opts ...Option) *Interceptor {
	i := &Interceptor{
		guard: guard,
		public: map[string]bool{
			grpc_health_v1.Health_Check_FullMethodName: true,
			grpc_health_v1.Health_Watch_FullMethodName: true,
		},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Interceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if i.public[info.FullMethod] {
			return handler(ctx, req)
		}
		ctx, areq := requestContext(ctx, info.FullMethod)
		rec := newRecord(ctx, areq)

		subject, err := i.guard.Authenticate(ctx, areq)
		if err != nil {
			return nil, i.deny(rec, err, func(md metadata.MD) { _ = grpc.SetTrailer(ctx, md) })
		}
		obs.RecordDecision("authenticate", "allow", "")
		rec.SubjectID = subject.ID

		resp, err := handler(auth.ContextWithSubject(ctx, subject), req)
		i.finish(rec, err)
		return resp, err
	}
}

func (i *Interceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if i.public[info.FullMethod] {
			return handler(srv, ss)
		}
		ctx, areq := requestContext(ss.Context(), info.FullMethod)
		rec := newRecord(ctx, areq)

		subject, err := i.guard.Authenticate(ctx, areq)
		if err != nil {
			return i.deny(rec, err, ss.SetTrailer)
		}
		obs.RecordDecision("authenticate", "allow", "")
		rec.SubjectID = subject.ID

		err = handler(srv, &subjectStream{ServerStream: ss, ctx: auth.ContextWithSubject(ctx, subject)})
		i.finish(rec, err)
		return err
	}
}

func (i *Interceptor) deny(rec auth.AccessRecord, err error, setTrailer func(metadata.MD)) error {
	e := auth.AsError(err)
	obs.RecordDecision("authenticate", "deny", string(e.Code))
	rec.StatusCode = e.Status()
	rec.ErrorCode = string(e.Code)
	i.guard.RecordAccess(rec)

	md := metadata.Pairs(TrailerErrorCode, string(e.Code))
	if e.Kind == auth.KindRateLimit {
		md.Set(TrailerRetryAfter, strconv.Itoa(max(1, int(math.Ceil(e.RetryAfter.Seconds())))))
	}
	setTrailer(md)
	return StatusFromError(err)
}

func (i *Interceptor) finish(rec auth.AccessRecord, err error) {
	rec.StatusCode = httpStatusFromCode(status.Code(err))
	var e *auth.Error
	if errors.As(err, &e) {
		rec.ErrorCode = string(e.Code)
	}
	i.guard.RecordAccess(rec)
}

// StatusFromError converts a guard error to a gRPC status. Infrastructure
// causes are not exposed.
func StatusFromError(err error) error {
	if err == nil {
		return nil
	}
	e := auth.AsError(err)
	switch e.Status() {
	case http.StatusUnauthorized:
		return status.Error(codes.Unauthenticated, e.Message)
	case http.StatusForbidden:
		return status.Error(codes.PermissionDenied, e.Message)
	case http.StatusTooManyRequests:
		return status.Error(codes.ResourceExhausted, e.Message)
	case http.StatusNotFound:
		return status.Error(codes.NotFound, e.Message)
	default:
		obs.Log("error", "access decision failed", map[string]any{"error": err})
		return status.Error(codes.Internal, "internal error")
	}
}

func httpStatusFromCode(c codes.Code) int {
	switch c {
	case codes.OK:
		return http.StatusOK
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.NotFound:
		return http.StatusNotFound
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func requestContext(ctx context.Context, fullMethod string) (context.Context, auth.Request) {
	md, _ := metadata.FromIncomingContext(ctx)
	rid := first(md, MetadataRequestID)
	if !requestIDPattern.MatchString(rid) {
		rid = uuid.NewString()
	}
	ctx = audit.WithRequestID(ctx, rid)
	return ctx, auth.Request{
		Authorization: first(md, MetadataAuthorization),
		APIKey:        first(md, MetadataAPIKey),
		ClientIP:      peerIP(ctx),
		Method:        "GRPC",
		Endpoint:      fullMethod,
	}
}

func newRecord(ctx context.Context, req auth.Request) auth.AccessRecord {
	return auth.AccessRecord{
		RequestID:      audit.RequestIDFromContext(ctx),
		CredentialKind: auth.CredentialKind(req),
		Endpoint:       req.Endpoint,
		Method:         req.Method,
		IP:             req.ClientIP,
	}
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

type subjectStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *subjectStream) Context() context.Context { return s.ctx }
