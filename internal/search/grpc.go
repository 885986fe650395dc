package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/shoplens/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// SearchMethod is the unary method the gRPC backend invokes. Request and
// response are google.protobuf.Struct values carrying the REST payloads.
const SearchMethod = "/shoplens.search.v1.SearchService/Search"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCConfig configures the gRPC search backend.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	ForceOriginal    bool
	DialOptions      []grpc.DialOption
}

// GRPCBackend queries the search service over gRPC.
type GRPCBackend struct {
	conn          *grpc.ClientConn
	mapper        *mapper
	tracer        trace.Tracer
	timeout       time.Duration
	forceOriginal bool
	logger        *slog.Logger
}

// NewGRPCBackend connects to the search service and waits until the
// connection is ready so bad endpoints fail at startup.
func NewGRPCBackend(cfg GRPCConfig, logger *slog.Logger) (*GRPCBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = 2 * time.Minute
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = 10 * time.Second
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to search service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("search service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to search service", "address", cfg.Address)

	return &GRPCBackend{
		conn:          conn,
		mapper:        newMapper(),
		tracer:        otel.Tracer(tracerName),
		timeout:       cfg.RequestTimeout,
		forceOriginal: cfg.ForceOriginal,
		logger:        logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (b *GRPCBackend) Close() {
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			b.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Search invokes the unary search method.
func (b *GRPCBackend) Search(ctx context.Context, q Query) (domain.ResultPage, error) {
	offset, err := DecodeCursor(q.Cursor)
	if err != nil {
		return domain.ResultPage{}, err
	}
	limit := ClampLimit(q.Limit)

	ctx, span := b.tracer.Start(ctx, "search.grpc",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("search.offset", offset),
			attribute.Int("search.limit", limit),
		),
	)
	defer span.End()

	page, err := b.invoke(ctx, q.Text, offset, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.ResultPage{}, err
	}
	span.SetAttributes(attribute.Int("search.results", len(page.Products)))
	return page, nil
}

func (b *GRPCBackend) invoke(ctx context.Context, text string, offset, limit int) (domain.ResultPage, error) {
	req, err := structpb.NewStruct(map[string]any{
		"query":          text,
		"limit":          limit,
		"offset":         offset,
		"force_original": b.forceOriginal,
	})
	if err != nil {
		return domain.ResultPage{}, fmt.Errorf("failed to encode search request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := b.conn.Invoke(callCtx, SearchMethod, req, resp); err != nil {
		return domain.ResultPage{}, fmt.Errorf("search call failed: %w", err)
	}

	body, err := protojson.Marshal(resp)
	if err != nil {
		return domain.ResultPage{}, fmt.Errorf("failed to decode search response: %w", err)
	}
	return b.mapper.decode(body, offset, limit)
}
