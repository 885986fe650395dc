package search

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type searchHandler func(req *structpb.Struct) (*structpb.Struct, error)

func startSearchServer(t *testing.T, handle searchHandler) *GRPCBackend {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "shoplens.search.v1.SearchService",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Search",
			Handler: func(_ any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				req := &structpb.Struct{}
				if err := dec(req); err != nil {
					return nil, err
				}
				return handle(req)
			},
		}},
	}, struct{}{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	backend, err := NewGRPCBackend(GRPCConfig{
		Address:        "passthrough:///bufnet",
		ConnectTimeout: 2 * time.Second,
		RequestTimeout: 2 * time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(backend.Close)
	return backend
}

func TestGRPCBackendSearch(t *testing.T) {
	var seen map[string]any
	backend := startSearchServer(t, func(req *structpb.Struct) (*structpb.Struct, error) {
		seen = req.AsMap()
		return structpb.NewStruct(map[string]any{
			"results": []any{
				map[string]any{"product_id": "g1", "title": "Desk", "product_type": "used", "price": 80},
				map[string]any{"product_id": "g2", "title": "Chair", "product_type": "new", "price": "45"},
			},
			"total_count": 10,
		})
	})

	page, err := backend.Search(context.Background(), Query{Text: "office", Cursor: EncodeCursor(4), Limit: 2})
	require.NoError(t, err)

	require.Len(t, page.Products, 2)
	assert.Equal(t, "Used", page.Products[0].ConditionDescription)
	assert.Equal(t, "80", page.Products[0].Price)
	assert.Equal(t, "45", page.Products[1].Price)
	assert.Equal(t, EncodeCursor(6), page.NextCursor)

	assert.Equal(t, "office", seen["query"])
	assert.Equal(t, float64(4), seen["offset"])
	assert.Equal(t, float64(2), seen["limit"])
}

func TestGRPCBackendPropagatesStatus(t *testing.T) {
	backend := startSearchServer(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.Unavailable, "index rebuilding")
	})

	_, err := backend.Search(context.Background(), Query{Text: "office"})
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestNewGRPCBackendFailsWhenUnreachable(t *testing.T) {
	lis := bufconn.Listen(1 << 10)
	require.NoError(t, lis.Close())

	_, err := NewGRPCBackend(GRPCConfig{
		Address:        "passthrough:///closed",
		ConnectTimeout: 200 * time.Millisecond,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}, nil)
	assert.Error(t, err)
}
