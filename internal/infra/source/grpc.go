package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/vietddude/chainindexer/internal/codec"
	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/indexing/metrics"
)

const nextBlocksMethod = "/blocksource.v1.BlockSource/NextBlocks"

// NextBlocksRequest mirrors blocksource.v1.NextBlocksRequest.
type NextBlocksRequest struct {
	After uint64
	Limit uint32
}

// NextBlocksResponse mirrors blocksource.v1.NextBlocksResponse.
type NextBlocksResponse struct {
	Blocks []domain.Block
}

// wireCodec marshals the two BlockSource messages with protowire. Its name
// is "proto" so peers using generated stubs interoperate.
type wireCodec struct{}

func (wireCodec) Name() string { return "proto" }

func (wireCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *NextBlocksRequest:
		var b []byte
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, m.After)
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Limit))
		return b, nil
	case *NextBlocksResponse:
		return codec.EncodeBatch(m.Blocks), nil
	default:
		return nil, fmt.Errorf("wire codec: unsupported message %T", v)
	}
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *NextBlocksRequest:
		*m = NextBlocksRequest{}
		for len(data) > 0 {
			num, typ, n := protowire.ConsumeTag(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			if typ != protowire.VarintType {
				n = protowire.ConsumeFieldValue(num, typ, data)
				if n < 0 {
					return protowire.ParseError(n)
				}
				data = data[n:]
				continue
			}
			word, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			switch num {
			case 1:
				m.After = word
			case 2:
				m.Limit = uint32(word)
			}
		}
		return nil
	case *NextBlocksResponse:
		blocks, err := codec.DecodeBatch(data)
		if err != nil {
			return err
		}
		m.Blocks = blocks
		return nil
	default:
		return fmt.Errorf("wire codec: unsupported message %T", v)
	}
}

// GRPCSource calls blocksource.v1.BlockSource.
type GRPCSource struct {
	name    string
	conn    *grpc.ClientConn
	timeout time.Duration
}

var _ Source = (*GRPCSource)(nil)

// NewGRPCSource connects to endpoint. An https:// scheme or port 443 selects
// TLS. Extra options are appended after the defaults.
func NewGRPCSource(name, endpoint string, timeout time.Duration, opts ...grpc.DialOption) (*GRPCSource, error) {
	target := endpoint
	var dialOpts []grpc.DialOption
	if strings.HasPrefix(endpoint, "https://") || strings.HasSuffix(endpoint, ":443") {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
		target = strings.TrimPrefix(target, "https://")
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "http://")
	}
	dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(grpc.ForceCodec(wireCodec{})))
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	return &GRPCSource{name: name, conn: conn, timeout: timeout}, nil
}

func (s *GRPCSource) NextBlocks(ctx context.Context, after uint64, limit uint32) ([]domain.Block, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	var resp NextBlocksResponse
	err := s.conn.Invoke(ctx, nextBlocksMethod, &NextBlocksRequest{After: after, Limit: limit}, &resp)
	metrics.SourceLatency.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	if err != nil {
		err = Classify("next_blocks", err)
		metrics.SourceErrors.WithLabelValues(s.name, errorType(err)).Inc()
		return nil, err
	}
	return resp.Blocks, nil
}

func (s *GRPCSource) Close() error {
	return s.conn.Close()
}

// BlockSourceServer is the server side of blocksource.v1.BlockSource.
type BlockSourceServer interface {
	NextBlocks(ctx context.Context, req *NextBlocksRequest) (*NextBlocksResponse, error)
}

// RegisterBlockSourceServer serves srv on s. The server must be created with
// ServerCodec.
func RegisterBlockSourceServer(s *grpc.Server, srv BlockSourceServer) {
	s.RegisterService(&blockSourceDesc, srv)
}

// ServerCodec returns the server option that installs the BlockSource codec.
func ServerCodec() grpc.ServerOption {
	return grpc.ForceServerCodec(wireCodec{})
}

var blockSourceDesc = grpc.ServiceDesc{
	ServiceName: "blocksource.v1.BlockSource",
	HandlerType: (*BlockSourceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "NextBlocks",
			Handler:    nextBlocksHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "api/blocksource/v1/blocksource.proto",
}

func nextBlocksHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(NextBlocksRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BlockSourceServer).NextBlocks(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: nextBlocksMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BlockSourceServer).NextBlocks(ctx, req.(*NextBlocksRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func errorType(err error) string {
	if domain.IsTransient(err) {
		return "transient"
	}
	return "fatal"
}
