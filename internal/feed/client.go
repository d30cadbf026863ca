package feed

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the feed service over cc.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Status calls the Status RPC.
func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, StatusMethod, new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Subscription receives streamed updates.
type Subscription struct {
	stream grpc.ClientStream
}

// Recv blocks for the next update.
func (s *Subscription) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := s.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Subscribe opens an update stream. Cancel ctx to end it.
func (c *Client) Subscribe(ctx context.Context, req Request, opts ...grpc.CallOption) (*Subscription, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], SubscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req.Struct()); err != nil {
		return nil, fmt.Errorf("failed to send subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("failed to close subscribe request: %w", err)
	}
	return &Subscription{stream: stream}, nil
}
