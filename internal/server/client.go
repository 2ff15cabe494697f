package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/ttq-tasks/internal/gateway"
	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

// Client calls a remote TaskService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
}

// Enqueue submits name with kwargs and returns the task id.
func (c *Client) Enqueue(ctx context.Context, name string, kwargs map[string]any) (types.JobID, error) {
	out := new(EnqueueResponse)
	if err := c.invoke(ctx, "Enqueue", &EnqueueRequest{TaskName: name, Kwargs: kwargs}, out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

// Status returns the current view of id.
func (c *Client) Status(ctx context.Context, id types.JobID) (gateway.StatusView, error) {
	out := new(StatusResponse)
	if err := c.invoke(ctx, "Status", &StatusRequest{TaskID: id}, out); err != nil {
		return gateway.StatusView{}, err
	}
	return *out, nil
}

// Revoke requests cancellation of id.
func (c *Client) Revoke(ctx context.Context, id types.JobID, terminate bool) (bool, error) {
	out := new(RevokeResponse)
	if err := c.invoke(ctx, "Revoke", &RevokeRequest{TaskID: id, Terminate: terminate}, out); err != nil {
		return false, err
	}
	return out.Revoked, nil
}

// Allowed lists the task names the server accepts.
func (c *Client) Allowed(ctx context.Context) ([]string, error) {
	out := new(AllowedResponse)
	if err := c.invoke(ctx, "Allowed", &AllowedRequest{}, out); err != nil {
		return nil, err
	}
	return out.Names, nil
}
