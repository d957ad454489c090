package grpcepoch

import (
	"context"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"zerok.dev/zerok/epoch"
	"zerok.dev/zerok/zerr"
)

// Client implements epoch.Store over the Epoch gRPC service.
type Client struct {
	cc     *grpc.ClientConn
	client EpochClient

	// Timeout applies per RPC when non-zero.
	Timeout time.Duration
}

type DialOptions struct {
	// Timeout applies per RPC when non-zero.
	Timeout time.Duration
}

func Dial(target string, opts DialOptions) (*Client, error) {
	cc, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, zerr.Wrap(zerr.KindIO, "ZK-IO-021", "dial epoch server", err)
	}
	return &Client{cc: cc, client: NewEpochClient(cc), Timeout: opts.Timeout}, nil
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) ctx() (context.Context, context.CancelFunc) {
	if c.Timeout > 0 {
		return context.WithTimeout(context.Background(), c.Timeout)
	}
	return context.Background(), func() {}
}

func (c *Client) Get(name string) (uint64, bool, error) {
	if err := epoch.CheckName(name); err != nil {
		return 0, false, err
	}
	ctx, cancel := c.ctx()
	defer cancel()

	reply, err := c.client.Get(ctx, wrapperspb.String(name))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, false, nil
		}
		return 0, false, zerr.Wrap(zerr.KindIO, "ZK-IO-022", "epoch get", err)
	}
	return reply.GetValue(), true, nil
}

func (c *Client) Bump(name string, e uint64) error {
	if err := epoch.CheckName(name); err != nil {
		return err
	}
	ctx, cancel := c.ctx()
	defer cancel()

	req, err := structpb.NewStruct(map[string]interface{}{
		"name":  name,
		"epoch": strconv.FormatUint(e, 10),
	})
	if err != nil {
		return zerr.Wrap(zerr.KindInternal, "ZK-IO-023", "build bump request", err)
	}
	if _, err := c.client.Bump(ctx, req); err != nil {
		if status.Code(err) == codes.FailedPrecondition {
			return zerr.New(zerr.KindCrypto, epoch.RuleRegression, status.Convert(err).Message())
		}
		return zerr.Wrap(zerr.KindIO, "ZK-IO-023", "epoch bump", err)
	}
	return nil
}
