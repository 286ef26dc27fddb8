package siloapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/loadstats"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type Client struct {
	conn *grpc.ClientConn
}

func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := common.DialGrpc(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func fromStatus(op string, err error) error {
	if status.Code(err) == codes.Unavailable || status.Code(err) == codes.DeadlineExceeded {
		return common.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Client) PushStatistics(ctx context.Context, silo common.SiloAddress, s loadstats.LoadSnapshot) error {
	b, err := json.Marshal(StatisticsPush{Silo: silo, Snapshot: s})
	if err != nil {
		return err
	}
	if err := c.conn.Invoke(ctx, pushStatisticsMethod, wrapperspb.Bytes(b), new(emptypb.Empty)); err != nil {
		return fromStatus("push statistics", err)
	}
	return nil
}

// Lookup asks the remote silo's directory. A missing grain is not an error.
func (c *Client) Lookup(ctx context.Context, grain common.GrainId) (common.GrainAddress, bool, error) {
	out := new(wrapperspb.BytesValue)
	err := c.conn.Invoke(ctx, lookupMethod, wrapperspb.String(grain.String()), out)
	if status.Code(err) == codes.NotFound {
		return common.GrainAddress{}, false, nil
	}
	if err != nil {
		return common.GrainAddress{}, false, fromStatus("remote lookup", err)
	}
	var addr common.GrainAddress
	if err := json.Unmarshal(out.GetValue(), &addr); err != nil {
		return common.GrainAddress{}, false, err
	}
	return addr, true, nil
}

func (c *Client) Statistics(ctx context.Context) (map[common.SiloAddress]loadstats.LoadSnapshot, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, statisticsMethod, new(emptypb.Empty), out); err != nil {
		return nil, fromStatus("statistics", err)
	}
	ret := make(map[common.SiloAddress]loadstats.LoadSnapshot)
	if err := json.Unmarshal(out.GetValue(), &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// Place asks the remote silo where it would activate req.Grain.
func (c *Client) Place(ctx context.Context, req PlaceRequest) (common.SiloAddress, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return common.SiloAddress{}, err
	}
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, placeMethod, wrapperspb.Bytes(b), out); err != nil {
		return common.SiloAddress{}, fromStatus("place", err)
	}
	var silo common.SiloAddress
	if err := json.Unmarshal(out.GetValue(), &silo); err != nil {
		return common.SiloAddress{}, err
	}
	return silo, nil
}
