package siloapi

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/loadstats"
	"github.com/eyeKill/graindir/placement"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Directory is the read side of the grain directory served to peers.
type Directory interface {
	Lookup(ctx context.Context, grain common.GrainId) (common.GrainAddress, bool, error)
}

type StatisticsPush struct {
	Silo     common.SiloAddress     `json:"silo"`
	Snapshot loadstats.LoadSnapshot `json:"snapshot"`
}

// Placer decides where a new activation would go.
type Placer interface {
	Place(strategy placement.Strategy, target placement.Target) (common.SiloAddress, error)
}

type PlaceRequest struct {
	// empty selects the silo's default strategy
	Strategy      string         `json:"strategy,omitempty"`
	Grain         common.GrainId `json:"grain"`
	InterfaceType string         `json:"interfaceType,omitempty"`
}

type Server struct {
	dir      Directory
	registry *loadstats.Registry
	placer   Placer
	log      *zap.Logger
}

var _ SiloServer = (*Server)(nil)

func NewServer(dir Directory, registry *loadstats.Registry) *Server {
	return &Server{dir: dir, registry: registry, log: common.Log().Named("siloapi")}
}

// SetPlacer enables the Place method. Without a placer it answers Unimplemented.
func (s *Server) SetPlacer(p Placer) {
	s.placer = p
}

func (s *Server) PushStatistics(_ context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	var push StatisticsPush
	if err := json.Unmarshal(in.GetValue(), &push); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed statistics: %v", err)
	}
	if push.Silo.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "statistics without silo")
	}
	if push.Silo == s.registry.LocalSilo() {
		return nil, status.Error(codes.InvalidArgument, "statistics for the receiving silo")
	}
	s.registry.Update(push.Silo, push.Snapshot)
	return &emptypb.Empty{}, nil
}

func (s *Server) Lookup(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	grain, err := common.ParseGrainId(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	addr, found, err := s.dir.Lookup(ctx, grain)
	if err != nil {
		s.log.Warn("Lookup failed.", zap.Stringer("grain", grain), zap.Error(err))
		if common.IsUnavailable(err) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	if !found {
		return nil, status.Errorf(codes.NotFound, "grain %s not registered", grain)
	}
	b, err := json.Marshal(addr)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) Statistics(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	b, err := json.Marshal(s.registry.All())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) Place(_ context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s.placer == nil {
		return nil, status.Error(codes.Unimplemented, "placement is not served by this silo")
	}
	var req PlaceRequest
	if err := json.Unmarshal(in.GetValue(), &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed placement request: %v", err)
	}
	if req.Grain.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "placement request without grain")
	}
	target := placement.Target{GrainId: req.Grain, InterfaceType: req.InterfaceType}
	if target.InterfaceType == "" {
		target.InterfaceType = req.Grain.Type
	}
	silo, err := s.placer.Place(placement.Strategy(req.Strategy), target)
	switch {
	case errors.Is(err, placement.ErrUnknownStrategy):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case placement.IsTerminal(err):
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}
	b, err := json.Marshal(silo)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(b), nil
}
