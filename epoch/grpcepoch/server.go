package grpcepoch

import (
	"context"
	"errors"
	"strconv"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"zerok.dev/zerok/epoch"
	"zerok.dev/zerok/zerr"
)

// Server exposes an epoch.Store over the Epoch gRPC service.
type Server struct {
	Store epoch.Store
}

func (s *Server) Get(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.UInt64Value, error) {
	_ = ctx
	if s == nil || s.Store == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing store")
	}
	name := in.GetValue()
	if err := epoch.CheckName(name); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	e, ok, err := s.Store.Get(name)
	if err != nil {
		return nil, mapErr(err)
	}
	if !ok {
		return nil, status.Error(codes.NotFound, "no record")
	}
	return wrapperspb.UInt64(e), nil
}

func (s *Server) Bump(ctx context.Context, in *structpb.Struct) (*wrapperspb.BoolValue, error) {
	_ = ctx
	if s == nil || s.Store == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing store")
	}
	name := in.GetFields()["name"].GetStringValue()
	epochStr := in.GetFields()["epoch"].GetStringValue()
	if err := epoch.CheckName(name); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	e, err := strconv.ParseUint(epochStr, 10, 64)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "epoch is not a decimal uint64")
	}
	if err := s.Store.Bump(name, e); err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.Bool(true), nil
}

func mapErr(err error) error {
	var ze *zerr.Error
	if errors.As(err, &ze) && ze.RuleID == epoch.RuleRegression {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
