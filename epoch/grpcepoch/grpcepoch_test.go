package grpcepoch

import (
	"context"
	"strconv"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"zerok.dev/zerok/epoch"
)

func bumpReq(t *testing.T, name string, e uint64) *structpb.Struct {
	t.Helper()
	req, err := structpb.NewStruct(map[string]interface{}{
		"name":  name,
		"epoch": strconv.FormatUint(e, 10),
	})
	if err != nil {
		t.Fatalf("NewStruct failed: %v", err)
	}
	return req
}

func TestServerGetBump(t *testing.T) {
	srv := &Server{Store: epoch.NewMem()}
	ctx := context.Background()

	_, err := srv.Get(ctx, wrapperspb.String("myapp"))
	if status.Code(err) != codes.NotFound {
		t.Fatalf("fresh get: got %v", err)
	}

	if _, err := srv.Bump(ctx, bumpReq(t, "myapp", 5)); err != nil {
		t.Fatalf("Bump failed: %v", err)
	}
	reply, err := srv.Get(ctx, wrapperspb.String("myapp"))
	if err != nil || reply.GetValue() != 5 {
		t.Fatalf("Get: %v %v", reply, err)
	}

	_, err = srv.Bump(ctx, bumpReq(t, "myapp", 4))
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("regression: got %v", err)
	}
}

func TestServerRejectsBadInput(t *testing.T) {
	srv := &Server{Store: epoch.NewMem()}
	ctx := context.Background()

	_, err := srv.Get(ctx, wrapperspb.String("../escape"))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("bad name: got %v", err)
	}

	req, _ := structpb.NewStruct(map[string]interface{}{"name": "myapp", "epoch": "not-a-number"})
	_, err = srv.Bump(ctx, req)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("bad epoch: got %v", err)
	}

	var nilSrv *Server
	_, err = nilSrv.Get(ctx, wrapperspb.String("myapp"))
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("nil server: got %v", err)
	}
}
