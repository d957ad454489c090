// Command zerok-epochd serves a monotonic epoch record over gRPC for
// anti-rollback verification across hosts.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"google.golang.org/grpc"

	"zerok.dev/zerok/epoch/grpcepoch"
	"zerok.dev/zerok/epoch/localfs"
)

func main() {
	fs := flag.NewFlagSet("zerok-epochd", flag.ExitOnError)
	listen := fs.String("listen", "127.0.0.1:7791", "listen address")
	dir := fs.String("dir", "", "epoch record directory (required)")
	_ = fs.Parse(os.Args[1:])

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "missing --dir")
		os.Exit(2)
	}

	store, err := localfs.New(*dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer lis.Close()

	s := grpc.NewServer()
	grpcepoch.RegisterEpochServer(s, &grpcepoch.Server{Store: store})

	fmt.Fprintf(os.Stderr, "zerok-epochd listening on %s (dir=%s)\n", lis.Addr().String(), *dir)
	if err := s.Serve(lis); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
