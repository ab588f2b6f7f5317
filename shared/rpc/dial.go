package rpc

import "google.golang.org/grpc"

// CallOptions is the CallOption set every client stub in this package must
// be invoked with so grpc-go picks the gob codec over the default proto
// one. Broker and agent dialers pass this via grpc.WithDefaultCallOptions.
func CallOptions() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(CodecName)}
}
