// Package rpc defines the wire contract between the server's per-agent
// Broker and the agent's Job/Updates/SystemInfo services (spec §6).
//
// The services are transported over the real google.golang.org/grpc
// library — streaming, deadlines, interceptors, and metadata all work the
// normal gRPC way. What differs from a typical Go gRPC service is the
// message encoding: these messages are plain Go structs registered with a
// gob-based grpc codec (gobCodec below) instead of protoc-gen-go output.
// grpc-go's codec is pluggable by design (encoding.RegisterCodec); this
// keeps the transport, load-balancing, and flow-control semantics of real
// gRPC while avoiding a protoc code-generation step this environment
// cannot run.
package rpc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype advertised by every client call in this
// package (see grpc.CallContentSubtype). The server picks up the matching
// codec automatically from the "grpc+gobfuzz" content-type header.
const CodecName = "gobfuzz"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec implements encoding.Codec using encoding/gob. A message type only
// needs gob.Register if it is carried inside an interface value; Update holds
// JobMsg and CrashMsg as concrete pointer fields, and job_service.go
// registers both anyway.
type gobCodec struct{}

func (gobCodec) Name() string { return CodecName }

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("rpc: gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("rpc: gob unmarshal: %w", err)
	}
	return nil
}
