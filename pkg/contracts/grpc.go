package contracts

// Package contracts defines the gRPC contract of the explanation service.
//
// The service exchanges google.protobuf.Struct messages, so there is no
// generated code: this file documents the method names and the keys clients
// put into and read out of the Struct.
//
//   service kubilitics.explain.v1.ExplainService {
//     rpc Explain(google.protobuf.Struct) returns (google.protobuf.Struct);
//     rpc Evict(google.protobuf.Struct) returns (google.protobuf.Struct);
//   }

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "kubilitics.explain.v1.ExplainService"

// Method names.
const (
	MethodExplain = "Explain"
	MethodEvict   = "Evict"
)

// FullMethod returns "/<service>/<method>".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Explain request keys. KeyEvent holds the raw adaptation event in the
// adaptation-log schema; when it is absent the request Struct itself is
// treated as the event.
const (
	KeyEvent  = "event"
	KeyFormat = "format"
)

// Explain response keys. KeyExplanation holds the structured record with
// the same field names as the REST JSON rendering. KeyRendered is set when
// a text or markdown format was requested.
const (
	KeyExplanation = "explanation"
	KeyRendered    = "rendered"
)

// Evict keys.
const (
	KeyFingerprint = "fingerprint"
	KeyEvicted     = "evicted"
)
