package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kubilitics/kubilitics-explain/internal/models"
	"github.com/kubilitics/kubilitics-explain/internal/pipeline"
	"github.com/kubilitics/kubilitics-explain/internal/render"
	"github.com/kubilitics/kubilitics-explain/pkg/contracts"
)

// Package grpc serves the explanation engine over gRPC.
//
// Requests and responses are google.protobuf.Struct values, so the service
// is described by a hand-written ServiceDesc instead of generated stubs.
// The keys are documented in pkg/contracts.

// ExplainServiceServer is the server API for the explanation service.
type ExplainServiceServer interface {
	Explain(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Evict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterExplainServiceServer registers srv on s.
func RegisterExplainServiceServer(s grpc.ServiceRegistrar, srv ExplainServiceServer) {
	s.RegisterService(&ExplainServiceDesc, srv)
}

// ExplainServiceDesc describes kubilitics.explain.v1.ExplainService.
var ExplainServiceDesc = grpc.ServiceDesc{
	ServiceName: contracts.ServiceName,
	HandlerType: (*ExplainServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: contracts.MethodExplain, Handler: explainHandler},
		{MethodName: contracts.MethodEvict, Handler: evictHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kubilitics/explain/v1/explain.proto",
}

func explainHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExplainServiceServer).Explain(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: contracts.FullMethod(contracts.MethodExplain)}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExplainServiceServer).Explain(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func evictHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExplainServiceServer).Evict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: contracts.FullMethod(contracts.MethodEvict)}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExplainServiceServer).Evict(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Runner runs explanation jobs on a bounded worker pool.
type Runner interface {
	SubmitAndWait(ctx context.Context, job pipeline.Job) (*models.Explanation, error)
}

type explainService struct {
	explainer pipeline.Explainer
	runner    Runner
	renderer  *render.Renderer
	logger    *zap.Logger
}

// Explain implements ExplainServiceServer.
func (s *explainService) Explain(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	raw := fields
	if ev, ok := fields[contracts.KeyEvent]; ok {
		m, ok := ev.(map[string]interface{})
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "%q must be a struct", contracts.KeyEvent)
		}
		raw = m
	}

	formatName, _ := fields[contracts.KeyFormat].(string)
	format, err := render.ParseFormat(formatName)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var exp *models.Explanation
	if s.runner != nil {
		exp, err = s.runner.SubmitAndWait(ctx, pipeline.Job{Raw: raw, Source: "grpc"})
	} else {
		exp, err = s.explainer.Explain(ctx, raw, "grpc")
	}
	if err != nil {
		return nil, toStatus(err)
	}

	record, err := toMap(s.renderer.Record(exp))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode explanation: %v", err)
	}
	out := map[string]interface{}{contracts.KeyExplanation: record}
	if format != render.FormatJSON {
		rendered, err := s.renderer.Render(exp, format)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "render %s: %v", format, err)
		}
		out[contracts.KeyRendered] = string(rendered)
	}

	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return resp, nil
}

// Evict implements ExplainServiceServer.
func (s *explainService) Evict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fp := req.GetFields()[contracts.KeyFingerprint].GetStringValue()
	if fp == "" {
		return nil, status.Errorf(codes.InvalidArgument, "%q is required", contracts.KeyFingerprint)
	}
	if err := s.explainer.Evict(ctx, fp); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		contracts.KeyFingerprint: fp,
		contracts.KeyEvicted:     true,
	})
}

// toStatus maps engine errors to gRPC status codes.
func toStatus(err error) error {
	var code codes.Code
	switch models.KindOf(err) {
	case models.KindMalformedEvent:
		code = codes.InvalidArgument
	case models.KindContextResolution:
		code = codes.Unavailable
	case models.KindAttribution:
		code = codes.FailedPrecondition
	case models.KindNotFound:
		code = codes.NotFound
	case models.KindCacheContention:
		code = codes.Aborted
	case models.KindCancelled:
		code = codes.Canceled
		if errors.Is(err, context.DeadlineExceeded) {
			code = codes.DeadlineExceeded
		}
	default:
		switch {
		case errors.Is(err, pipeline.ErrPoolFull):
			code = codes.ResourceExhausted
		case errors.Is(err, pipeline.ErrPoolStopped):
			code = codes.Unavailable
		default:
			code = codes.Internal
		}
	}
	return status.Error(code, fmt.Sprintf("%s: %v", models.KindOf(err), err))
}

func toMap(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
