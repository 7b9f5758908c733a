package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/auth"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "approvals.v1.ApprovalService"

// ApprovalServiceServer is the server API of approvals.v1.ApprovalService.
// Every method takes and returns a google.protobuf.Struct whose fields
// mirror the HTTP JSON bodies.
type ApprovalServiceServer interface {
	Call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(ctx context.Context, in *structpb.Struct) (any, error)

// GRPCHandler implements the ApprovalService gRPC interface
type GRPCHandler struct {
	api     *API
	logger  *logger.Logger
	methods map[string]unaryMethod
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(api *API, log *logger.Logger) *GRPCHandler {
	h := &GRPCHandler{api: api, logger: log.Component("grpc")}
	h.methods = map[string]unaryMethod{
		"CreateTemplate":        h.createTemplate,
		"UpdateTemplate":        h.updateTemplate,
		"DeleteTemplate":        h.deleteTemplate,
		"GetTemplate":           h.getTemplate,
		"ListTemplates":         h.listTemplates,
		"ReplaceTemplateFields": h.replaceTemplateFields,
		"ReplaceTemplateLevels": h.replaceTemplateLevels,
		"CreateRequest":         h.createRequest,
		"ListRequests":          h.listRequests,
		"GetRequest":            h.getRequest,
		"UpdateRequest":         h.updateRequest,
		"SubmitRequest":         h.submitRequest,
		"ActOnRequest":          h.actOnRequest,
		"CancelRequest":         h.cancelRequest,
		"DeleteRequest":         h.deleteRequest,
		"ListStuckRequests":     h.listStuckRequests,
		"ListOverdueRequests":   h.listOverdueRequests,
		"ListNotifications":     h.listNotifications,
		"MarkNotificationRead":  h.markNotificationRead,
	}
	return h
}

// Call dispatches one unary method.
func (h *GRPCHandler) Call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	fn, ok := h.methods[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", method)
	}
	out, err := fn(ctx, in)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeInternal {
			h.logger.Error().Err(err).Str("method", method).Msg("gRPC call failed")
		}
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(out)
}

// ServiceDesc describes the service for grpc.Server.RegisterService. Every
// method takes and returns a google.protobuf.Struct, so there is no .proto
// file descriptor behind it and Metadata stays empty.
func (h *GRPCHandler) ServiceDesc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*ApprovalServiceServer)(nil),
	}
	for name := range h.methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: name, Handler: methodHandler(name)})
	}
	return desc
}

func methodHandler(name string) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(ApprovalServiceServer)
		if interceptor == nil {
			return s.Call(ctx, name, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return s.Call(ctx, name, req.(*structpb.Struct))
		})
	}
}

// NewGRPCServer builds a server with logging and authentication
// interceptors, the approvals service, health checks and reflection.
func NewGRPCServer(h *GRPCHandler, verifier *auth.Verifier, log *logger.Logger) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		UnaryLoggingInterceptor(log),
		auth.UnaryServerInterceptor(verifier),
	))
	srv.RegisterService(h.ServiceDesc(), h)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	reflection.Register(srv)
	return srv, hs
}

// ── Methods ───────────────────────────────────────────────────────────────────

type idRequest struct {
	ID string `json:"id"`
}

func (h *GRPCHandler) createTemplate(ctx context.Context, in *structpb.Struct) (any, error) {
	var body templateBody
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	return h.api.CreateTemplate(ctx, &body)
}

func (h *GRPCHandler) updateTemplate(ctx context.Context, in *structpb.Struct) (any, error) {
	var body struct {
		ID string `json:"id"`
		templatePatchBody
	}
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	if body.ID == "" {
		return nil, errMissingID
	}
	return h.api.UpdateTemplate(ctx, body.ID, &body.templatePatchBody)
}

func (h *GRPCHandler) deleteTemplate(ctx context.Context, in *structpb.Struct) (any, error) {
	id, err := requireID(in)
	if err != nil {
		return nil, err
	}
	return h.api.DeleteTemplate(ctx, id)
}

func (h *GRPCHandler) getTemplate(ctx context.Context, in *structpb.Struct) (any, error) {
	var body struct {
		ID            string `json:"id"`
		IncludeFields bool   `json:"includeFields"`
		IncludeLevels bool   `json:"includeLevels"`
	}
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	if body.ID == "" {
		return nil, errMissingID
	}
	return h.api.GetTemplate(ctx, body.ID, body.IncludeFields, body.IncludeLevels)
}

func (h *GRPCHandler) listTemplates(ctx context.Context, in *structpb.Struct) (any, error) {
	var body struct {
		ActiveOnly    *bool `json:"activeOnly"`
		IncludeFields bool  `json:"includeFields"`
		IncludeLevels bool  `json:"includeLevels"`
	}
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	templates, err := h.api.ListTemplates(ctx, service.TemplateListOptions{
		ActiveOnly:    body.ActiveOnly == nil || *body.ActiveOnly,
		IncludeFields: body.IncludeFields,
		IncludeLevels: body.IncludeLevels,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"templates": templates}, nil
}

func (h *GRPCHandler) replaceTemplateFields(ctx context.Context, in *structpb.Struct) (any, error) {
	var body struct {
		ID     string      `json:"id"`
		Fields []fieldBody `json:"fields"`
	}
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	if body.ID == "" {
		return nil, errMissingID
	}
	fields, err := h.api.ReplaceTemplateFields(ctx, body.ID, body.Fields)
	if err != nil {
		return nil, err
	}
	return map[string]any{"fields": fields}, nil
}

func (h *GRPCHandler) replaceTemplateLevels(ctx context.Context, in *structpb.Struct) (any, error) {
	var body struct {
		ID string `json:"id"`
		levelsBody
	}
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	if body.ID == "" {
		return nil, errMissingID
	}
	levels, err := h.api.ReplaceTemplateLevels(ctx, body.ID, &body.levelsBody)
	if err != nil {
		return nil, err
	}
	return map[string]any{"levels": levels}, nil
}

func (h *GRPCHandler) createRequest(ctx context.Context, in *structpb.Struct) (any, error) {
	var body createRequestBody
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	return h.api.CreateRequest(ctx, &body)
}

func (h *GRPCHandler) listRequests(ctx context.Context, in *structpb.Struct) (any, error) {
	var q listRequestsQuery
	if err := fromStruct(in, &q); err != nil {
		return nil, err
	}
	return h.api.ListRequests(ctx, &q)
}

func (h *GRPCHandler) getRequest(ctx context.Context, in *structpb.Struct) (any, error) {
	id, err := requireID(in)
	if err != nil {
		return nil, err
	}
	return h.api.GetRequest(ctx, id)
}

func (h *GRPCHandler) updateRequest(ctx context.Context, in *structpb.Struct) (any, error) {
	var body struct {
		ID string `json:"id"`
		updateRequestBody
	}
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	if body.ID == "" {
		return nil, errMissingID
	}
	return h.api.UpdateRequest(ctx, body.ID, &body.updateRequestBody)
}

func (h *GRPCHandler) submitRequest(ctx context.Context, in *structpb.Struct) (any, error) {
	id, err := requireID(in)
	if err != nil {
		return nil, err
	}
	return h.api.SubmitRequest(ctx, id)
}

func (h *GRPCHandler) actOnRequest(ctx context.Context, in *structpb.Struct) (any, error) {
	var body struct {
		ID string `json:"id"`
		actionBody
	}
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	if body.ID == "" {
		return nil, errMissingID
	}
	return h.api.Act(ctx, body.ID, &body.actionBody)
}

func (h *GRPCHandler) cancelRequest(ctx context.Context, in *structpb.Struct) (any, error) {
	id, err := requireID(in)
	if err != nil {
		return nil, err
	}
	return h.api.CancelRequest(ctx, id)
}

func (h *GRPCHandler) deleteRequest(ctx context.Context, in *structpb.Struct) (any, error) {
	id, err := requireID(in)
	if err != nil {
		return nil, err
	}
	if err := h.api.DeleteRequest(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

func (h *GRPCHandler) listStuckRequests(ctx context.Context, _ *structpb.Struct) (any, error) {
	requests, err := h.api.ListStuckRequests(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"requests": requests}, nil
}

func (h *GRPCHandler) listOverdueRequests(ctx context.Context, _ *structpb.Struct) (any, error) {
	requests, err := h.api.ListOverdueRequests(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"requests": requests}, nil
}

func (h *GRPCHandler) listNotifications(ctx context.Context, in *structpb.Struct) (any, error) {
	var body struct {
		UnreadOnly bool `json:"unreadOnly"`
		Limit      int  `json:"limit"`
	}
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	notifications, err := h.api.ListNotifications(ctx, body.UnreadOnly, body.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"notifications": notifications}, nil
}

func (h *GRPCHandler) markNotificationRead(ctx context.Context, in *structpb.Struct) (any, error) {
	id, err := requireID(in)
	if err != nil {
		return nil, err
	}
	if err := h.api.MarkNotificationRead(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"read": true}, nil
}

// ── Struct conversion ─────────────────────────────────────────────────────────

// fromStruct decodes a Struct into v through its JSON form.
func fromStruct(in *structpb.Struct, v any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid payload: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid payload: %v", err)
	}
	return nil
}

// toStruct encodes v into a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func requireID(in *structpb.Struct) (string, error) {
	var body idRequest
	if err := fromStruct(in, &body); err != nil {
		return "", err
	}
	if body.ID == "" {
		return "", errMissingID
	}
	return body.ID, nil
}
