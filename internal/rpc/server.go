// Package rpc exposes the chat operations as a gRPC service.
package rpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/supportdesk/internal/chat"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/identity"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "supportdesk.chat.v1.ChatService"

// ChatService is the server-side contract of the chat gRPC service.
type ChatService interface {
	StartSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	CloseSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ClaimSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	SetPresence(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ChatService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatService), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatService)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("StartSession", ChatService.StartSession),
		unaryHandler("SendMessage", ChatService.SendMessage),
		unaryHandler("GetMessages", ChatService.GetMessages),
		unaryHandler("CloseSession", ChatService.CloseSession),
		unaryHandler("GetSession", ChatService.GetSession),
		unaryHandler("ClaimSession", ChatService.ClaimSession),
		unaryHandler("SetPresence", ChatService.SetPresence),
	},
	Metadata: "supportdesk/chat/v1/chat.proto",
}

// Server implements ChatService on top of the chat manager.
type Server struct {
	mgr    *chat.Manager
	secret []byte
}

// NewChatServer creates the service implementation.
func NewChatServer(mgr *chat.Manager, secret []byte) *Server {
	return &Server{mgr: mgr, secret: secret}
}

// Register attaches the service to a gRPC server.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&serviceDesc, s)
}

// NewGRPCServer builds a gRPC server carrying the chat service and the
// standard health service.
func NewGRPCServer(mgr *chat.Manager, secret []byte) (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(recoverInterceptor, logInterceptor),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 10 * time.Second,
		}),
	)
	NewChatServer(mgr, secret).Register(gs)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

func logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	level := slog.LevelDebug
	if code == codes.Internal || code == codes.Unavailable {
		level = slog.LevelError
	}
	slog.Log(ctx, level, "gRPC call", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start))
	return resp, err
}

func recoverInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("gRPC handler panic", "method", info.FullMethod, "panic", r)
			err = status.Error(codes.Internal, "internal")
		}
	}()
	return handler(ctx, req)
}

// agentFromMetadata authenticates the caller from the authorization header.
func (s *Server) agentFromMetadata(ctx context.Context) (int64, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var tok string
	for _, v := range md.Get("authorization") {
		if t := identity.BearerToken(v); t != "" {
			tok = t
			break
		}
	}
	if tok == "" {
		return 0, status.Error(codes.Unauthenticated, "agent authentication required")
	}
	claims, err := identity.ParseAgentToken(s.secret, tok)
	if err != nil {
		return 0, status.Error(codes.Unauthenticated, "invalid agent token")
	}
	return claims.AgentID, nil
}

type tokenRequest struct {
	Token string `json:"token"`
}

type messagesRequest struct {
	Token   string `json:"token"`
	Limit   int    `json:"limit"`
	AfterID int64  `json:"afterId"`
}

type claimRequest struct {
	SessionID int64 `json:"sessionId"`
}

type presenceRequest struct {
	Status domain.Presence `json:"status"`
}

func reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(v)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

// StartSession creates a session for an order.
func (s *Server) StartSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req chat.StartRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	if req.OrderID <= 0 {
		return nil, toStatus(chat.ErrInvalidInput)
	}
	return reply(s.mgr.StartSession(ctx, req))
}

// SendMessage appends a customer message.
func (s *Server) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req chat.TokenMessage
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	return reply(s.mgr.SendMessage(ctx, req))
}

// GetMessages lists messages for the customer and flips the agent's to read.
func (s *Server) GetMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req messagesRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	if req.Limit < 0 || req.AfterID < 0 {
		return nil, toStatus(chat.ErrInvalidInput)
	}
	return reply(s.mgr.GetMessages(ctx, chat.TokenQuery{Token: req.Token, Limit: req.Limit, AfterID: req.AfterID}))
}

// CloseSession closes the session behind the token.
func (s *Server) CloseSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req tokenRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	return reply(s.mgr.CloseSession(ctx, req.Token))
}

// GetSession returns the customer's view of the session.
func (s *Server) GetSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req tokenRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	return reply(s.mgr.SessionByToken(ctx, req.Token))
}

// ClaimSession assigns a waiting session to the calling agent.
func (s *Server) ClaimSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	agentID, err := s.agentFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	var req claimRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	if req.SessionID <= 0 {
		return nil, toStatus(chat.ErrInvalidInput)
	}
	return reply(s.mgr.ClaimSession(ctx, agentID, req.SessionID))
}

// SetPresence records the calling agent's availability.
func (s *Server) SetPresence(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	agentID, err := s.agentFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	var req presenceRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	return reply(s.mgr.SetPresence(ctx, agentID, req.Status))
}
