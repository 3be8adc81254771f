package rpc

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ashureev/supportdesk/internal/chat"
)

// toStatus maps a chat error to a gRPC status. The message carries the
// same stable code the HTTP API returns.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, chat.ErrInvalidToken):
		return status.Error(codes.NotFound, "invalid_token")
	case errors.Is(err, chat.ErrNotFound):
		return status.Error(codes.NotFound, "not_found")
	case errors.Is(err, chat.ErrInvalidState):
		return status.Error(codes.FailedPrecondition, "session_not_active")
	case errors.Is(err, chat.ErrEmptyContent):
		return status.Error(codes.InvalidArgument, "empty_content")
	case errors.Is(err, chat.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, "invalid_input")
	case errors.Is(err, chat.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, "unauthorized")
	case errors.Is(err, chat.ErrStorageUnavailable):
		return status.Error(codes.Unavailable, "storage_unavailable")
	default:
		return status.Error(codes.Internal, "internal")
	}
}
