package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/bundle-ledger/internal/config"
	"github.com/rl1809/bundle-ledger/internal/core/service"
)

const grpcModule = "GRPCHandler"

// GRPCHandler answers business failures with success=false replies rather
// than gRPC status errors; only transport-level problems become statuses.
type GRPCHandler struct {
	ledger   *service.LedgerService
	validate *validator.Validate
	logger   logrus.FieldLogger
}

func NewGRPCHandler(ledger *service.LedgerService, logger logrus.FieldLogger) *GRPCHandler {
	return &GRPCHandler{
		ledger:   ledger,
		validate: validator.New(),
		logger:   logger,
	}
}

func (h *GRPCHandler) DeductStock(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req MovementRequest
	if err := h.decode(in, &req); err != nil {
		return invalidRequest(err)
	}

	item, err := h.ledger.DeductStock(ctx, req.ItemID, req.Quantity,
		service.MovementMeta{OrderID: req.OrderID, Reason: req.Reason})
	if err != nil {
		return h.failure("DeductStock", req, err)
	}
	return toStruct(Response{Success: true, Message: "stock deducted", Data: newItemView(*item)})
}

func (h *GRPCHandler) RestoreStock(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req MovementRequest
	if err := h.decode(in, &req); err != nil {
		return invalidRequest(err)
	}

	item, err := h.ledger.RestoreStock(ctx, req.ItemID, req.Quantity,
		service.MovementMeta{OrderID: req.OrderID, Reason: req.Reason})
	if err != nil {
		return h.failure("RestoreStock", req, err)
	}
	return toStruct(Response{Success: true, Message: "stock restored", Data: newItemView(*item)})
}

func (h *GRPCHandler) SetStock(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SetStockRequest
	if err := h.decode(in, &req); err != nil {
		return invalidRequest(err)
	}

	item, err := h.ledger.SetStock(ctx, req.ItemID, req.BundleSize, req.Quantity, req.ChangedBy, req.Reason)
	if err != nil {
		return h.failure("SetStock", req, err)
	}
	return toStruct(Response{Success: true, Message: "stock set", Data: newItemView(*item)})
}

func (h *GRPCHandler) CheckStock(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CheckStockRequest
	if err := h.decode(in, &req); err != nil {
		return invalidRequest(err)
	}

	ok, err := h.ledger.CheckStock(ctx, req.ItemID, req.Quantity)
	if err != nil {
		return h.failure("CheckStock", req, err)
	}
	return toStruct(Response{Success: true, Message: "ok", Data: map[string]bool{"available": ok}})
}

func (h *GRPCHandler) IsLowStock(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ItemRequest
	if err := h.decode(in, &req); err != nil {
		return invalidRequest(err)
	}

	low, err := h.ledger.IsLowStock(ctx, req.ItemID)
	if err != nil {
		return h.failure("IsLowStock", req, err)
	}
	return toStruct(Response{Success: true, Message: "ok", Data: map[string]bool{"low": low}})
}

func (h *GRPCHandler) LowStockItems(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	items, err := h.ledger.GetLowStockItems(ctx)
	if err != nil {
		return h.failure("LowStockItems", nil, err)
	}
	return toStruct(Response{Success: true, Message: "ok", Data: map[string]any{"items": newItemViews(items)}})
}

// decode maps a request document onto dst through its JSON form, so the
// transports share request types and validation rules.
func (h *GRPCHandler) decode(in *structpb.Struct, dst any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	return h.validate.Struct(dst)
}

func invalidRequest(err error) (*structpb.Struct, error) {
	return toStruct(Response{Message: "invalid request: " + err.Error(), Code: "invalid_request"})
}

func (h *GRPCHandler) failure(funcName string, req any, err error) (*structpb.Struct, error) {
	code, resp := classify(err)
	if code == http.StatusInternalServerError {
		config.LogError(h.logger, grpcModule, funcName, "handle request", req, err)
	}
	return toStruct(resp)
}

func toStruct(resp Response) (*structpb.Struct, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// TimeoutInterceptor bounds every unary call by d.
func TimeoutInterceptor(d time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return handler(ctx, req)
	}
}

func LoggingInterceptor(logger logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		entry := logger.WithFields(logrus.Fields{
			"method":   info.FullMethod,
			"duration": time.Since(start).String(),
		})
		if err != nil {
			entry.WithError(err).Warn("grpc call failed")
		} else {
			entry.Debug("grpc call")
		}
		return resp, err
	}
}
