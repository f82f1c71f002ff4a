// Package dataapi implements the gRPC data plane: the read path SDKs use to
// evaluate flags and resolve A/B variants.
package dataapi

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rafaeljc/bifrost/internal/abtest"
	"github.com/rafaeljc/bifrost/internal/errs"
	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/logger"
)

// Evaluator resolves and evaluates a flag. The control plane evaluates
// against its registry; replicas use the tiered Redis cache.
type Evaluator interface {
	Evaluate(ctx context.Context, name string, req flags.Request) (flags.Evaluation, error)
}

// VariantAssigner resolves A/B variants.
type VariantAssigner interface {
	GetVariant(id, userID string) (abtest.Variant, error)
}

// registryEvaluator adapts the registry, which does not take a context.
type registryEvaluator struct {
	reg *flags.Registry
}

// RegistryEvaluator evaluates directly against reg.
func RegistryEvaluator(reg *flags.Registry) Evaluator {
	if reg == nil {
		panic("dataapi: registry cannot be nil")
	}
	return registryEvaluator{reg: reg}
}

func (e registryEvaluator) Evaluate(_ context.Context, name string, req flags.Request) (flags.Evaluation, error) {
	return e.reg.Evaluate(name, req)
}

// API implements DataPlaneServer.
type API struct {
	evaluator Evaluator

	// variants is nil on replicas, which do not hold A/B tests.
	variants VariantAssigner
}

var _ DataPlaneServer = (*API)(nil)

// NewAPI creates the service. variants may be nil, in which case GetVariant
// answers Unimplemented.
func NewAPI(evaluator Evaluator, variants VariantAssigner) *API {
	if evaluator == nil {
		panic("dataapi: evaluator cannot be nil")
	}
	return &API{evaluator: evaluator, variants: variants}
}

// Register attaches the service to a gRPC server.
func (a *API) Register(s grpc.ServiceRegistrar) {
	RegisterDataPlaneServer(s, a)
}

// Evaluate returns {"flag", "value", "reason"} for {"flag", "user_id",
// "group_ids", "attributes"}.
//
// It returns:
//   - INVALID_ARGUMENT for a missing flag or malformed fields.
//   - NOT_FOUND if the flag does not exist.
//   - INTERNAL if the flag source failed.
func (a *API) Evaluate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	log := logger.FromContext(ctx)

	req, err := parseEvaluateRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Flag == "" {
		log.Warn("bad request: missing flag")
		return nil, status.Error(codes.InvalidArgument, "flag is required")
	}

	log.Debug("evaluating flag", slog.String("flag", req.Flag))

	ev, err := a.evaluator.Evaluate(ctx, req.Flag, flags.Request{
		UserID:     req.UserID,
		GroupIDs:   req.GroupIDs,
		Attributes: req.Attributes,
	})
	if err != nil {
		return nil, toStatus(ctx, err)
	}

	return EvaluateResponse{Flag: req.Flag, Value: ev.Value, Reason: ev.Reason}.toStruct()
}

// GetVariant returns {"test_id", "user_id", "variant"} for {"test_id", "user_id"}.
func (a *API) GetVariant(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if a.variants == nil {
		return nil, status.Error(codes.Unimplemented, "A/B tests are served by the control plane")
	}

	req, err := parseVariantRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.TestID == "" {
		return nil, status.Error(codes.InvalidArgument, "test_id is required")
	}

	v, err := a.variants.GetVariant(req.TestID, req.UserID)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return VariantResponse{TestID: req.TestID, UserID: req.UserID, Variant: string(v)}.toStruct()
}

// toStatus maps the errs taxonomy to gRPC codes. Unknown errors become
// INTERNAL without leaking their text.
func toStatus(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, errs.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, errs.ErrTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		logger.FromContext(ctx).Error("evaluation source failed", slog.String("error", err.Error()))
		return status.Error(codes.Internal, "failed to retrieve flag configuration")
	}
}
