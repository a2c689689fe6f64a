package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fincoach/internal/core"
	"fincoach/internal/types"
)

// FeatureAiCoachMessage is the metered feature consumed by each coach
// chat message.
const FeatureAiCoachMessage = "ai_coach_message"

// CoachService produces a coaching reply for a user message.
type CoachService interface {
	Reply(ctx context.Context, userID, message string) (string, error)
}

// CoachHandler serves the AI coach chat endpoint. The endpoint sits
// behind RequireFeature(FeatureAiCoachMessage), so entitlement checks
// and usage counting happen in middleware, not here.
type CoachHandler struct {
	svc       CoachService
	validator *core.Validator
	logger    *slog.Logger
}

func NewCoachHandler(svc CoachService, validator *core.Validator, logger *slog.Logger) *CoachHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CoachHandler{svc: svc, validator: validator, logger: logger}
}

// RegisterRoutes mounts the chat endpoint behind the feature gate.
func (h *CoachHandler) RegisterRoutes(r chi.Router, requireFeature func(http.Handler) http.Handler) {
	r.With(requireFeature).Post("/coach/chat", h.Chat)
}

type coachChatRequest struct {
	Message string `json:"message" validate:"required,max=4000"`
}

type coachChatResponse struct {
	Reply string `json:"reply"`
}

// Chat answers one coaching message.
func (h *CoachHandler) Chat(w http.ResponseWriter, r *http.Request) {
	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	var req coachChatRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	reply, err := h.svc.Reply(r.Context(), userID, req.Message)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: coachChatResponse{Reply: reply}})
}
