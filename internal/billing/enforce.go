package billing

import (
	"context"
	"log/slog"
	"net/http"

	"fincoach/internal/types"
)

// AccessChecker answers whether a user may use a feature. The Evaluator
// implements it.
type AccessChecker interface {
	Check(ctx context.Context, userID, feature string) (types.FeatureDecision, error)
}

// UsageRecorder records one use of a feature. The Meter implements it.
type UsageRecorder interface {
	Record(ctx context.Context, userID, feature string) (int, error)
}

// ErrorWriter renders an AppError onto a response. Wired to core.Error
// so enforcement responses share the API error envelope.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Enforcer gates handlers behind feature entitlements. The check runs
// before the handler; the usage recording runs after, and only when the
// handler succeeded. A request denied or failed halfway never consumes
// quota.
type Enforcer struct {
	checker  AccessChecker
	recorder UsageRecorder
	writeErr ErrorWriter
	logger   *slog.Logger
}

func NewEnforcer(checker AccessChecker, recorder UsageRecorder, writeErr ErrorWriter, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{checker: checker, recorder: recorder, writeErr: writeErr, logger: logger}
}

// RequireFeature wraps a handler so it only runs for users entitled to
// the feature, and counts each successful (2xx) invocation against the
// user's quota. Must run after authentication.
func (e *Enforcer) RequireFeature(feature string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := types.GetUserID(r.Context())
			if !ok {
				e.writeErr(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
				return
			}

			decision, err := e.checker.Check(r.Context(), userID, feature)
			if err != nil {
				e.writeErr(w, r, err)
				return
			}
			if !decision.CanUse {
				code := decision.Reason
				if code == "" {
					code = types.ErrCodePlanTooLow
				}
				e.writeErr(w, r, types.NewAppError(code, decision.Message, nil))
				return
			}

			capture := &statusCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.status >= 200 && capture.status < 300 {
				if _, err := e.recorder.Record(r.Context(), userID, feature); err != nil {
					// The response already went out; the miss costs the
					// user one free use, never a failed request.
					e.logger.Error("failed to record feature usage",
						"user_id", userID, "feature", feature, "error", err)
				}
			}
		})
	}
}

// statusCapture remembers the status code a handler wrote.
type statusCapture struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (c *statusCapture) WriteHeader(status int) {
	if !c.wroteHeader {
		c.status = status
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *statusCapture) Write(b []byte) (int, error) {
	c.wroteHeader = true
	return c.ResponseWriter.Write(b)
}
