// validator.go asks an external AI reviewer for a yes/no on high-risk trades.
//
// The validator is advisory with a hard deadline: a timeout, transport
// failure, or malformed response counts as approval. The engine must keep
// trading when the validator is slow or down — it exists to veto obviously
// bad entries, not to sit in the hot path.
package risk

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"daytrader/pkg/types"
)

// Validator is the yes/no trade reviewer.
type Validator struct {
	http    *resty.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewValidator creates a validator with a hard per-call deadline.
func NewValidator(baseURL string, timeout time.Duration, logger *slog.Logger) *Validator {
	return &Validator{
		http:    resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		timeout: timeout,
		logger:  logger.With("component", "ai_validator"),
	}
}

type validationRequest struct {
	Symbol     string   `json:"symbol"`
	Side       string   `json:"side"`
	Qty        int      `json:"qty"`
	Entry      float64  `json:"entry"`
	Stop       float64  `json:"stop"`
	Target     float64  `json:"target"`
	Confidence float64  `json:"confidence"`
	Rationale  []string `json:"rationale"`
	RiskFlags  []string `json:"risk_flags"`
}

type validationResponse struct {
	Approve   bool   `json:"approve"`
	Rationale string `json:"rationale"`
}

// Validate returns the reviewer's decision. Fails open: any error or
// deadline overrun approves the trade.
func (v *Validator) Validate(ctx context.Context, intent types.Intent, sig types.Signal, riskFlags []string) bool {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req := validationRequest{
		Symbol:     intent.Symbol,
		Side:       string(intent.Side),
		Qty:        intent.Qty,
		Entry:      intent.Entry,
		Stop:       intent.Stop,
		Target:     intent.Target,
		Confidence: sig.Confidence,
		Rationale:  sig.Rationale,
		RiskFlags:  riskFlags,
	}

	var result validationResponse
	resp, err := v.http.R().SetContext(ctx).SetBody(req).SetResult(&result).Post("/validate")
	if err != nil || resp.IsError() {
		v.logger.Warn("validation unavailable, approving",
			"symbol", intent.Symbol, "error", err)
		return true
	}

	if !result.Approve {
		v.logger.Info("trade vetoed by validator",
			"symbol", intent.Symbol, "rationale", result.Rationale)
	}
	return result.Approve
}
