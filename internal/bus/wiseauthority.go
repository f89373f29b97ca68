package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/registry"
)

// WiseAuthorityProvider is the core's expectation of a wise-authority
// service (human or delegated oversight).
type WiseAuthorityProvider interface {
	registry.Provider
	FetchGuidance(ctx context.Context, gctx models.GuidanceContext) (string, error)
	SendDeferral(ctx context.Context, dctx models.DeferralContext) (bool, error)
}

// WiseAuthorityBus submits deferrals and guidance requests. Deferrals are
// persisted as correlations and logged even when no provider is reachable,
// so a deferred thought is never silently lost.
type WiseAuthorityBus struct {
	baseBus
}

// NewWiseAuthorityBus builds the wise-authority bus.
func NewWiseAuthorityBus(reg *registry.Registry, sink CorrelationSink) *WiseAuthorityBus {
	return &WiseAuthorityBus{baseBus: newBaseBus(models.ServiceWiseAuthority, reg, sink)}
}

func (b *WiseAuthorityBus) provider() (WiseAuthorityProvider, error) {
	p, err := b.registry.Get(b.service, nil)
	if err != nil {
		return nil, err
	}
	wp, ok := p.(WiseAuthorityProvider)
	if !ok {
		return nil, &models.NoProviderError{Service: string(b.service)}
	}
	return wp, nil
}

// FetchGuidance asks the wise authority a question. Returns empty string
// when no guidance is available.
func (b *WiseAuthorityBus) FetchGuidance(ctx context.Context, gctx models.GuidanceContext) (string, error) {
	p, err := b.provider()
	if err != nil {
		return "", err
	}
	return p.FetchGuidance(ctx, gctx)
}

// SendDeferral submits a deferral ticket. The correlation is recorded
// regardless of delivery so the deferral survives provider outages.
func (b *WiseAuthorityBus) SendDeferral(ctx context.Context, dctx models.DeferralContext, handlerName string) bool {
	delivered := false
	p, err := b.provider()
	if err == nil {
		ok, sendErr := p.SendDeferral(ctx, dctx)
		if sendErr != nil {
			slog.Default().Warn("send_deferral failed", "thought_id", dctx.ThoughtID, "error", sendErr)
		} else {
			delivered = ok
		}
	} else {
		slog.Default().Warn("no wise authority provider for deferral", "thought_id", dctx.ThoughtID)
	}

	status := models.CorrelationStatusCompleted
	if !delivered {
		status = models.CorrelationStatusFailed
	}
	req, _ := json.Marshal(dctx)
	b.record(&models.ServiceCorrelation{
		Type:        models.CorrelationServiceInteraction,
		HandlerName: handlerName,
		ActionType:  string(models.ActionDefer),
		RequestData: req,
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Tags:        map[string]string{"thought_id": dctx.ThoughtID, "task_id": dctx.TaskID},
	})
	return delivered
}
