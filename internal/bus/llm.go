package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dotcommander/ciris/internal/llm"
	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/registry"
)

// LLMProvider is a registered structured-generation service.
type LLMProvider interface {
	registry.Provider
	llm.Generator
}

// LLMBus routes structured-generation requests to a provider and records a
// trace correlation per call. It implements llm.Generator so evaluators and
// the epistemic faculty take the bus without knowing about providers.
type LLMBus struct {
	baseBus
}

// NewLLMBus builds the LLM bus.
func NewLLMBus(reg *registry.Registry, sink CorrelationSink) *LLMBus {
	return &LLMBus{baseBus: newBaseBus(models.ServiceLLM, reg, sink)}
}

// GenerateStructured implements llm.Generator.
func (b *LLMBus) GenerateStructured(ctx context.Context, req llm.StructuredRequest) (json.RawMessage, error) {
	p, err := b.registry.Get(b.service, []string{"structured_generation"})
	if err != nil {
		return nil, err
	}
	provider, ok := p.(LLMProvider)
	if !ok {
		return nil, &models.NoProviderError{Service: string(b.service), Capabilities: []string{"structured_generation"}}
	}

	started := time.Now()
	raw, genErr := provider.GenerateStructured(ctx, req)

	status := models.CorrelationStatusCompleted
	if genErr != nil {
		status = models.CorrelationStatusFailed
	}
	resp, _ := json.Marshal(map[string]any{
		"schema":            req.SchemaName,
		"execution_time_ms": float64(time.Since(started).Milliseconds()),
	})
	b.record(&models.ServiceCorrelation{
		Type:         models.CorrelationTraceSpan,
		HandlerName:  req.SchemaName,
		ActionType:   "structured_generation",
		ResponseData: resp,
		Status:       status,
		Timestamp:    time.Now().UTC(),
		Tags:         map[string]string{"component_type": "llm", "schema": req.SchemaName},
	})
	return raw, genErr
}
