package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/registry"
)

// Communication capability names providers advertise.
const (
	CapSendMessage   = "send_message"
	CapFetchMessages = "fetch_messages"
	CapDiscord       = "discord"
	CapAPI           = "api"
	CapCLI           = "cli"
)

// CommunicationProvider is the core's expectation of a transport adapter.
type CommunicationProvider interface {
	registry.Provider
	SendMessage(ctx context.Context, channelID, content string) (bool, error)
	FetchMessages(ctx context.Context, channelID string, limit int) ([]models.FetchedMessage, error)
}

// CommunicationBus routes sends and fetches to transport providers by
// channel-id prefix, falling back to any provider advertising send_message.
type CommunicationBus struct {
	baseBus
}

// NewCommunicationBus builds the communication bus.
func NewCommunicationBus(reg *registry.Registry, sink CorrelationSink) *CommunicationBus {
	return &CommunicationBus{baseBus: newBaseBus(models.ServiceCommunication, reg, sink)}
}

// SendMessage queues an async send. Returns false when no worker is running
// or the queue is full.
func (b *CommunicationBus) SendMessage(ctx context.Context, channelID, content, handlerName string, metadata map[string]string) bool {
	return b.enqueue(handlerName, metadata, func(ctx context.Context) {
		b.deliver(ctx, channelID, content, handlerName)
	})
}

// SendMessageSync sends immediately and reports delivery.
func (b *CommunicationBus) SendMessageSync(ctx context.Context, channelID, content, handlerName string) bool {
	return b.deliver(ctx, channelID, content, handlerName)
}

func (b *CommunicationBus) deliver(ctx context.Context, channelID, content, handlerName string) bool {
	provider, err := b.routeProvider(channelID, CapSendMessage)
	if err != nil {
		slog.Default().Warn("no communication provider for channel", "channel_id", channelID, "error", err)
		b.recordSend(channelID, handlerName, content, false, "no provider")
		return false
	}

	ok, err := provider.SendMessage(ctx, channelID, content)
	if err != nil {
		slog.Default().Warn("send_message failed", "channel_id", channelID, "provider", provider.Name(), "error", err)
		b.recordSend(channelID, handlerName, content, false, err.Error())
		return false
	}
	b.recordSend(channelID, handlerName, content, ok, "")
	return ok
}

// FetchMessages retrieves recent messages from the channel's provider.
// No provider yields an empty slice, never an error at the handler boundary.
func (b *CommunicationBus) FetchMessages(ctx context.Context, channelID string, limit int, handlerName string) []models.FetchedMessage {
	provider, err := b.routeProvider(channelID, CapFetchMessages)
	if err != nil {
		slog.Default().Warn("no communication provider for fetch", "channel_id", channelID, "error", err)
		return nil
	}
	msgs, err := provider.FetchMessages(ctx, channelID, limit)
	if err != nil {
		slog.Default().Warn("fetch_messages failed", "channel_id", channelID, "provider", provider.Name(), "error", err)
		return nil
	}
	b.record(&models.ServiceCorrelation{
		Type:        models.CorrelationServiceInteraction,
		HandlerName: handlerName,
		ActionType:  "fetch_messages",
		Status:      models.CorrelationStatusCompleted,
		Tags:        map[string]string{"channel_id": channelID},
	})
	return msgs
}

// routeProvider resolves a provider by channel-id prefix first
// (discord_* -> discord, api_*/ws:* -> api, cli_* -> cli), then falls back
// to any provider with the base capability.
func (b *CommunicationBus) routeProvider(channelID, baseCapability string) (CommunicationProvider, error) {
	if cap := prefixCapability(channelID); cap != "" {
		if p, err := b.registry.Get(b.service, []string{cap}); err == nil {
			if cp, ok := p.(CommunicationProvider); ok {
				return cp, nil
			}
		}
	}
	p, err := b.registry.Get(b.service, []string{baseCapability})
	if err != nil {
		return nil, err
	}
	cp, ok := p.(CommunicationProvider)
	if !ok {
		return nil, &models.NoProviderError{Service: string(b.service), Capabilities: []string{baseCapability}}
	}
	return cp, nil
}

func prefixCapability(channelID string) string {
	switch {
	case strings.HasPrefix(channelID, "discord_"):
		return CapDiscord
	case strings.HasPrefix(channelID, "api_"), strings.HasPrefix(channelID, "ws:"):
		return CapAPI
	case strings.HasPrefix(channelID, "cli_"):
		return CapCLI
	}
	return ""
}

func (b *CommunicationBus) recordSend(channelID, handlerName, content string, ok bool, failure string) {
	status := models.CorrelationStatusCompleted
	if !ok {
		status = models.CorrelationStatusFailed
	}
	req, _ := json.Marshal(map[string]string{"channel_id": channelID, "content": content})
	resp, _ := json.Marshal(map[string]any{"delivered": ok, "error": failure})
	b.record(&models.ServiceCorrelation{
		Type:         models.CorrelationServiceInteraction,
		HandlerName:  handlerName,
		ActionType:   string(models.ActionSpeak),
		RequestData:  req,
		ResponseData: resp,
		Status:       status,
		Tags:         map[string]string{"channel_id": channelID},
	})
}
