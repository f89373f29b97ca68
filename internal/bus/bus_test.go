package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/registry"
)

type recordingProvider struct {
	name string
	caps []string

	mu    sync.Mutex
	sends []string
}

func (p *recordingProvider) Name() string           { return p.name }
func (p *recordingProvider) Capabilities() []string { return p.caps }
func (p *recordingProvider) IsHealthy() bool        { return true }

func (p *recordingProvider) SendMessage(ctx context.Context, channelID, content string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sends = append(p.sends, channelID)
	return true, nil
}

func (p *recordingProvider) FetchMessages(ctx context.Context, channelID string, limit int) ([]models.FetchedMessage, error) {
	return []models.FetchedMessage{{ChannelID: channelID, Content: "hi"}}, nil
}

type nullSink struct{}

func (nullSink) Record(c *models.ServiceCorrelation) {}

func TestCommunicationPrefixRouting(t *testing.T) {
	reg := registry.New()
	discord := &recordingProvider{name: "discord", caps: []string{CapDiscord, CapSendMessage, CapFetchMessages}}
	api := &recordingProvider{name: "api", caps: []string{CapAPI, CapSendMessage, CapFetchMessages}}
	cli := &recordingProvider{name: "cli", caps: []string{CapCLI, CapSendMessage, CapFetchMessages}}
	reg.Register(models.ServiceCommunication, discord, 0)
	reg.Register(models.ServiceCommunication, api, 1)
	reg.Register(models.ServiceCommunication, cli, 2)

	b := NewCommunicationBus(reg, nullSink{})
	ctx := context.Background()

	require.True(t, b.SendMessageSync(ctx, "discord_123456", "x", "test"))
	require.True(t, b.SendMessageSync(ctx, "api_127.0.0.1:8080", "x", "test"))
	require.True(t, b.SendMessageSync(ctx, "ws:abc", "x", "test"))
	require.True(t, b.SendMessageSync(ctx, "cli_local", "x", "test"))

	require.Equal(t, []string{"discord_123456"}, discord.sends)
	require.Equal(t, []string{"api_127.0.0.1:8080", "ws:abc"}, api.sends)
	require.Equal(t, []string{"cli_local"}, cli.sends)
}

func TestCommunicationFallbackProvider(t *testing.T) {
	reg := registry.New()
	generic := &recordingProvider{name: "generic", caps: []string{CapSendMessage}}
	reg.Register(models.ServiceCommunication, generic, 0)

	b := NewCommunicationBus(reg, nullSink{})
	// Unknown prefix falls back to any send_message provider.
	require.True(t, b.SendMessageSync(context.Background(), "matrix_1", "x", "test"))
	require.Equal(t, []string{"matrix_1"}, generic.sends)
}

func TestCommunicationNoProviderIsTypedFailure(t *testing.T) {
	b := NewCommunicationBus(registry.New(), nullSink{})
	require.False(t, b.SendMessageSync(context.Background(), "cli_local", "x", "test"))
	require.Empty(t, b.FetchMessages(context.Background(), "cli_local", 10, "test"))
}

func TestAsyncSendRequiresWorker(t *testing.T) {
	reg := registry.New()
	generic := &recordingProvider{name: "generic", caps: []string{CapSendMessage}}
	reg.Register(models.ServiceCommunication, generic, 0)

	b := NewCommunicationBus(reg, nullSink{})
	// No worker running: enqueue reports failure instead of silently dropping.
	require.False(t, b.SendMessage(context.Background(), "cli_local", "x", "test", nil))

	b.Start()
	t.Cleanup(b.Stop)
	require.True(t, b.SendMessage(context.Background(), "cli_local", "x", "test", nil))
}

func TestMemoryBusTypedFailureWithoutProvider(t *testing.T) {
	b := NewMemoryBus(registry.New(), nullSink{})
	result := b.Memorize(context.Background(), &models.GraphNode{ID: "x"}, "test")
	require.Equal(t, models.MemoryOpError, result.Status)
	require.Equal(t, "No memory service available", result.Reason)

	require.Empty(t, b.Recall(context.Background(), models.MemoryQuery{NodeID: "x"}, "test"))
}

func TestToolBusTypedFailureWithoutProvider(t *testing.T) {
	b := NewToolBus(registry.New(), nullSink{})
	result := b.Execute(context.Background(), "shell", nil, "test")
	require.False(t, result.Success)
	require.Equal(t, "No tool service available", result.Error)
}

func TestRegistryPriorityAndCapabilities(t *testing.T) {
	reg := registry.New()
	low := &recordingProvider{name: "low", caps: []string{CapSendMessage}}
	high := &recordingProvider{name: "high", caps: []string{CapSendMessage, CapDiscord}}
	reg.Register(models.ServiceCommunication, low, 5)
	reg.Register(models.ServiceCommunication, high, 1)

	p, err := reg.Get(models.ServiceCommunication, []string{CapSendMessage})
	require.NoError(t, err)
	require.Equal(t, "high", p.Name())

	p, err = reg.Get(models.ServiceCommunication, []string{CapDiscord})
	require.NoError(t, err)
	require.Equal(t, "high", p.Name())

	_, err = reg.Get(models.ServiceCommunication, []string{"telepathy"})
	require.ErrorIs(t, err, models.ErrNoProvider)
}
