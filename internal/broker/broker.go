// Package broker implements the composition root of spec.md §4.7: it
// owns UpstreamClient, StreamServer, Enricher, and Renderer, and
// drives the single event pipeline connecting them.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qqbroker/adapter/internal/config"
	"github.com/qqbroker/adapter/internal/enrich"
	"github.com/qqbroker/adapter/internal/metrics"
	"github.com/qqbroker/adapter/internal/model"
	"github.com/qqbroker/adapter/internal/relay"
	"github.com/qqbroker/adapter/internal/render"
	"github.com/qqbroker/adapter/internal/stream"
	"github.com/qqbroker/adapter/internal/upstream"
)

// Broker wires the upstream connection to the downstream stream
// server through the enrich/render pipeline (spec.md §3 data flow).
type Broker struct {
	cfg       *config.Config
	upstream  *upstream.Client
	stream    *stream.Server
	enricher  *enrich.Enricher
	renderer  *render.Renderer
	relay     *relay.Publisher
	metrics   *metrics.Metrics
	whitelist stream.Whitelist
	logger    zerolog.Logger

	wg sync.WaitGroup
}

// New constructs a Broker and everything it owns from cfg.
func New(cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (*Broker, error) {
	upCfg := upstream.Config{
		URL:                cfg.UpstreamURL,
		AccessToken:        cfg.AccessToken,
		Reconnect:          cfg.Reconnect,
		ReconnectMinMs:     cfg.ReconnectMinMs,
		ReconnectMaxMs:     cfg.ReconnectMaxMs,
		RequestTimeoutMs:   cfg.RequestTimeoutMs,
		AutoWaitOpen:       cfg.AutoWaitOpen,
		RateMaxConcurrency: cfg.RateMaxConcurrency,
		RateMinIntervalMs:  cfg.RateMinIntervalMs,
	}
	upstreamClient := upstream.New(upCfg, logger)

	resolver := render.NewCachedResolver(upstreamClient, 10*time.Minute)
	renderer := render.New(resolver)
	enricher := enrich.New(upstreamClient, enrich.NullMediaFetcher{}, logger)

	whitelist := stream.Whitelist{
		Groups: cfg.WhitelistGroupSet(),
		Users:  cfg.WhitelistUserSet(),
	}

	streamSrv := stream.New(stream.Config{
		Host:         cfg.Host,
		Port:         cfg.Port,
		AuthRequired: cfg.AuthRequired,
		AuthSecret:   cfg.AuthSecret,
		TokenTTL:     time.Duration(cfg.TokenTTLSec) * time.Second,
		Environment:  cfg.Environment,
		Retry: stream.RetryConfig{
			Enabled:     cfg.RPCRetryEnabled,
			IntervalMs:  cfg.RPCRetryIntervalMs,
			MaxAttempts: cfg.RPCRetryMaxAttempts,
		},
	}, upstreamClient, whitelist, logger)

	relayPublisher, err := relay.Connect(relay.Config{
		Enabled: cfg.RelayEnabled,
		URL:     cfg.RelayURL,
		Subject: cfg.RelaySubject,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect relay: %w", err)
	}

	return &Broker{
		cfg:       cfg,
		upstream:  upstreamClient,
		stream:    streamSrv,
		enricher:  enricher,
		renderer:  renderer,
		relay:     relayPublisher,
		metrics:   m,
		whitelist: whitelist,
		logger:    logger.With().Str("component", "broker").Logger(),
	}, nil
}

// Run starts the upstream connection, the event pipeline, and the
// downstream HTTP/WebSocket server. It blocks until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.upstream.Connect(ctx); err != nil {
		return fmt.Errorf("connect upstream: %w", err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.pump(ctx)
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.stream.Run(); err != nil {
			b.logger.Error().Err(err).Msg("stream server exited")
		}
	}()

	<-ctx.Done()
	return b.Shutdown()
}

// Shutdown tears down the downstream server, upstream connection, and
// optional relay, in that order.
func (b *Broker) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.stream.Shutdown(shutdownCtx); err != nil {
		b.logger.Warn().Err(err).Msg("stream server shutdown error")
	}
	b.upstream.Close(1000, "broker shutting down")
	b.relay.Close()

	b.wg.Wait()
	return nil
}

// pump is the single consumer of upstream events, applying policy and
// driving enrich → render → broadcast (spec.md §4.7).
func (b *Broker) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-b.upstream.OnEvent:
			if !ok {
				return
			}
			b.handleEvent(ctx, raw)
		case err := <-b.upstream.OnError:
			b.logger.Warn().Err(err).Msg("upstream error")
		case info := <-b.upstream.OnClose:
			b.logger.Warn().Int("code", info.Code).Str("reason", info.Reason).Msg("upstream connection closed")
			b.metrics.UpstreamReconnects.Inc()
		case <-b.upstream.OnOpen:
			b.logger.Info().Msg("upstream connection established")
		}
	}
}

func (b *Broker) handleEvent(ctx context.Context, raw []byte) {
	var peek struct {
		PostType string `json:"post_type"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return
	}
	b.metrics.RecordEvent(peek.PostType)

	switch peek.PostType {
	case "message":
		b.handleMessage(ctx, raw)
	case "notice":
		b.handleNotice(ctx, raw)
	default:
		b.logger.Debug().Str("post_type", peek.PostType).Msg("ignoring event")
	}
}

func (b *Broker) handleMessage(ctx context.Context, raw []byte) {
	var ev model.MessageEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		b.logger.Debug().Err(err).Msg("failed to decode message event")
		return
	}

	msg := b.formatMessage(ev, raw)

	if !b.allow(msg) {
		b.metrics.RecordDrop("whitelist")
		return
	}
	if render.IsVoiceOnly(msg, b.cfg.SkipVoice) {
		b.metrics.RecordDrop("voice_only")
		return
	}

	b.enricher.Enrich(ctx, msg)

	if render.IsAnimatedStickerOnly(msg, b.cfg.SkipAnimatedEmoji) {
		b.metrics.RecordDrop("animated_sticker")
		return
	}

	b.renderer.Render(ctx, msg)
	b.publish(msg)
}

func (b *Broker) formatMessage(ev model.MessageEvent, raw []byte) *model.FormattedMessage {
	msg := &model.FormattedMessage{
		MessageID:  ev.MessageID,
		Time:       ev.Time,
		TimeStr:    time.Unix(ev.Time, 0).Format(time.RFC3339),
		Type:       ev.MessageType,
		SelfID:     ev.SelfID,
		SenderID:   ev.Sender.UserID,
		SenderName: ev.Sender.Nickname,
		SenderCard: ev.Sender.Card,
		SenderRole: ev.Sender.Role,
		GroupID:    ev.GroupID,
		Segments:   ev.Message,
	}
	msg.DeriveProjections()

	if b.cfg.IncludeRaw {
		msg.Raw = append(json.RawMessage(nil), raw...)
	}
	return msg
}

// handleNotice routes notify/poke events through the poke formatting
// path (spec.md §4.7); all other notice types are ignored.
func (b *Broker) handleNotice(_ context.Context, raw []byte) {
	var ev model.NoticeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}
	if ev.NoticeType != "notify" {
		return
	}

	var sub struct {
		SubType string `json:"sub_type"`
	}
	_ = json.Unmarshal(raw, &sub)
	if sub.SubType != "poke" {
		return
	}

	b.handlePoke(ev)
}

func (b *Broker) handlePoke(ev model.NoticeEvent) {
	convType := model.ConversationGroup
	if ev.GroupID == 0 {
		convType = model.ConversationPrivate
	}

	msg := &model.FormattedMessage{
		EventType:  "poke",
		Time:       ev.Time,
		TimeStr:    time.Unix(ev.Time, 0).Format(time.RFC3339),
		Type:       convType,
		SelfID:     ev.SelfID,
		SenderID:   ev.UserID,
		GroupID:    ev.GroupID,
		TargetID:   ev.TargetID,
	}

	if !b.allow(msg) {
		b.metrics.RecordDrop("whitelist")
		return
	}

	// Suppress the bot poking a non-self target in a private chat
	// (Open Question resolution, see DESIGN.md).
	if convType == model.ConversationPrivate && msg.SenderID == msg.SelfID && msg.TargetID != msg.SelfID {
		b.metrics.RecordDrop("self_poke_private")
		return
	}

	b.renderer.Render(context.Background(), msg)
	b.publish(msg)
}

func (b *Broker) allow(msg *model.FormattedMessage) bool {
	kind, id := msg.ConversationKey()
	if kind == model.ConversationGroup {
		return b.whitelist.AllowGroup(id)
	}
	return b.whitelist.AllowUser(id)
}

func (b *Broker) publish(msg *model.FormattedMessage) {
	b.stream.Broadcast(msg)
	b.metrics.DownstreamBroadcasts.Inc()
	b.metrics.SetClientCount(b.stream.Hub().ClientCount())
	b.relay.Publish(model.NewMessageEnvelope(msg))
}

// UpstreamState reports the upstream connection's current state, for
// /health.
func (b *Broker) UpstreamState() string {
	return b.upstream.State().String()
}

// Stream exposes the underlying StreamServer so the entrypoint can
// mount /metrics and a custom /health payload before calling Run.
func (b *Broker) Stream() *stream.Server {
	return b.stream
}

// Metrics exposes the Prometheus façade so the entrypoint can build a
// /metrics/system handler from Snapshot.
func (b *Broker) Metrics() *metrics.Metrics {
	return b.metrics
}
