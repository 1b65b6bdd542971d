package broker

import (
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/qqbroker/adapter/internal/config"
	"github.com/qqbroker/adapter/internal/metrics"
	"github.com/qqbroker/adapter/internal/model"
)

func testConfig() *config.Config {
	return &config.Config{
		UpstreamURL:         "ws://127.0.0.1:1/onebot",
		Port:                0,
		RateMaxConcurrency:  5,
		RateMinIntervalMs:   0,
		ReconnectMinMs:      1000,
		ReconnectMaxMs:      2000,
		RequestTimeoutMs:    1000,
		RPCRetryMaxAttempts: 1,
		LogLevel:            "info",
		LogFormat:           "json",
		AuthSecret:          "test-secret",
		RelayEnabled:        false,
		SkipVoice:           true,
		SkipAnimatedEmoji:   true,
	}
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	cfg := testConfig()
	m := metrics.New(prometheus.NewRegistry())
	b, err := New(cfg, m, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestNewWiresAccessors(t *testing.T) {
	b := newTestBroker(t)
	if b.Stream() == nil {
		t.Fatal("expected a non-nil stream server")
	}
	if b.Metrics() == nil {
		t.Fatal("expected a non-nil metrics façade")
	}
	if b.UpstreamState() == "" {
		t.Fatal("expected a non-empty upstream state before connecting")
	}
}

func TestAllowConsultsWhitelistByConversationKind(t *testing.T) {
	cfg := testConfig()
	cfg.WhitelistGroups = []int64{100}
	cfg.WhitelistUsers = []int64{200}
	m := metrics.New(prometheus.NewRegistry())
	b, err := New(cfg, m, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	allowedGroup := &model.FormattedMessage{Type: model.ConversationGroup, GroupID: 100}
	if !b.allow(allowedGroup) {
		t.Fatal("expected whitelisted group to be allowed")
	}

	blockedGroup := &model.FormattedMessage{Type: model.ConversationGroup, GroupID: 999}
	if b.allow(blockedGroup) {
		t.Fatal("expected non-whitelisted group to be rejected")
	}

	allowedUser := &model.FormattedMessage{Type: model.ConversationPrivate, SenderID: 200}
	if !b.allow(allowedUser) {
		t.Fatal("expected whitelisted user to be allowed")
	}
}

func TestFormatMessageDerivesProjectionsAndTimeStr(t *testing.T) {
	b := newTestBroker(t)

	ev := model.MessageEvent{
		PostType:    "message",
		MessageType: model.ConversationGroup,
		MessageID:   1,
		SelfID:      999,
		GroupID:     100,
		Time:        1700000000,
		Sender:      model.SenderInfo{UserID: 42, Nickname: "Alice"},
		Message: []model.Segment{
			{Type: model.SegmentText, Text: &model.TextData{Text: "hi"}},
		},
	}
	raw, _ := json.Marshal(ev)

	msg := b.formatMessage(ev, raw)

	if msg.Text != "hi" {
		t.Fatalf("expected derived text 'hi', got %q", msg.Text)
	}
	if msg.TimeStr == "" {
		t.Fatal("expected TimeStr to be populated")
	}
	if msg.Raw != nil {
		t.Fatal("expected Raw to be nil when IncludeRaw is false")
	}
}

func TestFormatMessageIncludesRawWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.IncludeRaw = true
	m := metrics.New(prometheus.NewRegistry())
	b, err := New(cfg, m, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ev := model.MessageEvent{PostType: "message", MessageType: model.ConversationPrivate, SelfID: 1, UserID: 2}
	raw, _ := json.Marshal(ev)

	msg := b.formatMessage(ev, raw)
	if msg.Raw == nil {
		t.Fatal("expected Raw to be populated when IncludeRaw is true")
	}
}

func TestHandlePokeSuppressesSelfPokeOfOtherTargetInPrivateChat(t *testing.T) {
	b := newTestBroker(t)

	ev := model.NoticeEvent{
		PostType:   "notice",
		NoticeType: "notify",
		SubType:    "poke",
		SelfID:     1,
		UserID:     1, // bot is the sender
		GroupID:    0, // private chat
		TargetID:   2, // poking someone else
	}

	// handlePoke should drop this without panicking or broadcasting.
	b.handlePoke(ev)
}

func TestHandlePokeAllowsSelfPokeOfSelfInPrivateChat(t *testing.T) {
	b := newTestBroker(t)

	ev := model.NoticeEvent{
		PostType:   "notice",
		NoticeType: "notify",
		SubType:    "poke",
		SelfID:     1,
		UserID:     1,
		GroupID:    0,
		TargetID:   1,
	}

	b.handlePoke(ev)
}

func TestHandlePokeAllowsGroupPokes(t *testing.T) {
	b := newTestBroker(t)

	ev := model.NoticeEvent{
		PostType:   "notice",
		NoticeType: "notify",
		SubType:    "poke",
		SelfID:     1,
		UserID:     5,
		GroupID:    100,
		TargetID:   1,
	}

	b.handlePoke(ev)
}
