package relay

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestConnectDisabledReturnsNoopPublisher(t *testing.T) {
	p, err := Connect(Config{Enabled: false}, zerolog.Nop())
	if err != nil {
		t.Fatalf("expected no error for disabled relay, got %v", err)
	}
	if p == nil {
		t.Fatal("expected a non-nil no-op publisher")
	}
	if p.enabled {
		t.Fatal("expected disabled relay to report enabled=false")
	}
}

func TestPublishOnDisabledPublisherIsNoop(t *testing.T) {
	p, err := Connect(Config{Enabled: false}, zerolog.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	p.Publish(map[string]string{"hello": "world"})
	p.Close()
}

func TestPublishOnNilPublisherIsNoop(t *testing.T) {
	var p *Publisher
	p.Publish("anything")
	p.Close()
}

func TestConnectRejectsMalformedURL(t *testing.T) {
	_, err := Connect(Config{Enabled: true, URL: "://not-a-valid-url"}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected an error dialing a malformed NATS URL")
	}
}
