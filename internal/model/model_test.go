package model

import (
	"encoding/json"
	"testing"
)

func TestSegmentUnmarshalKnownTypes(t *testing.T) {
	raw := []byte(`{"type":"image","data":{"file":"abc.jpg","url":"https://example.com/abc.jpg"}}`)
	var seg Segment
	if err := json.Unmarshal(raw, &seg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if seg.Image == nil || seg.Image.File != "abc.jpg" || seg.Image.URL != "https://example.com/abc.jpg" {
		t.Fatalf("unexpected image segment: %+v", seg.Image)
	}
}

func TestSegmentUnmarshalUnknownTypeCarriesRaw(t *testing.T) {
	raw := []byte(`{"type":"mystery","data":{"foo":"bar"}}`)
	var seg Segment
	if err := json.Unmarshal(raw, &seg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if seg.Unknown == nil {
		t.Fatal("expected unknown segment type to be captured in Unknown")
	}
	if seg.Image != nil || seg.Text != nil {
		t.Fatal("unknown segment should not populate any typed field")
	}
}

func TestSegmentUnmarshalCardKindsPreserveRaw(t *testing.T) {
	raw := []byte(`{"type":"json","data":{"title":"Cool Link","url":"https://example.com","extra":1}}`)
	var seg Segment
	if err := json.Unmarshal(raw, &seg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if seg.Card == nil || seg.Card.Title != "Cool Link" || seg.Card.URL != "https://example.com" {
		t.Fatalf("unexpected card segment: %+v", seg.Card)
	}
	if seg.Card.Raw == nil {
		t.Fatal("expected card raw payload to be preserved")
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	original := Segment{Type: SegmentText, Text: &TextData{Text: "hello"}}
	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Segment
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Text == nil || decoded.Text.Text != "hello" {
		t.Fatalf("round trip lost text payload: %+v", decoded)
	}
}

func TestDeriveProjectionsAggregatesByKind(t *testing.T) {
	msg := &FormattedMessage{
		Segments: []Segment{
			{Type: SegmentText, Text: &TextData{Text: "hi "}},
			{Type: SegmentText, Text: &TextData{Text: "there"}},
			{Type: SegmentImage, Image: &ImageData{File: "a.jpg"}},
			{Type: SegmentAt, At: &AtData{QQ: "12345"}},
			{Type: SegmentAt, At: &AtData{QQ: "all"}},
		},
	}

	msg.DeriveProjections()

	if msg.Text != "hi there" {
		t.Fatalf("expected concatenated text, got %q", msg.Text)
	}
	if len(msg.Images) != 1 {
		t.Fatalf("expected 1 image, got %d", len(msg.Images))
	}
	if len(msg.AtUsers) != 1 || msg.AtUsers[0] != "12345" {
		t.Fatalf("expected single at-user 12345, got %v", msg.AtUsers)
	}
	if !msg.AtAll {
		t.Fatal("expected AtAll to be true")
	}
}

func TestConversationKeyGroupVsPrivate(t *testing.T) {
	group := &FormattedMessage{Type: ConversationGroup, GroupID: 100, SenderID: 1}
	if kind, id := group.ConversationKey(); kind != ConversationGroup || id != 100 {
		t.Fatalf("expected group:100, got %s:%d", kind, id)
	}

	private := &FormattedMessage{Type: ConversationPrivate, GroupID: 0, SenderID: 42}
	if kind, id := private.ConversationKey(); kind != ConversationPrivate || id != 42 {
		t.Fatalf("expected private:42, got %s:%d", kind, id)
	}
}

func TestIsPoke(t *testing.T) {
	if (&FormattedMessage{}).IsPoke() {
		t.Fatal("ordinary message should not be a poke")
	}
	if !(&FormattedMessage{EventType: "poke"}).IsPoke() {
		t.Fatal("expected EventType=poke to be recognized")
	}
}

func TestClassifyFrameDistinguishesResponseFromEvent(t *testing.T) {
	echo, postType, ok := ClassifyFrame([]byte(`{"echo":"abc123","status":"ok"}`))
	if !ok || echo != "abc123" || postType != "" {
		t.Fatalf("expected response classification, got echo=%q postType=%q ok=%v", echo, postType, ok)
	}

	echo, postType, ok = ClassifyFrame([]byte(`{"post_type":"message"}`))
	if !ok || postType != "message" || echo != "" {
		t.Fatalf("expected event classification, got echo=%q postType=%q ok=%v", echo, postType, ok)
	}

	_, _, ok = ClassifyFrame([]byte(`{"foo":"bar"}`))
	if ok {
		t.Fatal("expected frame with neither echo nor post_type to be rejected")
	}
}

func TestUpstreamResponseOK(t *testing.T) {
	ok := &UpstreamResponse{Status: "ok", Retcode: 1}
	if !ok.OK() {
		t.Fatal("status=ok should be OK regardless of retcode")
	}
	failed := &UpstreamResponse{Status: "failed", Retcode: 0}
	if !failed.OK() {
		t.Fatal("retcode=0 should be OK regardless of status")
	}
	bothBad := &UpstreamResponse{Status: "failed", Retcode: 1}
	if bothBad.OK() {
		t.Fatal("expected failure when both status and retcode indicate failure")
	}
}

func TestUpstreamResponseErrorMessagePrefersWording(t *testing.T) {
	r := &UpstreamResponse{Status: "failed", Msg: "bad params", Wording: "参数错误"}
	if got := r.ErrorMessage(); got != "参数错误" {
		t.Fatalf("expected wording to take priority, got %q", got)
	}

	r = &UpstreamResponse{Status: "failed", Msg: "bad params"}
	if got := r.ErrorMessage(); got != "bad params" {
		t.Fatalf("expected msg fallback, got %q", got)
	}

	r = &UpstreamResponse{Status: "failed"}
	if got := r.ErrorMessage(); got != "failed" {
		t.Fatalf("expected status fallback, got %q", got)
	}
}

func TestNewResultEnvelopeAndError(t *testing.T) {
	ok := NewResultEnvelope("req-1", map[string]int{"n": 1})
	if ok.Type != EnvelopeResult || ok.OK == nil || !*ok.OK {
		t.Fatalf("expected ok result envelope, got %+v", ok)
	}

	failed := NewResultError("req-2", "not_in_whitelist")
	if failed.Type != EnvelopeResult || failed.OK == nil || *failed.OK || failed.Error != "not_in_whitelist" {
		t.Fatalf("expected error result envelope, got %+v", failed)
	}
}
