package model

import "encoding/json"

// UpstreamFrame is an action request sent to the OneBot gateway.
// Echo is a freshly generated unique token correlating the eventual
// response (spec.md §3).
type UpstreamFrame struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

// UpstreamResponse is matched back to a pending call by Echo.
type UpstreamResponse struct {
	Echo    string          `json:"echo"`
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Msg     string          `json:"msg,omitempty"`
	Wording string          `json:"wording,omitempty"`
}

// OK reports whether the response indicates a successful call.
func (r *UpstreamResponse) OK() bool {
	return r.Status == "ok" || r.Retcode == 0
}

// ErrorMessage extracts the most informative error text available on
// a failed response, used by RetryClassifier.
func (r *UpstreamResponse) ErrorMessage() string {
	if r.Wording != "" {
		return r.Wording
	}
	if r.Msg != "" {
		return r.Msg
	}
	return r.Status
}

// frameEnvelope is used only to peek at discriminating fields
// (echo vs post_type) before committing to a full decode.
type frameEnvelope struct {
	Echo     string `json:"echo"`
	PostType string `json:"post_type"`
}

// ClassifyFrame inspects a raw upstream frame and reports whether it
// is a response (echo present) or an event (post_type present). If
// neither is present, ok is false and the frame should be logged and
// discarded (spec.md §4.2 "Incoming message dispatch").
func ClassifyFrame(raw []byte) (echo string, postType string, ok bool) {
	var env frameEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", "", false
	}
	if env.Echo != "" {
		return env.Echo, "", true
	}
	if env.PostType != "" {
		return "", env.PostType, true
	}
	return "", "", false
}

// MessageEvent is an upstream message post_type event.
type MessageEvent struct {
	PostType    string     `json:"post_type"`
	MessageType string     `json:"message_type"`
	SubType     string     `json:"sub_type,omitempty"`
	SelfID      int64      `json:"self_id"`
	MessageID   int64      `json:"message_id"`
	UserID      int64      `json:"user_id"`
	GroupID     int64      `json:"group_id,omitempty"`
	Time        int64      `json:"time"`
	Sender      SenderInfo `json:"sender"`
	Message     []Segment  `json:"message"`
}

// NoticeEvent is an upstream notice post_type event (pokes, recalls,
// group membership changes, ...). Only the fields the broker needs
// for poke handling are modeled; everything else is ignored.
type NoticeEvent struct {
	PostType   string `json:"post_type"`
	NoticeType string `json:"notice_type"`
	SubType    string `json:"sub_type,omitempty"`
	SelfID     int64  `json:"self_id"`
	UserID     int64  `json:"user_id,omitempty"`
	GroupID    int64  `json:"group_id,omitempty"`
	TargetID   int64  `json:"target_id,omitempty"`
	Time       int64  `json:"time"`
}
