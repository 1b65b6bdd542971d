package model

import "encoding/json"

const (
	ConversationPrivate = "private"
	ConversationGroup   = "group"
)

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// FormattedMessage is the normalized, enriched event emitted to
// downstream consumers. PokeNotice is represented by the same struct
// with EventType set to "poke" (spec.md §3: "PokeNotice: specialization
// of FormattedMessage").
type FormattedMessage struct {
	EventType string `json:"event_type,omitempty"`

	MessageID int64  `json:"message_id"`
	Time      int64  `json:"time"`
	TimeStr   string `json:"time_str"`
	Type      string `json:"type"`
	SelfID    int64  `json:"self_id"`

	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name"`
	SenderCard string `json:"sender_card,omitempty"`
	SenderRole string `json:"sender_role,omitempty"`

	GroupID   int64  `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`

	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`

	Images   []ImageData   `json:"images"`
	Videos   []VideoData   `json:"videos"`
	Files    []FileData    `json:"files"`
	Records  []RecordData  `json:"records"`
	Cards    []CardData    `json:"cards"`
	Forwards []ForwardData `json:"forwards"`
	Faces    []FaceData    `json:"faces"`
	AtUsers  []string      `json:"at_users"`
	AtAll    bool          `json:"at_all"`

	Reply *ReplyData `json:"reply,omitempty"`

	Summary   string `json:"summary"`
	Objective string `json:"objective"`

	// Poke-specific fields; zero value for ordinary messages.
	TargetID   int64  `json:"target_id,omitempty"`
	TargetName string `json:"target_name,omitempty"`

	Raw json.RawMessage `json:"raw,omitempty"`
}

// IsPoke reports whether m represents a PokeNotice rather than an
// ordinary chat message.
func (m *FormattedMessage) IsPoke() bool { return m.EventType == "poke" }

// DeriveProjections recomputes Text/Images/Videos/.../AtUsers/AtAll
// from Segments, the authoritative source (spec.md invariant 2).
func (m *FormattedMessage) DeriveProjections() {
	var text string
	images := make([]ImageData, 0)
	videos := make([]VideoData, 0)
	files := make([]FileData, 0)
	records := make([]RecordData, 0)
	cards := make([]CardData, 0)
	forwards := make([]ForwardData, 0)
	faces := make([]FaceData, 0)
	atUsers := make([]string, 0)
	atAll := false

	for _, seg := range m.Segments {
		switch {
		case seg.Text != nil:
			text += seg.Text.Text
		case seg.Image != nil:
			images = append(images, *seg.Image)
		case seg.Video != nil:
			videos = append(videos, *seg.Video)
		case seg.File != nil:
			files = append(files, *seg.File)
		case seg.Record != nil:
			records = append(records, *seg.Record)
		case seg.Card != nil:
			cards = append(cards, *seg.Card)
		case seg.Forward != nil:
			forwards = append(forwards, *seg.Forward)
		case seg.Face != nil:
			faces = append(faces, *seg.Face)
		case seg.At != nil:
			if seg.At.IsAll() {
				atAll = true
			} else {
				atUsers = append(atUsers, seg.At.QQ)
			}
		}
	}

	m.Text = text
	m.Images = images
	m.Videos = videos
	m.Files = files
	m.Records = records
	m.Cards = cards
	m.Forwards = forwards
	m.Faces = faces
	m.AtUsers = atUsers
	m.AtAll = atAll
}

// ConversationKey identifies the conversation a message belongs to,
// per spec.md invariant 1 (exactly one conversation identity).
func (m *FormattedMessage) ConversationKey() (kind string, id int64) {
	if m.Type == ConversationGroup {
		return ConversationGroup, m.GroupID
	}
	return ConversationPrivate, m.SenderID
}
