// Package model defines the wire and normalized data shapes shared by
// the upstream OneBot client, the enricher/renderer, and the downstream
// stream server.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Segment kinds recognized by the enricher and renderer. Anything else
// decodes into the Unknown carrier rather than failing the pipeline.
const (
	SegmentText    = "text"
	SegmentAt      = "at"
	SegmentFace    = "face"
	SegmentImage   = "image"
	SegmentVideo   = "video"
	SegmentFile    = "file"
	SegmentRecord  = "record"
	SegmentReply   = "reply"
	SegmentNode    = "node"
	SegmentForward = "forward"
	SegmentShare   = "share"
	SegmentJSON    = "json"
	SegmentXML     = "xml"
	SegmentApp     = "app"
)

var cardKinds = map[string]bool{
	SegmentShare: true,
	SegmentJSON:  true,
	SegmentXML:   true,
	SegmentApp:   true,
}

// Segment is a single element of a message body. It decodes a closed
// set of known OneBot segment types at the boundary (Design Note:
// "dynamic segment shapes") instead of carrying a raw map through the
// pipeline. Exactly one of the typed fields is non-nil, unless the
// segment type is unrecognized, in which case Unknown holds the raw
// payload.
type Segment struct {
	Type string `json:"type"`

	Text    *TextData    `json:"-"`
	At      *AtData      `json:"-"`
	Face    *FaceData    `json:"-"`
	Image   *ImageData   `json:"-"`
	Video   *VideoData   `json:"-"`
	File    *FileData    `json:"-"`
	Record  *RecordData  `json:"-"`
	Reply   *ReplyData   `json:"-"`
	Node    *NodeData    `json:"-"`
	Forward *ForwardData `json:"-"`
	Card    *CardData    `json:"-"`

	Unknown json.RawMessage `json:"-"`
}

type TextData struct {
	Text string `json:"text"`
}

type AtData struct {
	QQ string `json:"qq"`
}

func (a AtData) IsAll() bool { return a.QQ == "all" }

type FaceData struct {
	ID string `json:"id"`
}

type ImageData struct {
	File      string `json:"file"`
	URL       string `json:"url,omitempty"`
	Path      string `json:"path,omitempty"`
	CachePath string `json:"cache_path,omitempty"`
	Summary   string `json:"summary,omitempty"`
	SubType   string `json:"sub_type,omitempty"`
}

type VideoData struct {
	File string `json:"file"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

type FileData struct {
	File     string `json:"file"`
	FileID   string `json:"file_id,omitempty"`
	Path     string `json:"path,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

type RecordData struct {
	File     string `json:"file"`
	URL      string `json:"url,omitempty"`
	Path     string `json:"path,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

type ReplyData struct {
	ID string `json:"id"`

	// Populated by the enricher; empty on the raw incoming segment but
	// present on FormattedMessage.Reply, the emitted downstream shape.
	Text       string      `json:"text,omitempty"`
	SenderName string      `json:"sender_name,omitempty"`
	SenderID   int64       `json:"sender_id,omitempty"`
	Media      *ReplyMedia `json:"media,omitempty"`
}

type ReplyMedia struct {
	Images   []ImageData   `json:"images,omitempty"`
	Videos   []VideoData   `json:"videos,omitempty"`
	Files    []FileData    `json:"files,omitempty"`
	Records  []RecordData  `json:"records,omitempty"`
	Forwards []ForwardData `json:"forwards,omitempty"`
	Cards    []CardData    `json:"cards,omitempty"`
	Faces    []FaceData    `json:"faces,omitempty"`
}

// NodeData is a forward's inner node: one logical message authored by
// Sender, carrying its own Content segments.
type NodeData struct {
	ID      string     `json:"id,omitempty"`
	Sender  SenderInfo `json:"sender,omitempty"`
	Time    int64      `json:"time,omitempty"`
	Content []Segment  `json:"content,omitempty"`
}

// ForwardData may arrive already expanded (Nodes non-empty), as a
// synthesized inline Content list, or as a bare ID requiring a
// get_forward_msg round trip.
type ForwardData struct {
	ID      string     `json:"id,omitempty"`
	Content []Segment  `json:"content,omitempty"`
	Nodes   []NodeData `json:"nodes,omitempty"`
}

// CardData represents the four "rich content" segment types, which
// share a rendering story (typed block with title/url) but differ in
// wire shape, so the raw payload is preserved alongside best-effort
// extracted Title/URL.
type CardData struct {
	Kind  string          `json:"kind"`
	Title string          `json:"title,omitempty"`
	URL   string          `json:"url,omitempty"`
	Raw   json.RawMessage `json:"raw,omitempty"`
}

type SenderInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname,omitempty"`
	Card     string `json:"card,omitempty"`
	Role     string `json:"role,omitempty"`
}

type segmentWire struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *Segment) UnmarshalJSON(b []byte) error {
	var w segmentWire
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("decode segment envelope: %w", err)
	}
	s.Type = w.Type

	data := w.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	switch {
	case w.Type == SegmentText:
		s.Text = &TextData{}
		return json.Unmarshal(data, s.Text)
	case w.Type == SegmentAt:
		s.At = &AtData{}
		return json.Unmarshal(data, s.At)
	case w.Type == SegmentFace:
		s.Face = &FaceData{}
		return json.Unmarshal(data, s.Face)
	case w.Type == SegmentImage:
		s.Image = &ImageData{}
		return json.Unmarshal(data, s.Image)
	case w.Type == SegmentVideo:
		s.Video = &VideoData{}
		return json.Unmarshal(data, s.Video)
	case w.Type == SegmentFile:
		s.File = &FileData{}
		return json.Unmarshal(data, s.File)
	case w.Type == SegmentRecord:
		s.Record = &RecordData{}
		return json.Unmarshal(data, s.Record)
	case w.Type == SegmentReply:
		s.Reply = &ReplyData{}
		return json.Unmarshal(data, s.Reply)
	case w.Type == SegmentNode:
		s.Node = &NodeData{}
		return json.Unmarshal(data, s.Node)
	case w.Type == SegmentForward:
		s.Forward = &ForwardData{}
		return json.Unmarshal(data, s.Forward)
	case cardKinds[w.Type]:
		card := &CardData{Kind: w.Type, Raw: data}
		var titled struct {
			Title string `json:"title"`
			URL   string `json:"url"`
		}
		_ = json.Unmarshal(data, &titled)
		card.Title = titled.Title
		card.URL = titled.URL
		s.Card = card
		return nil
	default:
		s.Unknown = bytes.Clone(data)
		return nil
	}
}

func (s Segment) MarshalJSON() ([]byte, error) {
	var data any
	switch {
	case s.Text != nil:
		data = s.Text
	case s.At != nil:
		data = s.At
	case s.Face != nil:
		data = s.Face
	case s.Image != nil:
		data = s.Image
	case s.Video != nil:
		data = s.Video
	case s.File != nil:
		data = s.File
	case s.Record != nil:
		data = s.Record
	case s.Reply != nil:
		data = s.Reply
	case s.Node != nil:
		data = s.Node
	case s.Forward != nil:
		data = s.Forward
	case s.Card != nil:
		data = s.Card.Raw
	case s.Unknown != nil:
		data = s.Unknown
	default:
		data = struct{}{}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode segment data: %w", err)
	}
	return json.Marshal(segmentWire{Type: s.Type, Data: raw})
}
