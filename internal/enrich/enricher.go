// Package enrich implements the Enricher of spec.md §4.4: it walks a
// formatted message's segments, resolves missing media paths through
// upstream RPCs and the MediaFetcher collaborator, and expands
// forwards/replies to a bounded depth.
//
// Grounded on the teacher pack's RPC-calling idiom (upstream.Client
// satisfies UpstreamCaller) and on spec.md's own per-type contract;
// there is no teacher precedent for message enrichment specifically,
// so the walk structure follows the segment model's shape directly.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/qqbroker/adapter/internal/model"
)

// maxDepth bounds forward/reply expansion recursion (spec.md §4.4).
const maxDepth = 2

// UpstreamCaller is the subset of upstream.Client the enricher needs.
// Satisfied by *upstream.Client.
type UpstreamCaller interface {
	Call(ctx context.Context, action string, params any, timeout time.Duration) (*model.UpstreamResponse, error)
}

// MediaFetcher resolves a remote media resource to a local path.
// Contract only (spec.md Non-goal: "any file caching implementation").
type MediaFetcher interface {
	Fetch(ctx context.Context, url string, kind string) (localPath string, err error)
}

// NullMediaFetcher is the default MediaFetcher: it never produces a
// local path, leaving segments to carry only the upstream URL. Used
// when no real collaborator is wired in (spec.md treats MediaFetcher
// as an external collaborator; only its contract is specified).
type NullMediaFetcher struct{}

func (NullMediaFetcher) Fetch(_ context.Context, _ string, _ string) (string, error) {
	return "", nil
}

// Enricher walks and mutates a FormattedMessage's segments in place.
type Enricher struct {
	upstream UpstreamCaller
	media    MediaFetcher
	logger   zerolog.Logger
	timeout  time.Duration
}

func New(upstream UpstreamCaller, media MediaFetcher, logger zerolog.Logger) *Enricher {
	if media == nil {
		media = NullMediaFetcher{}
	}
	return &Enricher{
		upstream: upstream,
		media:    media,
		logger:   logger.With().Str("component", "enricher").Logger(),
		timeout:  10 * time.Second,
	}
}

// Enrich mutates msg's segments in place, resolving media paths and
// expanding forwards/replies, then recomputes msg's projections so
// every downstream view reflects the enriched state (spec.md
// invariant 2). Per-segment failures never abort the pass (spec.md
// §4.4: "never throws out of band").
func (e *Enricher) Enrich(ctx context.Context, msg *model.FormattedMessage) {
	kind, _ := msg.ConversationKey()

	for i := range msg.Segments {
		e.enrichSegment(ctx, &msg.Segments[i], kind, 0)
	}

	for i := range msg.Segments {
		seg := msg.Segments[i]
		if seg.Reply != nil && msg.Reply == nil {
			msg.Reply = e.enrichReply(ctx, seg.Reply, 0)
		}
	}

	msg.DeriveProjections()
}

func (e *Enricher) enrichSegment(ctx context.Context, seg *model.Segment, conversationKind string, depth int) {
	switch {
	case seg.Image != nil:
		e.enrichImage(ctx, seg.Image)
	case seg.Video != nil:
		e.enrichVideo(ctx, seg.Video)
	case seg.Record != nil:
		e.enrichRecord(ctx, seg.Record)
	case seg.File != nil:
		e.enrichFile(ctx, seg.File, conversationKind)
	case seg.Node != nil:
		if depth < maxDepth {
			e.enrichSegments(ctx, seg.Node.Content, conversationKind, depth+1)
		}
	case seg.Forward != nil:
		e.enrichForward(ctx, seg.Forward, conversationKind, depth)
	}
}

func (e *Enricher) enrichSegments(ctx context.Context, segs []model.Segment, conversationKind string, depth int) {
	for i := range segs {
		e.enrichSegment(ctx, &segs[i], conversationKind, depth)
	}
}

func (e *Enricher) enrichImage(ctx context.Context, img *model.ImageData) {
	if img.URL == "" {
		type getImageResult struct {
			URL  string `json:"url"`
			File string `json:"file"`
		}
		resp, err := e.upstream.Call(ctx, "get_image", map[string]any{"file": img.File}, e.timeout)
		if err != nil || resp == nil || !resp.OK() {
			e.logger.Debug().Err(err).Str("file", img.File).Msg("get_image failed, keeping segment as-is")
		} else {
			var result getImageResult
			if err := json.Unmarshal(resp.Data, &result); err == nil && result.URL != "" {
				img.URL = result.URL
			}
		}
	}

	source := firstNonEmpty(img.URL, img.File)
	if source == "" {
		return
	}
	path, err := e.media.Fetch(ctx, source, "image")
	if err != nil {
		e.logger.Debug().Err(err).Msg("media fetch failed for image")
		return
	}
	if path != "" {
		img.Path = normalizeSentinel(path)
		img.CachePath = img.Path
	}
}

func (e *Enricher) enrichVideo(ctx context.Context, vid *model.VideoData) {
	source := firstNonEmpty(vid.URL, vid.File)
	if source == "" {
		return
	}
	path, err := e.media.Fetch(ctx, source, "video")
	if err != nil {
		e.logger.Debug().Err(err).Msg("media fetch failed for video")
		return
	}
	if path != "" {
		vid.Path = normalizeSentinel(path)
	}
}

func (e *Enricher) enrichRecord(ctx context.Context, rec *model.RecordData) {
	type getRecordResult struct {
		URL      string `json:"url"`
		FileSize int64  `json:"file_size"`
	}
	resp, err := e.upstream.Call(ctx, "get_record", map[string]any{"file": rec.File, "out_format": "mp3"}, e.timeout)
	if err != nil || resp == nil || !resp.OK() {
		e.logger.Debug().Err(err).Str("file", rec.File).Msg("get_record failed, keeping segment as-is")
	} else {
		var result getRecordResult
		if err := json.Unmarshal(resp.Data, &result); err == nil {
			if result.URL != "" {
				rec.URL = result.URL
			}
			if result.FileSize > 0 {
				rec.FileSize = result.FileSize
			}
		}
	}

	source := firstNonEmpty(rec.URL, rec.File)
	if source == "" {
		return
	}
	path, err := e.media.Fetch(ctx, source, "record")
	if err != nil {
		e.logger.Debug().Err(err).Msg("media fetch failed for record")
		return
	}
	if path != "" {
		rec.Path = normalizeSentinel(path)
	}
}

func (e *Enricher) enrichFile(ctx context.Context, f *model.FileData, conversationKind string) {
	action := "get_file"
	params := map[string]any{"file_id": f.FileID}
	if conversationKind == model.ConversationGroup {
		action = "get_group_file_url"
	}

	type getFileResult struct {
		URL      string `json:"url"`
		FileSize int64  `json:"file_size"`
	}
	resp, err := e.upstream.Call(ctx, action, params, e.timeout)
	if err != nil || resp == nil || !resp.OK() {
		e.logger.Debug().Err(err).Str("file_id", f.FileID).Msg("file url lookup failed, keeping segment as-is")
		return
	}

	var result getFileResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return
	}
	result.URL = normalizeSentinel(result.URL)
	if result.URL == "" {
		return
	}
	if result.FileSize > 0 {
		f.FileSize = result.FileSize
	}

	path, err := e.media.Fetch(ctx, result.URL, "file")
	if err != nil {
		e.logger.Debug().Err(err).Msg("media fetch failed for file")
		return
	}
	if path != "" {
		f.Path = normalizeSentinel(path)
	}
}

func (e *Enricher) enrichForward(ctx context.Context, fwd *model.ForwardData, conversationKind string, depth int) {
	if depth >= maxDepth {
		e.logger.Debug().Int("depth", depth).Msg("forward expansion depth exceeded, leaving unexpanded")
		return
	}

	switch {
	case len(fwd.Nodes) > 0:
		for i := range fwd.Nodes {
			e.enrichSegments(ctx, fwd.Nodes[i].Content, conversationKind, depth+1)
		}
	case len(fwd.Content) > 0:
		fwd.Nodes = []model.NodeData{{Content: fwd.Content}}
		e.enrichSegments(ctx, fwd.Nodes[0].Content, conversationKind, depth+1)
	case fwd.ID != "":
		nodes, err := e.fetchForwardNodes(ctx, fwd.ID)
		if err != nil {
			e.logger.Debug().Err(err).Str("id", fwd.ID).Msg("get_forward_msg failed, leaving unexpanded")
			return
		}
		fwd.Nodes = nodes
		for i := range fwd.Nodes {
			e.enrichSegments(ctx, fwd.Nodes[i].Content, conversationKind, depth+1)
		}
	}
}

// fetchForwardNodes calls get_forward_msg and extracts its node list.
// Gateway implementations disagree on the response shape, so the
// fields are tried in priority order (spec.md §9 Open Question):
// top-level "messages", then "data.messages", then the singular
// "data.message", then "content". An empty result is non-fatal.
func (e *Enricher) fetchForwardNodes(ctx context.Context, id string) ([]model.NodeData, error) {
	resp, err := e.upstream.Call(ctx, "get_forward_msg", map[string]any{"id": id}, e.timeout)
	if err != nil {
		return nil, err
	}
	if resp == nil || !resp.OK() {
		return nil, fmt.Errorf("get_forward_msg: %s", resp.ErrorMessage())
	}

	var result struct {
		Messages []model.NodeData `json:"messages"`
		Content  []model.NodeData `json:"content"`
		Data     struct {
			Messages []model.NodeData `json:"messages"`
			Message  []model.NodeData `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("decode get_forward_msg response: %w", err)
	}

	switch {
	case len(result.Messages) > 0:
		return result.Messages, nil
	case len(result.Data.Messages) > 0:
		return result.Data.Messages, nil
	case len(result.Data.Message) > 0:
		return result.Data.Message, nil
	case len(result.Content) > 0:
		return result.Content, nil
	default:
		return nil, nil
	}
}

// enrichReply resolves the quoted message identified by reply.ID into
// its text/sender/media, recursing into any forwards it itself
// carries, bounded by the same depth cap.
func (e *Enricher) enrichReply(ctx context.Context, reply *model.ReplyData, depth int) *model.ReplyData {
	resp, err := e.upstream.Call(ctx, "get_msg", map[string]any{"message_id": reply.ID}, e.timeout)
	if err != nil || resp == nil || !resp.OK() {
		e.logger.Debug().Err(err).Str("id", reply.ID).Msg("get_msg failed, quoting without content")
		return reply
	}

	var quoted struct {
		Message []model.Segment  `json:"message"`
		Sender  model.SenderInfo `json:"sender"`
	}
	if err := json.Unmarshal(resp.Data, &quoted); err != nil {
		e.logger.Debug().Err(err).Msg("decode get_msg response failed")
		return reply
	}

	if depth < maxDepth {
		e.enrichSegments(ctx, quoted.Message, model.ConversationPrivate, depth+1)
	}

	var text strings.Builder
	media := &model.ReplyMedia{}
	for _, seg := range quoted.Message {
		switch {
		case seg.Text != nil:
			text.WriteString(seg.Text.Text)
		case seg.Image != nil:
			media.Images = append(media.Images, *seg.Image)
		case seg.Video != nil:
			media.Videos = append(media.Videos, *seg.Video)
		case seg.File != nil:
			media.Files = append(media.Files, *seg.File)
		case seg.Record != nil:
			media.Records = append(media.Records, *seg.Record)
		case seg.Forward != nil:
			media.Forwards = append(media.Forwards, *seg.Forward)
		case seg.Card != nil:
			media.Cards = append(media.Cards, *seg.Card)
		case seg.Face != nil:
			media.Faces = append(media.Faces, *seg.Face)
		}
	}

	reply.Text = text.String()
	reply.SenderID = quoted.Sender.UserID
	reply.SenderName = firstNonEmpty(quoted.Sender.Card, quoted.Sender.Nickname)
	reply.Media = media
	return reply
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func normalizeSentinel(s string) string {
	if s == "empty" {
		return ""
	}
	return s
}
