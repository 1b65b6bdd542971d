// Package render implements the Renderer of spec.md §4.5: it turns an
// enriched FormattedMessage into a markdown `summary` and a natural
// language `objective`, plus the drop-policy predicates the Broker
// applies around it.
package render

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/qqbroker/adapter/internal/model"
)

const (
	kib = 1024
	mib = 1024 * 1024
	gib = 1024 * 1024 * 1024
)

// Renderer composes Summary/Objective onto a FormattedMessage.
type Renderer struct {
	resolver InfoResolver
}

func New(resolver InfoResolver) *Renderer {
	return &Renderer{resolver: resolver}
}

// Render fills msg.Summary and msg.Objective in place. Call after
// Enricher.Enrich so media paths and reply/forward content are
// already resolved.
func (r *Renderer) Render(ctx context.Context, msg *model.FormattedMessage) {
	if msg.IsPoke() {
		r.renderPoke(ctx, msg)
		return
	}
	msg.Summary = r.buildSummary(ctx, msg)
	msg.Objective = r.buildObjective(ctx, msg)
}

func (r *Renderer) senderDisplay(ctx context.Context, msg *model.FormattedMessage) string {
	isGroup := msg.Type == model.ConversationGroup
	nickname, card, role := msg.SenderName, msg.SenderCard, msg.SenderRole

	if isGroup && (card == "" || role == "") {
		n, c, ro := r.resolver.MemberInfo(ctx, msg.GroupID, msg.SenderID)
		nickname, card, role = firstNonEmpty(nickname, n), firstNonEmpty(card, c), firstNonEmpty(role, ro)
	}
	if nickname == "" && !isGroup {
		nickname = r.resolver.StrangerInfo(ctx, msg.SenderID)
	}

	return SenderDisplay(nickname, card, role, msg.SenderID, isGroup)
}

func (r *Renderer) groupName(ctx context.Context, msg *model.FormattedMessage) string {
	if msg.GroupName != "" {
		return msg.GroupName
	}
	return r.resolver.GroupInfo(ctx, msg.GroupID)
}

func (r *Renderer) buildSummary(ctx context.Context, msg *model.FormattedMessage) string {
	_, convID := msg.ConversationKey()

	fields := []string{
		fmt.Sprintf("消息ID: %d", msg.MessageID),
		fmt.Sprintf("会话: %s:%d", convLetter(msg.Type), convID),
	}
	if msg.Type == model.ConversationGroup {
		fields = append(fields, "群聊")
		if name := r.groupName(ctx, msg); name != "" {
			fields = append(fields, fmt.Sprintf("%s(%d)", name, msg.GroupID))
		}
	} else {
		fields = append(fields, "私聊")
	}
	fields = append(fields, fmt.Sprintf("发送者: %s", r.senderDisplay(ctx, msg)))
	header := strings.Join(fields, " | ")

	blocks := []string{header}

	if strings.TrimSpace(msg.Text) != "" {
		blocks = append(blocks, msg.Text)
	}
	if block := imagesBlock(msg.Images); block != "" {
		blocks = append(blocks, block)
	}
	if block := videosBlock(msg.Videos); block != "" {
		blocks = append(blocks, block)
	}
	if block := recordsBlock(msg.Records); block != "" {
		blocks = append(blocks, block)
	}
	if block := filesBlock(msg.Files); block != "" {
		blocks = append(blocks, block)
	}
	if block := cardsBlock(msg.Cards); block != "" {
		blocks = append(blocks, block)
	}
	if block := forwardsBlock(msg.Forwards, 1); block != "" {
		blocks = append(blocks, block)
	}
	if msg.Reply != nil {
		blocks = append(blocks, replyBlock(msg.Reply))
	}

	return strings.Join(blocks, "\n\n")
}

func imagesBlock(images []model.ImageData) string {
	if len(images) == 0 {
		return ""
	}
	lines := make([]string, 0, len(images))
	for _, img := range images {
		lines = append(lines, fmt.Sprintf("![%s](%s)", firstNonEmpty(img.Summary, "图片"), mediaLink(img.Path, img.URL)))
	}
	return strings.Join(lines, "\n")
}

func videosBlock(videos []model.VideoData) string {
	if len(videos) == 0 {
		return ""
	}
	lines := make([]string, 0, len(videos))
	for _, v := range videos {
		lines = append(lines, fmt.Sprintf("[视频](%s)", mediaLink(v.Path, v.URL)))
	}
	return strings.Join(lines, "\n")
}

func recordsBlock(records []model.RecordData) string {
	if len(records) == 0 {
		return ""
	}
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		lines = append(lines, fmt.Sprintf("[语音](%s) %s", mediaLink(rec.Path, rec.URL), FormatFileSize(rec.FileSize)))
	}
	return strings.Join(lines, "\n")
}

func filesBlock(files []model.FileData) string {
	if len(files) == 0 {
		return ""
	}
	lines := make([]string, 0, len(files))
	for _, f := range files {
		lines = append(lines, fmt.Sprintf("[%s](%s) (%s)", firstNonEmpty(f.File, "文件"), mediaLink(f.Path, ""), FormatFileSize(f.FileSize)))
	}
	return strings.Join(lines, "\n")
}

func cardsBlock(cards []model.CardData) string {
	if len(cards) == 0 {
		return ""
	}
	lines := make([]string, 0, len(cards))
	for _, c := range cards {
		lines = append(lines, fmt.Sprintf("[%s: %s](%s)", c.Kind, firstNonEmpty(c.Title, "卡片消息"), c.URL))
	}
	return strings.Join(lines, "\n")
}

func forwardsBlock(forwards []model.ForwardData, depth int) string {
	if len(forwards) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range forwards {
		b.WriteString(renderForward(f, depth))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderForward(f model.ForwardData, depth int) string {
	var b strings.Builder
	n := len(f.Nodes)
	for i, node := range f.Nodes {
		sender := SenderDisplay(node.Sender.Nickname, node.Sender.Card, node.Sender.Role, node.Sender.UserID, true)
		text := plainText(node.Content)
		b.WriteString(fmt.Sprintf("[%d/%d] %s: %s\n", i+1, n, sender, text))
		if media := inlineMediaSummary(node.Content); media != "" {
			b.WriteString(media + "\n")
		}
	}
	return b.String()
}

func replyBlock(reply *model.ReplyData) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("> 引用 %s: %s", firstNonEmpty(reply.SenderName, fmt.Sprintf("QQ:%d", reply.SenderID)), reply.Text))
	if reply.Media != nil {
		if block := imagesBlock(reply.Media.Images); block != "" {
			b.WriteString("\n" + block)
		}
		if block := filesBlock(reply.Media.Files); block != "" {
			b.WriteString("\n" + block)
		}
	}
	return b.String()
}

func (r *Renderer) buildObjective(ctx context.Context, msg *model.FormattedMessage) string {
	actor := r.actorDisplay(ctx, msg)
	scene := r.sceneDisplay(ctx, msg)

	var action strings.Builder
	if strings.TrimSpace(msg.Text) != "" {
		action.WriteString(fmt.Sprintf("说：\"%s\"", msg.Text))
	}
	if descriptor := inlineMediaSummary(msg.Segments); descriptor != "" {
		if action.Len() > 0 {
			action.WriteString("，并")
		}
		action.WriteString("发送了" + descriptor)
	}
	if action.Len() == 0 {
		action.WriteString("发送了一条消息")
	}

	sentence := fmt.Sprintf("在%s里，%s，%s", scene, actor, action.String())

	if msg.Reply != nil {
		quoteBy := firstNonEmpty(msg.Reply.SenderName, fmt.Sprintf("QQ:%d", msg.Reply.SenderID))
		sentence += fmt.Sprintf("，引用了%s之前说的\"%s\"", quoteBy, msg.Reply.Text)
		if msg.Reply.Media != nil && (len(msg.Reply.Media.Images) > 0 || len(msg.Reply.Media.Files) > 0) {
			sentence += "（含媒体内容）"
		}
	}

	return sentence + "。"
}

// convLetter maps a conversation type to the spec's compact label used
// in the summary's 会话 field (spec.md §8 scenario #1: "G:100").
func convLetter(convType string) string {
	if convType == model.ConversationGroup {
		return "G"
	}
	return "P"
}

func (r *Renderer) actorDisplay(ctx context.Context, msg *model.FormattedMessage) string {
	if msg.SenderID == msg.SelfID {
		nickname := r.resolver.SelfInfo(ctx, msg.SelfID)
		return fmt.Sprintf("我（%s(QQ:%d)）", nickname, msg.SelfID)
	}
	return r.senderDisplay(ctx, msg)
}

func (r *Renderer) sceneDisplay(ctx context.Context, msg *model.FormattedMessage) string {
	if msg.Type == model.ConversationGroup {
		return fmt.Sprintf("群聊「%s」", r.groupName(ctx, msg))
	}
	return "私聊"
}

func (r *Renderer) renderPoke(ctx context.Context, msg *model.FormattedMessage) {
	actor := r.pokeActorDisplay(ctx, msg, msg.SenderID)
	target := r.pokeActorDisplay(ctx, msg, msg.TargetID)
	scene := r.sceneDisplay(ctx, msg)
	_, convID := msg.ConversationKey()

	msg.Summary = fmt.Sprintf("type=poke | conv=%s:%d | from=%s | to=%s", msg.Type, convID, actor, target)
	msg.Objective = fmt.Sprintf("%s在%s中戳了戳%s。", actor, scene, target)
}

func (r *Renderer) pokeActorDisplay(ctx context.Context, msg *model.FormattedMessage, userID int64) string {
	if userID == msg.SelfID {
		nickname := r.resolver.SelfInfo(ctx, msg.SelfID)
		return fmt.Sprintf("我（%s(QQ:%d)）", nickname, msg.SelfID)
	}
	if msg.Type == model.ConversationGroup {
		nickname, card, role := r.resolver.MemberInfo(ctx, msg.GroupID, userID)
		return SenderDisplay(nickname, card, role, userID, true)
	}
	nickname := r.resolver.StrangerInfo(ctx, userID)
	return SenderDisplay(nickname, "", "", userID, false)
}

// SenderDisplay renders "nickname(card)[role](QQ:id)" with missing
// parts elided; role labels only apply in group contexts
// (spec.md §4.5).
func SenderDisplay(nickname, card, role string, userID int64, isGroup bool) string {
	var b strings.Builder
	if nickname != "" {
		b.WriteString(nickname)
	}
	if card != "" {
		b.WriteString("(" + card + ")")
	}
	if isGroup {
		if label := roleLabel(role); label != "" {
			b.WriteString("[" + label + "]")
		}
	}
	b.WriteString(fmt.Sprintf("(QQ:%d)", userID))
	return b.String()
}

func roleLabel(role string) string {
	switch role {
	case model.RoleOwner:
		return "群主"
	case model.RoleAdmin:
		return "管理员"
	default:
		return ""
	}
}

// FormatFileSize renders a byte count per spec.md §4.5's thresholds.
func FormatFileSize(size int64) string {
	switch {
	case size <= 0:
		return "未知大小"
	case size < kib:
		return fmt.Sprintf("%dB", size)
	case size < mib:
		return fmt.Sprintf("%.1fKB", float64(size)/kib)
	case size < gib:
		return fmt.Sprintf("%.1fMB", float64(size)/mib)
	default:
		return fmt.Sprintf("%.1fGB", float64(size)/gib)
	}
}

// NormalizeMediaURL applies spec.md §4.5's URL normalization rules:
// local absolute paths become percent-encoded file:/// URLs, bare
// http(s) URLs are kept as-is except that one gaining a filename
// query parameter if it lacks one.
func NormalizeMediaURL(pathOrURL string) string {
	if pathOrURL == "" {
		return ""
	}

	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		u, err := url.Parse(pathOrURL)
		if err != nil {
			return pathOrURL
		}
		q := u.Query()
		if q.Get("file") == "" && q.Get("fname") == "" {
			name := path.Base(u.Path)
			if name == "" || name == "." || name == "/" {
				name = "file"
			}
			q.Set("file", name)
			u.RawQuery = q.Encode()
		}
		return u.String()
	}

	if strings.HasPrefix(pathOrURL, "/") {
		u := url.URL{Scheme: "file", Path: pathOrURL}
		return u.String()
	}

	return pathOrURL
}

func mediaLink(localPath, remoteURL string) string {
	if localPath != "" {
		return NormalizeMediaURL(localPath)
	}
	return NormalizeMediaURL(remoteURL)
}

func plainText(segs []model.Segment) string {
	var b strings.Builder
	for _, seg := range segs {
		if seg.Text != nil {
			b.WriteString(seg.Text.Text)
		}
	}
	return b.String()
}

func inlineMediaSummary(segs []model.Segment) string {
	var parts []string
	images, videos, records, files := 0, 0, 0, 0
	for _, seg := range segs {
		switch {
		case seg.Image != nil:
			images++
		case seg.Video != nil:
			videos++
		case seg.Record != nil:
			records++
		case seg.File != nil:
			files++
		}
	}
	if images > 0 {
		parts = append(parts, fmt.Sprintf("%d张图片", images))
	}
	if videos > 0 {
		parts = append(parts, fmt.Sprintf("%d个视频", videos))
	}
	if records > 0 {
		parts = append(parts, fmt.Sprintf("%d条语音", records))
	}
	if files > 0 {
		parts = append(parts, fmt.Sprintf("%d个文件", files))
	}
	return strings.Join(parts, "、")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsAnimatedStickerOnly reports whether msg should be dropped as a
// bare animated sticker (spec.md §4.5, §4.7 step 2; policy-configurable
// via enabled). Operates on the segment-level Summary field images
// carry from the upstream gateway, not msg.Summary.
func IsAnimatedStickerOnly(msg *model.FormattedMessage, enabled bool) bool {
	if !enabled {
		return false
	}
	if msg.Reply != nil {
		return false
	}
	if strings.TrimSpace(msg.Text) != "" {
		return false
	}
	for _, img := range msg.Images {
		if img.Summary == "[动画表情]" {
			return true
		}
	}
	return false
}

// IsVoiceOnly reports whether msg should be dropped under the
// voice-only policy: one or more record segments with no text, reply,
// or other media (spec.md §4.5, §4.7 step 2). A reply counts whether it
// is already resolved on msg.Reply or still a raw reply segment, so the
// check holds before Enrich runs.
func IsVoiceOnly(msg *model.FormattedMessage, enabled bool) bool {
	if !enabled {
		return false
	}
	if msg.Reply != nil {
		return false
	}
	for _, seg := range msg.Segments {
		if seg.Reply != nil {
			return false
		}
	}
	if len(msg.Records) == 0 {
		return false
	}
	if strings.TrimSpace(msg.Text) != "" {
		return false
	}
	if len(msg.Images) > 0 || len(msg.Videos) > 0 || len(msg.Files) > 0 || len(msg.Cards) > 0 || len(msg.Forwards) > 0 || len(msg.Faces) > 0 {
		return false
	}
	if msg.AtAll || len(msg.AtUsers) > 0 {
		return false
	}
	return true
}
