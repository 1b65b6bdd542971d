package render

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qqbroker/adapter/internal/cache"
	"github.com/qqbroker/adapter/internal/model"
)

// UpstreamCaller is the subset of upstream.Client the resolver needs.
type UpstreamCaller interface {
	Call(ctx context.Context, action string, params any, timeout time.Duration) (*model.UpstreamResponse, error)
}

// InfoResolver resolves display names for senders/targets/groups, used
// by Renderer when composing the objective paragraph (spec.md §4.5).
type InfoResolver interface {
	MemberInfo(ctx context.Context, groupID, userID int64) (nickname, card, role string)
	StrangerInfo(ctx context.Context, userID int64) (nickname string)
	GroupInfo(ctx context.Context, groupID int64) (name string)
	SelfInfo(ctx context.Context, selfID int64) (nickname string)
}

type memberKey struct {
	groupID, userID int64
}

type memberInfo struct {
	nickname, card, role string
}

// CachedResolver backs InfoResolver with upstream RPCs fronted by
// short-lived TTL caches (Design Note: "shared mutable maps (info
// caches)"), so repeated renders of the same conversation don't
// re-fetch on every message.
type CachedResolver struct {
	upstream UpstreamCaller
	timeout  time.Duration

	members    *cache.TTLCache[memberKey, memberInfo]
	strangers  *cache.TTLCache[int64, string]
	groups     *cache.TTLCache[int64, string]
	selfNicks  *cache.TTLCache[int64, string]
}

func NewCachedResolver(upstream UpstreamCaller, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		upstream:  upstream,
		timeout:   10 * time.Second,
		members:   cache.New[memberKey, memberInfo](ttl),
		strangers: cache.New[int64, string](ttl),
		groups:    cache.New[int64, string](ttl),
		selfNicks: cache.New[int64, string](ttl),
	}
}

func (r *CachedResolver) MemberInfo(ctx context.Context, groupID, userID int64) (string, string, string) {
	key := memberKey{groupID, userID}
	if info, ok := r.members.Get(key); ok {
		return info.nickname, info.card, info.role
	}

	resp, err := r.upstream.Call(ctx, "get_group_member_info", map[string]any{"group_id": groupID, "user_id": userID}, r.timeout)
	if err != nil || resp == nil || !resp.OK() {
		return "", "", ""
	}

	var result struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
		Role     string `json:"role"`
	}
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return "", "", ""
	}

	r.members.Set(key, memberInfo{result.Nickname, result.Card, result.Role})
	return result.Nickname, result.Card, result.Role
}

func (r *CachedResolver) StrangerInfo(ctx context.Context, userID int64) string {
	if name, ok := r.strangers.Get(userID); ok {
		return name
	}

	resp, err := r.upstream.Call(ctx, "get_stranger_info", map[string]any{"user_id": userID}, r.timeout)
	if err != nil || resp == nil || !resp.OK() {
		return ""
	}

	var result struct {
		Nickname string `json:"nickname"`
	}
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return ""
	}

	r.strangers.Set(userID, result.Nickname)
	return result.Nickname
}

func (r *CachedResolver) GroupInfo(ctx context.Context, groupID int64) string {
	if name, ok := r.groups.Get(groupID); ok {
		return name
	}

	resp, err := r.upstream.Call(ctx, "get_group_info", map[string]any{"group_id": groupID}, r.timeout)
	if err != nil || resp == nil || !resp.OK() {
		return ""
	}

	var result struct {
		GroupName string `json:"group_name"`
	}
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return ""
	}

	r.groups.Set(groupID, result.GroupName)
	return result.GroupName
}

func (r *CachedResolver) SelfInfo(ctx context.Context, selfID int64) string {
	if name, ok := r.selfNicks.Get(selfID); ok {
		return name
	}

	resp, err := r.upstream.Call(ctx, "get_login_info", nil, r.timeout)
	if err != nil || resp == nil || !resp.OK() {
		return fmt.Sprintf("QQ:%d", selfID)
	}

	var result struct {
		Nickname string `json:"nickname"`
	}
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return fmt.Sprintf("QQ:%d", selfID)
	}

	r.selfNicks.Set(selfID, result.Nickname)
	return result.Nickname
}
