package stream

// sdkRoute describes one "sdk" facade path: which upstream action it
// maps to, the positional argument names (so args:[...] can be turned
// into a named params object), and which argument position (if any)
// carries the group/user id the whitelist check keys on (spec.md
// §4.6: "sdk ... keyed by path → args positionally").
//
// This table is this adapter's own invention — spec.md specifies the
// envelope shape but not a concrete facade catalogue, so it is scoped
// to the actions the Enricher/Renderer already exercise plus the
// common send actions a consumer app would need.
type sdkRoute struct {
	action      string
	argNames    []string
	groupArgIdx int
	userArgIdx  int
}

var sdkRoutes = map[string]sdkRoute{
	"send.group_msg":       {action: "send_group_msg", argNames: []string{"group_id", "message"}, groupArgIdx: 0, userArgIdx: -1},
	// Alias for send.group_msg: spec.md §8 scenario #5 names this path.
	"send.group":           {action: "send_group_msg", argNames: []string{"group_id", "message"}, groupArgIdx: 0, userArgIdx: -1},
	"send.private_msg":     {action: "send_private_msg", argNames: []string{"user_id", "message"}, groupArgIdx: -1, userArgIdx: 0},
	"send.group_forward":   {action: "send_group_forward_msg", argNames: []string{"group_id", "messages"}, groupArgIdx: 0, userArgIdx: -1},
	"query.group_info":     {action: "get_group_info", argNames: []string{"group_id"}, groupArgIdx: 0, userArgIdx: -1},
	"query.group_member":   {action: "get_group_member_info", argNames: []string{"group_id", "user_id"}, groupArgIdx: 0, userArgIdx: 1},
	"query.stranger_info":  {action: "get_stranger_info", argNames: []string{"user_id"}, groupArgIdx: -1, userArgIdx: 0},
	"query.login_info":     {action: "get_login_info", argNames: nil, groupArgIdx: -1, userArgIdx: -1},
}

func resolveSDKPath(path string) (string, bool) {
	route, ok := sdkRoutes[path]
	if !ok {
		return "", false
	}
	return route.action, true
}

func sdkWhitelistTargets(path string, args []any) (groupID, userID int64) {
	route, ok := sdkRoutes[path]
	if !ok {
		return 0, 0
	}
	if route.groupArgIdx >= 0 && route.groupArgIdx < len(args) {
		groupID = toInt64(args[route.groupArgIdx])
	}
	if route.userArgIdx >= 0 && route.userArgIdx < len(args) {
		userID = toInt64(args[route.userArgIdx])
	}
	return groupID, userID
}

func sdkParams(action string, args []any) map[string]any {
	var route sdkRoute
	for _, r := range sdkRoutes {
		if r.action == action {
			route = r
			break
		}
	}

	params := make(map[string]any, len(route.argNames))
	for i, name := range route.argNames {
		if i < len(args) {
			params[name] = args[i]
		}
	}
	return params
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		var out int64
		for _, ch := range n {
			if ch < '0' || ch > '9' {
				return 0
			}
			out = out*10 + int64(ch-'0')
		}
		return out
	default:
		return 0
	}
}
