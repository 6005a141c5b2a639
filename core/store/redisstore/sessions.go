package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cordum/toolforge/core/tool"
)

const sessionTimeLayout = time.RFC3339Nano

// Session rows are hashes. Scripts return HGETALL on success, or a one- or
// two-element marker list.
const getOrCreateSessionScript = `
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
  redis.call("HSET", key,
    "id", ARGV[1], "tool_id", ARGV[2], "user_id", ARGV[3], "context", ARGV[4],
    "state", "{}", "rev", "0", "created_at", ARGV[5], "updated_at", ARGV[5])
end
return redis.call("HGETALL", key)
`

const casSessionStateScript = `
local key = KEYS[1]
local current = redis.call("HGET", key, "rev")
if not current then
  return {"missing"}
end
if tonumber(current) ~= tonumber(ARGV[1]) then
  return {"conflict", current}
end
redis.call("HSET", key, "state", ARGV[2], "rev", tostring(tonumber(current) + 1), "updated_at", ARGV[3])
return redis.call("HGETALL", key)
`

const clearSessionStateScript = `
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
  return {"missing"}
end
if ARGV[1] == "1" then
  redis.call("HSET", key, "rev", "0")
end
redis.call("HSET", key, "state", "{}", "updated_at", ARGV[2])
return redis.call("HGETALL", key)
`

func (s *Store) GetOrCreateSession(ctx context.Context, key tool.SessionKey, id string, now time.Time) (*tool.Session, error) {
	res, err := s.client.Eval(ctx, getOrCreateSessionScript, []string{sessionKey(key)},
		id, key.ToolID, key.UserID, key.Context, now.UTC().Format(sessionTimeLayout),
	).Result()
	if err != nil {
		return nil, tool.Wrap(err, "get or create session")
	}
	return parseSessionReply(res, key, -1)
}

func (s *Store) GetSession(ctx context.Context, key tool.SessionKey) (*tool.Session, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(key)).Result()
	if err != nil {
		return nil, tool.Wrap(err, "get session")
	}
	if len(fields) == 0 {
		return nil, tool.NotFound("session not found")
	}
	return decodeSession(fields)
}

func (s *Store) CompareAndSetState(ctx context.Context, key tool.SessionKey, expectedRev int64, state *tool.Object, now time.Time) (*tool.Session, error) {
	data, err := state.MarshalJSON()
	if err != nil {
		return nil, tool.Wrap(err, "encode session state")
	}
	res, err := s.client.Eval(ctx, casSessionStateScript, []string{sessionKey(key)},
		expectedRev, string(data), now.UTC().Format(sessionTimeLayout),
	).Result()
	if err != nil {
		return nil, tool.Wrap(err, "update session state")
	}
	return parseSessionReply(res, key, expectedRev)
}

func (s *Store) ClearState(ctx context.Context, key tool.SessionKey, resetRev bool, now time.Time) (*tool.Session, error) {
	reset := "0"
	if resetRev {
		reset = "1"
	}
	res, err := s.client.Eval(ctx, clearSessionStateScript, []string{sessionKey(key)},
		reset, now.UTC().Format(sessionTimeLayout),
	).Result()
	if err != nil {
		return nil, tool.Wrap(err, "clear session state")
	}
	return parseSessionReply(res, key, -1)
}

func parseSessionReply(res any, key tool.SessionKey, expectedRev int64) (*tool.Session, error) {
	items, ok := res.([]any)
	if !ok {
		return nil, tool.Internal("unexpected session reply %T", res)
	}
	if len(items) > 0 && len(items) <= 2 {
		marker, _ := items[0].(string)
		switch marker {
		case "missing":
			return nil, tool.NotFound("session %s/%s/%s not found", key.ToolID, key.UserID, key.Context)
		case "conflict":
			current, _ := strconv.ParseInt(fmt.Sprint(items[1]), 10, 64)
			return nil, tool.Conflict("session state revision mismatch", expectedRev, current)
		}
	}
	if len(items)%2 != 0 {
		return nil, tool.Internal("malformed session reply")
	}
	fields := make(map[string]string, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		fields[fmt.Sprint(items[i])] = fmt.Sprint(items[i+1])
	}
	return decodeSession(fields)
}

func decodeSession(fields map[string]string) (*tool.Session, error) {
	state, err := tool.ParseObject([]byte(fields["state"]))
	if err != nil {
		return nil, tool.Wrap(err, "decode session state")
	}
	rev, err := strconv.ParseInt(fields["rev"], 10, 64)
	if err != nil {
		return nil, tool.Wrap(err, "decode session rev")
	}
	created, err := time.Parse(sessionTimeLayout, fields["created_at"])
	if err != nil {
		return nil, tool.Wrap(err, "decode session created_at")
	}
	updated, err := time.Parse(sessionTimeLayout, fields["updated_at"])
	if err != nil {
		return nil, tool.Wrap(err, "decode session updated_at")
	}
	return &tool.Session{
		ID: fields["id"],
		SessionKey: tool.SessionKey{
			ToolID:  fields["tool_id"],
			UserID:  fields["user_id"],
			Context: fields["context"],
		},
		State:     state,
		StateRev:  rev,
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}
