package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceCache interface {
	AddMember(ctx context.Context, workspaceID, memberID, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, workspaceID, memberID string) error
	GetAliveMembers(ctx context.Context, workspaceID string) ([]PresenceMember, error)
}

type PresenceMember struct {
	MemberID string `json:"memberId"`
	Username string `json:"username,omitempty"`
}

// redisPresence 基于 redis 的 PresenceCache，单机和 cluster 都可用
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// 清理过期成员
// KEYS[1] = roomKey, KEYS[2] = namesKey, ARGV[1] = now (unix seconds)
var cleanupScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// AddMember 刷新 TTL 也直接调用 AddMember
func (p *redisPresence) AddMember(ctx context.Context, workspaceID, memberID, username string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	// score 为 expireAt（Unix 秒），表达逻辑 TTL
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(workspaceID), redis.Z{Score: float64(expireAt), Member: memberID})
	tx.HSet(ctx, namesKey(workspaceID), memberID, username)
	// 整个房间长期无人心跳时让键自然过期
	if ttl > 0 {
		tx.Expire(ctx, roomKey(workspaceID), 2*ttl)
		tx.Expire(ctx, namesKey(workspaceID), 2*ttl)
	}
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, workspaceID, memberID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(workspaceID), memberID)
	tx.HDel(ctx, namesKey(workspaceID), memberID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, workspaceID string) ([]PresenceMember, error) {
	now := time.Now().Unix()
	err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(workspaceID), namesKey(workspaceID)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(workspaceID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(workspaceID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{MemberID: id, Username: name})
	}
	return members, nil
}
