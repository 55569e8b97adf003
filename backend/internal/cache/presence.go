package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 是会话名册在 Redis 里的观察镜像，给运维和旁路系统看
// “哪些文档开着、谁在线”。服务路径从不读它：名册的权威副本在内存里，
// 文档会话销毁后也不从这里恢复任何东西。
type PresenceCache interface {
	AddMember(ctx context.Context, documentName, sessionID, accountInfo string, ttl time.Duration) error
	RemoveMember(ctx context.Context, documentName, sessionID string) error
	RemoveDocument(ctx context.Context, documentName string) error
	GetDocuments(ctx context.Context) ([]string, error)
	GetAliveMembers(ctx context.Context, documentName string) ([]string, error)
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, documentName, sessionID, accountInfo string, ttl time.Duration) error {
	// 刷新TTL也直接调用AddMember即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(documentName), redis.Z{Score: float64(expireAt), Member: sessionID})
	tx.HSet(ctx, namesKey(documentName), sessionID, accountInfo)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, documentName, sessionID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(documentName), sessionID)
	tx.HDel(ctx, namesKey(documentName), sessionID)
	_, err := tx.Exec(ctx)
	return err
}

// RemoveDocument 在文档会话销毁时整体清掉镜像
func (p *redisPresence) RemoveDocument(ctx context.Context, documentName string) error {
	return p.rdb.Del(ctx, roomKey(documentName), namesKey(documentName)).Err()
}

func (p *redisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	var documents []string
	iter := p.rdb.Scan(ctx, 0, "presence:doc:*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// 注意：namesKey 也是以 presence:doc: 开头，需要过滤掉
		if strings.Contains(k, ":names:") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(k, "presence:doc:{name:"), "}")
		if name != "" {
			documents = append(documents, name)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return documents, nil
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, documentName string) ([]string, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = roomKey(documentName)
	-- KEYS[2] = namesKey(documentName)
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`

	script := redis.NewScript(luaScript)
	_, err := script.Run(ctx, p.rdb, []string{roomKey(documentName), namesKey(documentName)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询仍在线的 sessionId
	alive, err := p.rdb.ZRangeByScore(ctx, roomKey(documentName), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return alive, nil
}
