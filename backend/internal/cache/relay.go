package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	redis "github.com/redis/go-redis/v9"
)

// RelayMessage 一条需要在其他实例的同名房间里重放的广播
type RelayMessage struct {
	Origin      string          `json:"origin"`
	WorkspaceID string          `json:"workspaceId"`
	Room        string          `json:"room"`
	Payload     json.RawMessage `json:"payload"`
}

// Relay 用 redis pub/sub 把房间广播转发到其他实例；
// 发起连接只在本实例，所以远端重放时不需要排除任何连接
type Relay struct {
	rdb        redis.UniversalClient
	instanceID string
	channel    string
}

func NewRelay(rdb redis.UniversalClient, instanceID string) *Relay {
	return &Relay{rdb: rdb, instanceID: instanceID, channel: keyRelayChannel}
}

func (r *Relay) InstanceID() string { return r.instanceID }

func (r *Relay) Publish(ctx context.Context, workspaceID, room string, payload []byte) error {
	b, err := json.Marshal(RelayMessage{
		Origin:      r.instanceID,
		WorkspaceID: workspaceID,
		Room:        room,
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, b).Err()
}

// Subscribe 阻塞直到 ctx 结束；本实例发出的消息被过滤掉
func (r *Relay) Subscribe(ctx context.Context, fn func(RelayMessage)) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("relay channel closed")
			}
			var rm RelayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &rm); err != nil {
				log.Printf("decode relay message error: %v", err)
				continue
			}
			if rm.Origin == r.instanceID {
				continue
			}
			fn(rm)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
