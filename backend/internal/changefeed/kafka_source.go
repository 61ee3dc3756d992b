package changefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/IBM/sarama"

	"syncServer/backend/internal/store"
)

// KafkaSource 从 CDC topic 消费 workspaces 表的变更（MySQL 部署时使用）。
// 消息体支持 Debezium 信封 {before, after, op} 以及简化形式 {workspaceId, op}。
// 行数据只用来取主键，文档内容由 Bridge 回源读取。
// 每个实例都要看到全部变更，所以消费组按实例区分。
type KafkaSource struct {
	brokers []string
	topic   string
	groupID string
	cfg     *sarama.Config

	newGroup func(brokers []string, groupID string, cfg *sarama.Config) (sarama.ConsumerGroup, error)
}

func NewKafkaSource(brokers []string, topic, groupID, instanceID string) *KafkaSource {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = false
	return &KafkaSource{
		brokers:  brokers,
		topic:    topic,
		groupID:  InstanceGroupID(groupID, instanceID),
		cfg:      cfg,
		newGroup: sarama.NewConsumerGroup,
	}
}

// InstanceGroupID 组合出实例独占的消费组名
func InstanceGroupID(groupID, instanceID string) string {
	if instanceID == "" {
		return groupID
	}
	return groupID + "-" + instanceID
}

func (k *KafkaSource) Watch(ctx context.Context, fn func(store.ChangeEvent)) error {
	group, err := k.newGroup(k.brokers, k.groupID, k.cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer group.Close()

	h := &cdcHandler{fn: fn}
	for {
		// rebalance 后 Consume 返回，需要重新进入
		if err := group.Consume(ctx, []string{k.topic}, h); err != nil {
			return fmt.Errorf("consume %s: %w", k.topic, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

type cdcHandler struct {
	fn func(store.ChangeEvent)
}

func (h *cdcHandler) Setup(sarama.ConsumerGroupSession) error {
	h.fn(store.ChangeEvent{Kind: store.ChangeReady})
	return nil
}

func (h *cdcHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *cdcHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			evt, ok, err := ParseCDC(msg.Value)
			if err != nil {
				log.Printf("parse cdc message error (topic=%s offset=%d): %v", msg.Topic, msg.Offset, err)
			} else if ok {
				h.fn(evt)
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

type cdcRow struct {
	ID json.RawMessage `json:"id"`
}

type cdcEnvelope struct {
	Before *cdcRow `json:"before"`
	After  *cdcRow `json:"after"`
	Op     string  `json:"op"`

	WorkspaceID string `json:"workspaceId"`
}

// ParseCDC 解析一条变更消息。墓碑消息（空 value）返回 ok=false。
func ParseCDC(value []byte) (store.ChangeEvent, bool, error) {
	if len(bytes.TrimSpace(value)) == 0 || bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
		return store.ChangeEvent{}, false, nil
	}
	// 带 schema 的 Debezium 消息把信封放在 payload 里
	var wrapped struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(value, &wrapped); err != nil {
		return store.ChangeEvent{}, false, err
	}
	if len(wrapped.Payload) > 0 && !bytes.Equal(wrapped.Payload, []byte("null")) {
		value = wrapped.Payload
	}
	var env cdcEnvelope
	if err := json.Unmarshal(value, &env); err != nil {
		return store.ChangeEvent{}, false, err
	}

	id := env.WorkspaceID
	if id == "" {
		row := env.After
		if row == nil {
			row = env.Before
		}
		if row == nil {
			return store.ChangeEvent{}, false, fmt.Errorf("cdc message carries no row")
		}
		var err error
		if id, err = rowID(row.ID); err != nil {
			return store.ChangeEvent{}, false, err
		}
	}

	switch env.Op {
	case "d", "delete":
		return store.ChangeEvent{WorkspaceID: id, Kind: store.ChangeDeleted}, true, nil
	case "c", "u", "r", "create", "insert", "update", "replace":
		return store.ChangeEvent{WorkspaceID: id, Kind: store.ChangeFull}, true, nil
	}
	return store.ChangeEvent{}, false, fmt.Errorf("unknown cdc op %q", env.Op)
}

func rowID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return n.String(), nil
		}
	}
	return "", fmt.Errorf("cdc row id %s is not a string or integer", string(raw))
}
