package changefeed

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncServer/backend/internal/store"
)

func TestParseCDC(t *testing.T) {
	cases := []struct {
		name string
		in   string
		id   string
		kind store.ChangeKind
	}{
		{"debezium update", `{"before":{"id":"w1"},"after":{"id":"w1","name":"x"},"op":"u"}`, "w1", store.ChangeFull},
		{"debezium create", `{"before":null,"after":{"id":"w2"},"op":"c"}`, "w2", store.ChangeFull},
		{"debezium delete", `{"before":{"id":"w3"},"after":null,"op":"d"}`, "w3", store.ChangeDeleted},
		{"with schema", `{"schema":{},"payload":{"before":null,"after":{"id":"w4"},"op":"r"}}`, "w4", store.ChangeFull},
		{"numeric id", `{"after":{"id":42},"op":"u"}`, "42", store.ChangeFull},
		{"simple", `{"workspaceId":"w5","op":"delete"}`, "w5", store.ChangeDeleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt, ok, err := ParseCDC([]byte(tc.in))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tc.id, evt.WorkspaceID)
			assert.Equal(t, tc.kind, evt.Kind)
			assert.Nil(t, evt.Document)
		})
	}
}

func TestParseCDC_SkipsAndRejects(t *testing.T) {
	_, ok, err := ParseCDC(nil)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = ParseCDC([]byte("null"))
	assert.NoError(t, err)
	assert.False(t, ok)

	for _, bad := range []string{
		`not json`,
		`{"op":"u"}`,
		`{"after":{"id":"w1"},"op":"truncate"}`,
		`{"after":{"id":{"x":1}},"op":"u"}`,
	} {
		_, _, err := ParseCDC([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestKafkaSource_GroupPerInstance(t *testing.T) {
	var groups []string
	newSource := func(instanceID string) *KafkaSource {
		src := NewKafkaSource([]string{"127.0.0.1:9092"}, "workspace-cdc", "sync-server", instanceID)
		src.newGroup = func(_ []string, groupID string, _ *sarama.Config) (sarama.ConsumerGroup, error) {
			groups = append(groups, groupID)
			return nil, errors.New("offline")
		}
		return src
	}

	for _, id := range []string{"a", "b"} {
		err := newSource(id).Watch(context.Background(), func(store.ChangeEvent) {})
		assert.ErrorContains(t, err, "offline")
	}
	require.Len(t, groups, 2)
	assert.Equal(t, "sync-server-a", groups[0])
	assert.Equal(t, "sync-server-b", groups[1])
	assert.NotEqual(t, groups[0], groups[1])

	assert.Equal(t, "sync-server", InstanceGroupID("sync-server", ""))
}
