package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaDispatcher_RetriesThenSucceeds(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt PatchAppliedEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		assert.Equal(t, "w1", evt.WorkspaceID)
		assert.Equal(t, int64(7), evt.Version)
		return nil
	})

	d := NewKafkaDispatcher(sp, "workspace-patches", NewSemaphoreControl(2), KafkaDispatcherOptions{
		QueueSize: 4, Workers: 1, MaxRetry: 2, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond,
	})
	require.NoError(t, d.Enqueue(context.Background(), PatchAppliedEvent{EventType: EventPatchApplied, WorkspaceID: "w1", Version: 7}))
	d.Close()
	require.NoError(t, sp.Close())
}

func TestKafkaDispatcher_DropsAfterMaxRetry(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	d := NewKafkaDispatcher(sp, "workspace-patches", nil, KafkaDispatcherOptions{
		QueueSize: 1, Workers: 1, MaxRetry: 1, BaseBackoff: time.Millisecond,
	})
	require.NoError(t, d.Enqueue(context.Background(), PatchAppliedEvent{WorkspaceID: "w1"}))
	d.Close()
	require.NoError(t, sp.Close())
}

func TestKafkaDispatcher_EnqueueRespectsContext(t *testing.T) {
	// 没有 worker 消费的满队列
	d := &KafkaDispatcher{queue: make(chan PatchAppliedEvent, 1)}
	require.NoError(t, d.Enqueue(context.Background(), PatchAppliedEvent{}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Enqueue(ctx, PatchAppliedEvent{}), context.DeadlineExceeded)
}

func TestKafkaDispatcher_EnqueueAfterClose(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, KafkaDispatcherOptions{QueueSize: 1})
	d.Close()
	// 关闭后提交不能 panic
	assert.NotPanics(t, func() {
		err := d.Enqueue(context.Background(), PatchAppliedEvent{WorkspaceID: "w1"})
		assert.ErrorIs(t, err, ErrDispatcherClosed)
	})
	d.Close()
}

func TestSemaphoreControl(t *testing.T) {
	s := NewSemaphoreControl(1)
	require.NoError(t, s.Acquire(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Acquire(ctx))
	require.NoError(t, s.Release())
	assert.Error(t, s.Release())
}
