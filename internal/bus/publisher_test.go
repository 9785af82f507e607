package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	rediscommon "iot-telemetry/common/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamPublisher_Publish(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	require.NoError(t, rediscommon.CreateConsumerGroup(ctx, client, "device.data.processed", "g"))

	p := NewStreamPublisher(client, 100)
	require.NoError(t, p.Publish(ctx, "device.data.processed", "dev-7", map[string]int{"n": 1}))

	msgs, err := rediscommon.ReadFromStreams(ctx, client, []string{"device.data.processed"}, "g", "c", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "dev-7", msgs[0].Key())
}

func TestStreamPublisher_ClosedClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, client.Close())

	p := NewStreamPublisher(client, 0)
	err := p.Publish(context.Background(), "device.alerts", "d", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device.alerts")
}

func TestMemoryPublisher(t *testing.T) {
	p := &MemoryPublisher{}
	require.NoError(t, p.Publish(context.Background(), "a", "k1", 1))
	require.NoError(t, p.Publish(context.Background(), "b", "k2", 2))

	assert.Len(t, p.Messages(), 2)
	assert.Equal(t, []Recorded{{Channel: "a", Key: "k1", Value: 1}}, p.On("a"))

	p.Err = errors.New("down")
	assert.Error(t, p.Publish(context.Background(), "a", "k", 3))
}
