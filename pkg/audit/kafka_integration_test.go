//go:build integration

// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"go.uber.org/zap/zaptest"
)

func TestKafkaSink_DeliversToBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := redpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:v24.2.4")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	broker, err := container.KafkaSeedBroker(ctx)
	require.NoError(t, err)

	const topic = "gateway-audit"
	client := &kafka.Client{Addr: kafka.TCP(broker)}
	_, err = client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}},
	})
	require.NoError(t, err)

	sink, err := NewKafkaSink(KafkaSinkConfig{
		Name:    "siem",
		Brokers: []string{broker},
		Topic:   topic,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	first := NewSystemRecord("node-a", LevelInfo, "audit-properties", "SinkEnabled", "enabled")
	second := NewSystemRecord("node-a", LevelInfo, "audit-properties", "FallbackEnabled", "enabled")

	writeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.Eventually(t, func() bool {
		// the topic may take a moment to get a leader
		return sink.Write(writeCtx, first) == nil
	}, 30*time.Second, 500*time.Millisecond)
	require.NoError(t, sink.WriteBatch(writeCtx, []*Record{second}))

	reader := kafka.NewReader(kafka.ReaderConfig{Brokers: []string{broker}, Topic: topic, Partition: 0})
	t.Cleanup(func() { _ = reader.Close() })

	readCtx, cancelRead := context.WithTimeout(ctx, 30*time.Second)
	defer cancelRead()
	var ids []string
	for len(ids) == 0 || ids[len(ids)-1] != second.ID {
		msg, err := reader.ReadMessage(readCtx)
		require.NoError(t, err)
		var rec Record
		require.NoError(t, json.Unmarshal(msg.Value, &rec))
		assert.Equal(t, string(msg.Key), rec.ID)
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, first.ID, ids[0])
}
