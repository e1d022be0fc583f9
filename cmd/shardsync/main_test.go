package main

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/23skdu/longbow-shardsync/internal/collective"
	"github.com/23skdu/longbow-shardsync/internal/comm"
	"github.com/23skdu/longbow-shardsync/internal/device"
	"github.com/23skdu/longbow-shardsync/internal/pgroup"
	"github.com/23skdu/longbow-shardsync/internal/train"
)

func TestTrainStepAndCheckpointEmitSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	backend := device.NewCPUBackend()
	replicas := []device.Replica{device.NewReplica(backend, 8)}
	c, err := comm.New(replicas, collective.NewLoopback(1), pgroup.Single{})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	g, err := train.New(c, replicas, train.Config{Optimizer: "sgd", LearningRate: 0.1})
	require.NoError(t, err)
	t.Cleanup(g.Close)

	rngs := []*rand.Rand{rand.New(rand.NewSource(1))}
	grads := make([]float32, 8)
	trainStep(context.Background(), 0, g, replicas, rngs, grads)
	require.NoError(t, saveCheckpoint(context.Background(), g, filepath.Join(t.TempDir(), "model.bin")))

	names := make([]string, 0, 2)
	for _, s := range exporter.GetSpans() {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "train_step")
	assert.Contains(t, names, "save_checkpoint")
	assert.Equal(t, uint64(1), g.Steps())
}
