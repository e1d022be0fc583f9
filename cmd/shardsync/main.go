package main

import (
	"context"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-shardsync/internal/collective"
	"github.com/23skdu/longbow-shardsync/internal/comm"
	"github.com/23skdu/longbow-shardsync/internal/device"
	"github.com/23skdu/longbow-shardsync/internal/pgroup"
	"github.com/23skdu/longbow-shardsync/internal/train"
)

var (
	coordinatorAddr = flag.String("coordinator", "", "Run the rendezvous coordinator on this address (e.g. :9400) and block")
	joinAddr        = flag.String("join", "", "Coordinator address to join for multi-process runs")
	rank            = flag.Int("rank", 0, "Process rank within the job")
	procs           = flag.Int("procs", 1, "Number of processes in the job")
	devices         = flag.Int("devices", 1, "Number of local device replicas")
	dataSize        = flag.Int("size", 1<<20, "Number of model parameters")
	optimizerKind   = flag.String("optimizer", "adam", "Optimizer (sgd, adagrad, adam)")
	learningRate    = flag.Float64("lr", 0.001, "Learning rate")
	smoothingDecay  = flag.Float64("smoothing", 0, "EMA decay for smoothed parameters (0 disables)")
	gradClipNorm    = flag.Float64("clip-norm", 0, "Gradient clipping threshold on the global L2 norm (0 disables)")
	steps           = flag.Int("steps", 100, "Number of synthetic training steps")
	checkpointPath  = flag.String("checkpoint", "", "Checkpoint path (empty disables checkpointing)")
	checkpointEvery = flag.Int("checkpoint-every", 50, "Steps between checkpoints")
	listenAddr      = flag.String("listen", "", "Address for the metrics/health HTTP server (e.g. :8080)")
	cpuProfile      = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel      = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	seed            = flag.Int64("seed", 42, "Seed for the synthetic gradient stream")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if *coordinatorAddr != "" {
		runCoordinator(*coordinatorAddr, *procs)
		return
	}

	if *listenAddr != "" {
		go serveMetrics(*listenAddr)
	}

	group := joinGroup()
	defer group.Close()

	backend := device.NewCPUBackend()
	replicas := make([]device.Replica, *devices)
	for i := range replicas {
		replicas[i] = device.NewReplica(backend, *dataSize)
	}

	var channel collective.Channel = collective.NewLoopback(*devices)
	if group.Size() > 1 {
		channel = collective.NewDistributed(context.Background(), group, *devices)
	}
	c, err := comm.New(replicas, channel, group)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build communicator")
	}
	defer c.Close()

	g, err := train.New(c, replicas, train.Config{
		Optimizer:      *optimizerKind,
		LearningRate:   float32(*learningRate),
		SmoothingDecay: float32(*smoothingDecay),
		GradClipNorm:   float32(*gradClipNorm),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build sync group")
	}
	defer g.Close()

	if *checkpointPath != "" {
		if err := g.LoadCheckpoint(*checkpointPath); err != nil {
			log.Fatal().Err(err).Msg("Failed to load checkpoint")
		}
	}

	if err := runTraining(c, g, replicas); err != nil {
		log.Fatal().Err(err).Msg("Training failed")
	}
}

// runTraining drives the synthetic gradient loop. Every process feeds the
// same deterministic stream, so the cluster-wide parameter trajectory is
// reproducible for a given seed.
func runTraining(c *comm.Communicator, g *train.SyncGroup, replicas []device.Replica) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Barrier(ctx); err != nil {
		return err
	}

	rngs := make([]*rand.Rand, len(replicas))
	for i := range rngs {
		globalRank := c.Rank(i)
		rngs[i] = rand.New(rand.NewSource(*seed + int64(globalRank)))
	}
	grads := make([]float32, *dataSize)

	start := time.Now()
	for step := 0; step < *steps; step++ {
		if ctx.Err() != nil {
			log.Warn().Int("step", step).Msg("Interrupted, stopping after last complete step")
			break
		}

		trainStep(ctx, step, g, replicas, rngs, grads)

		if (step+1)%10 == 0 {
			elapsed := time.Since(start)
			log.Info().
				Int("step", step+1).
				Str("elapsed", elapsed.Round(time.Second).String()).
				Float64("steps_per_sec", float64(step+1)/elapsed.Seconds()).
				Msg("Training progress")
		}
		if *checkpointPath != "" && (step+1)%*checkpointEvery == 0 {
			if err := saveCheckpoint(ctx, g, *checkpointPath); err != nil {
				return err
			}
		}
	}

	if *checkpointPath != "" {
		if err := saveCheckpoint(ctx, g, *checkpointPath); err != nil {
			return err
		}
	}
	if err := c.Barrier(ctx); err != nil {
		return err
	}

	log.Info().
		Uint64("steps", g.Steps()).
		Dur("total_time", time.Since(start)).
		Msg("Training complete")
	return nil
}

var tracer = otel.Tracer("shardsync")

// trainStep fills every replica's gradient buffer from its rank's stream
// and runs one synchronization cycle under a span.
func trainStep(ctx context.Context, step int, g *train.SyncGroup, replicas []device.Replica, rngs []*rand.Rand, grads []float32) {
	_, span := tracer.Start(ctx, "train_step", trace.WithAttributes(attribute.Int("step", step)))
	defer span.End()

	for i, r := range replicas {
		for j := range grads {
			grads[j] = float32(rngs[i].NormFloat64()) * 0.01
		}
		r.Grads().CopyFromHost(grads)
	}
	g.Step()
}

func saveCheckpoint(ctx context.Context, g *train.SyncGroup, path string) error {
	ctx, span := tracer.Start(ctx, "save_checkpoint")
	defer span.End()
	return g.SaveCheckpoint(ctx, path)
}

// runCoordinator hosts the rendezvous service for a multi-process job and
// blocks until terminated.
func runCoordinator(addr string, size int) {
	srv, err := pgroup.StartCoordinator(addr, size)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start coordinator")
	}
	log.Info().Str("addr", srv.Addr()).Int("size", size).Msg("Coordinator ready")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	srv.Shutdown()
}

func joinGroup() pgroup.Group {
	if *joinAddr == "" {
		if *procs != 1 {
			log.Fatal().Int("procs", *procs).Msg("Multi-process jobs need -join with a coordinator address")
		}
		return pgroup.Single{}
	}
	g, err := pgroup.Join(*joinAddr, *rank, *procs)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *joinAddr).Msg("Failed to join process group")
	}
	log.Info().Str("addr", *joinAddr).Int("rank", *rank).Int("procs", *procs).Msg("Joined process group")
	return g
}

func serveMetrics(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	log.Info().Str("addr", addr).Msg("Starting metrics server")
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Metrics server failed")
	}
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("shardsync"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
