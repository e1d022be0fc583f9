//go:build ignore

package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-shardsync/internal/pgroup"
)

// Sanity check for a running coordinator: join as the given rank, pass a
// barrier and round-trip a broadcast from rank 0.
//
//	go run scripts/verify_rendezvous.go <addr> <rank> <size>
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr, rank, size := "localhost:9400", 0, 1
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}
	if len(os.Args) > 3 {
		rank, _ = strconv.Atoi(os.Args[2])
		size, _ = strconv.Atoi(os.Args[3])
	}

	log.Info().Str("addr", addr).Int("rank", rank).Int("size", size).Msg("Joining coordinator")

	var g *pgroup.FlightGroup
	var err error
	for i := 0; i < 10; i++ {
		g, err = pgroup.Join(addr, rank, size)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Join failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to join after retries")
	}
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := g.Barrier(ctx); err != nil {
		log.Fatal().Err(err).Msg("Barrier failed")
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("Barrier passed")

	var in []float32
	if rank == 0 {
		in = []float32{1, 2, 3, 4}
	}
	out, err := g.Broadcast(ctx, 0, in)
	if err != nil {
		log.Fatal().Err(err).Msg("Broadcast failed")
	}
	if len(out) != 4 || out[0] != 1 || out[3] != 4 {
		log.Fatal().Floats32("got", out).Msg("Broadcast returned wrong payload")
	}
	log.Info().Msg("Broadcast verified")
}
