// Command zaku-worker-example is a demo worker against a running
// zaku-server: it pops jobs from a plain work queue with the scoped-claim
// pattern (pkg/client.Pop) and, in a second goroutine, answers
// RPC-over-queue calls on a separate queue via pkg/client.Serve. Graceful
// shutdown on SIGINT/SIGTERM, per-task-type dispatch, structured logging
// throughout.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/geyang/zaku/pkg/client"
	"github.com/geyang/zaku/pkg/codec"
	"github.com/geyang/zaku/pkg/logger"
)

func main() {
	addr := flag.String("addr", "ws://127.0.0.1:9000/", "zaku-server websocket address")
	user := flag.String("user", "", "AUTH username, if the server requires one")
	key := flag.String("key", "", "AUTH key, if the server requires one")
	verbose := flag.Bool("verbose", false, "enable debug-level logging")
	flag.Parse()

	log := logger.New(*verbose, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobsClient, err := client.Dial(ctx, *addr, *user, *key)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("zaku-worker-example: dial failed")
	}
	defer jobsClient.Close()

	rpcClient, err := client.Dial(ctx, *addr, *user, *key)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("zaku-worker-example: rpc dial failed")
	}
	defer rpcClient.Close()

	go runJobLoop(ctx, log, jobsClient)
	go runRPCServer(ctx, log, rpcClient)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("zaku-worker-example: shutting down")
	cancel()
}

// runJobLoop pops tasks from "jobs" and processes them under the
// scoped-claim pattern: a handler error resets the task to pending, a
// panic is recovered, reset, and re-raised by Pop itself.
func runJobLoop(ctx context.Context, log zerolog.Logger, c *client.Client) {
	for {
		if ctx.Err() != nil {
			return
		}
		handled, err := c.Pop(ctx, "jobs", 30*time.Second, func(ctx context.Context, job *client.Job) error {
			log.Info().Str("task_id", job.ID).Msg("zaku-worker-example: processing job")
			return processJob(job.Payload)
		})
		if err != nil {
			log.Error().Err(err).Msg("zaku-worker-example: job failed")
			continue
		}
		if !handled {
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
	}
}

func processJob(payload *codec.Value) error {
	if m, ok := payload.AsMap(); ok {
		if kind, ok := m.Get("kind"); ok {
			if s, _ := kind.AsString(); s == "slow" {
				time.Sleep(200 * time.Millisecond)
			}
		}
	}
	return nil
}

// runRPCServer answers calls placed on "compute" via Client.Call, doubling
// whatever integer arrives under the "x" field — a minimal stand-in for a
// real ML-inference handler.
func runRPCServer(ctx context.Context, log zerolog.Logger, c *client.Client) {
	err := c.Serve(ctx, "compute", 30*time.Second, 200*time.Millisecond, func(ctx context.Context, payload *codec.Value) (*codec.Value, error) {
		m, ok := payload.AsMap()
		if !ok {
			return codec.Null(), nil
		}
		x, ok := m.Get("x")
		if !ok {
			return codec.Null(), nil
		}
		xi, _ := x.AsInt()

		result := codec.NewMap()
		result.Set("result", codec.Int(xi*2))
		return codec.MapValue(result), nil
	})
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("zaku-worker-example: rpc server stopped")
	}
}
