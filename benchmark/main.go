// Package main provides a benchmark tool for Zaku to measure ADD/TAKE
// throughput against a running zaku-server over the websocket client API.
//
// Usage:
//
//	go run ./benchmark -addr ws://127.0.0.1:9000/ -tasks 100000
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geyang/zaku/pkg/client"
	"github.com/geyang/zaku/pkg/codec"
)

func main() {
	addr := flag.String("addr", "ws://127.0.0.1:9000/", "zaku-server websocket address")
	numTasks := flag.Int("tasks", 100000, "number of tasks to add")
	numWorkers := flag.Int("workers", 10, "number of concurrent adders")
	flag.Parse()

	ctx := context.Background()

	fmt.Printf("Zaku Benchmark\n")
	fmt.Printf("==============\n")
	fmt.Printf("Tasks to add: %d\n", *numTasks)
	fmt.Printf("Concurrent adders: %d\n\n", *numWorkers)

	fmt.Printf("Starting add phase...\n")
	startAdd := time.Now()

	var wg sync.WaitGroup
	var added atomic.Int64
	tasksPerWorker := *numTasks / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			c, err := client.Dial(ctx, *addr, "", "")
			if err != nil {
				fmt.Printf("Error dialing: %v\n", err)
				return
			}
			defer c.Close()

			for j := 0; j < tasksPerWorker; j++ {
				payload := codec.NewMap()
				payload.Set("worker", codec.Int(int64(workerID)))
				payload.Set("task", codec.Int(int64(j)))
				if _, err := c.Add(ctx, "benchmark", codec.MapValue(payload), "", 0); err != nil {
					fmt.Printf("Error adding: %v\n", err)
					return
				}
				added.Add(1)
			}
		}(i)
	}

	wg.Wait()
	addTime := time.Since(startAdd)

	fmt.Printf("Added %d tasks in %s\n", added.Load(), addTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(added.Load())/addTime.Seconds())

	fmt.Printf("Starting drain phase...\n")
	startDrain := time.Now()

	c, err := client.Dial(ctx, *addr, "", "")
	if err != nil {
		fmt.Printf("Error dialing: %v\n", err)
		return
	}
	defer c.Close()

	var drained int64
	for {
		pending, claimed, err := c.Depths(ctx, "benchmark")
		if err != nil {
			fmt.Printf("Error checking depths: %v\n", err)
			return
		}
		if pending == 0 && claimed == 0 {
			break
		}
		id, _, ok, err := c.Take(ctx, "benchmark", time.Minute)
		if err != nil {
			fmt.Printf("Error taking: %v\n", err)
			return
		}
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if err := c.MarkDone(ctx, "benchmark", id); err != nil {
			fmt.Printf("Error marking done: %v\n", err)
			return
		}
		drained++
	}

	drainTime := time.Since(startDrain)
	fmt.Printf("Drained %d tasks in %s\n", drained, drainTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(drained)/drainTime.Seconds())

	total := addTime + drainTime
	fmt.Printf("\nTotal time: %s\n", total)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(*numTasks)/total.Seconds())
}
