package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Adarsh-Kmt/kmem/buffer_cache"
	"github.com/Adarsh-Kmt/kmem/kernel"
	"github.com/Adarsh-Kmt/kmem/page_allocator"
	"golang.org/x/sync/errgroup"
)

func ferr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
}

// This command boots the kernel core and drives a mixed workload against it:
// block workers bump counters through the buffer cache, process workers fork
// address spaces and write to them copy-on-write.
func main() {

	var (
		device     string
		image      string
		blocks     uint
		buffers    int
		shards     int
		blockSize  int
		pages      uint
		throttle   int
		workers    int
		iterations int
		logLevel   string
		jsonLogs   bool
	)

	flag.StringVar(&device, "device", kernel.DEVICE_MEMORY, "boot disk: memory, file or direct")
	flag.StringVar(&image, "image", kernel.DEFAULT_IMAGE_PATH, "disk image for the file and direct devices")
	flag.UintVar(&blocks, "blocks", kernel.DEFAULT_DISK_BLOCKS, "size of the disk in blocks")
	flag.IntVar(&buffers, "buffers", buffer_cache.DEFAULT_BUFFERS, "number of buffers in the cache")
	flag.IntVar(&shards, "shards", buffer_cache.DEFAULT_SHARDS, "number of cache shards")
	flag.IntVar(&blockSize, "blocksize", buffer_cache.DEFAULT_BLOCK_SIZE, "block size in bytes")
	flag.UintVar(&pages, "pages", page_allocator.DEFAULT_PAGES, "number of managed physical pages")
	flag.IntVar(&throttle, "throttle", 0, "disk throughput limit in bytes per second, 0 for none")
	flag.IntVar(&workers, "workers", 4, "workers of each kind")
	flag.IntVar(&iterations, "iterations", 200, "operations per worker")
	flag.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flag.BoolVar(&jsonLogs, "json", false, "log as JSON")

	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		ferr("invalid log level %q: %s\n", logLevel, err)
		flag.PrintDefaults()
		os.Exit(2)
	}

	memory := page_allocator.DefaultConfig()
	memory.PhysTop = memory.KernelEnd + page_allocator.PhysAddr(pages)*page_allocator.DEFAULT_PAGE_SIZE

	k, err := kernel.Boot(
		kernel.WithDevice(device, image),
		kernel.WithDiskBlocks(uint32(blocks)),
		kernel.WithCache(buffer_cache.Config{Buffers: buffers, Shards: shards, BlockSize: blockSize}),
		kernel.WithMemory(memory),
		kernel.WithThrottle(throttle),
		kernel.WithLogLevel(level),
		kernel.WithJSONLogs(jsonLogs),
	)
	if err != nil {
		ferr("boot failed: %s\n", err)
		os.Exit(1)
	}

	start := time.Now()
	err = run(k, workers, iterations, uint32(blocks))
	elapsed := time.Since(start)

	report(k, elapsed)

	if closeErr := k.Close(); closeErr != nil {
		ferr("shutdown failed: %s\n", closeErr)
		os.Exit(1)
	}
	if err != nil {
		ferr("workload failed: %s\n", err)
		os.Exit(1)
	}
}

func run(k *kernel.Kernel, workers int, iterations int, blocks uint32) error {

	var group errgroup.Group

	for w := 0; w < workers; w++ {
		w := w

		group.Go(func() error {
			for i := 0; i < iterations; i++ {
				if err := bumpCounter(k, uint32(w*iterations+i)%blocks); err != nil {
					return err
				}
			}
			return nil
		})

		group.Go(func() error {
			for i := 0; i < iterations; i++ {
				if err := forkAndWrite(k, byte(w)); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return group.Wait()
}

func bumpCounter(k *kernel.Kernel, blockNumber uint32) error {

	guard, err := k.Cache().Read(kernel.ROOT_DEV, blockNumber)
	if err != nil {
		return err
	}
	defer guard.Done()

	counter := binary.LittleEndian.Uint64(guard.Data())
	binary.LittleEndian.PutUint64(guard.Data(), counter+1)

	return k.Cache().Write(guard)
}

func forkAndWrite(k *kernel.Kernel, value byte) error {

	parent := k.Spawn()
	defer k.Exit(parent.Pid())

	if err := parent.Map(0); err != nil {
		return err
	}
	if err := parent.Store(0, []byte{value}); err != nil {
		return err
	}

	child, err := k.Fork(parent.Pid())
	if err != nil {
		return err
	}
	defer k.Exit(child.Pid())

	return child.Store(0, []byte{value + 1})
}

func report(k *kernel.Kernel, elapsed time.Duration) {

	stats := k.Cache().Stats()

	fmt.Printf("elapsed      %s\n", elapsed)
	fmt.Printf("cache        hits %d, misses %d, evictions %d, steals %d\n", stats.Hits, stats.Misses, stats.Evictions, stats.Steals)

	for _, shard := range k.Cache().ShardStats() {
		fmt.Printf("  shard %2d   buffers %2d, hits %d, misses %d\n", shard.Shard, shard.Buffers, shard.Hits, shard.Misses)
	}

	fmt.Printf("memory       %d of %d pages free\n", k.Memory().FreePages(), k.Memory().Pages())
}
