package main

import (
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	memory "github.com/SixLabors/ImageSharp-sub032"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	stressWorkers     int
	stressDuration    time.Duration
	stressMaxBytes    int
	stressHold        int
	stressLeakEvery   int
	stressTrackSites  bool
	stressPoolBlock   int
	stressPoolCap     int64
	stressTrimPeriod  time.Duration
	stressReleaseIdle bool
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVarP(&stressWorkers, "workers", "w", runtime.GOMAXPROCS(0), "Number of allocating goroutines")
	cmd.Flags().DurationVarP(&stressDuration, "duration", "d", 5*time.Second, "How long to run")
	cmd.Flags().IntVar(&stressMaxBytes, "max-bytes", 16*memory.MiB, "Largest request in bytes")
	cmd.Flags().IntVar(&stressHold, "hold", 4, "Buffers each worker keeps alive at a time")
	cmd.Flags().IntVar(&stressLeakEvery, "leak-every", 0, "Drop every n-th buffer without closing it (0 disables)")
	cmd.Flags().BoolVar(&stressTrackSites, "track-sites", false, "Record live allocations by call site")
	cmd.Flags().IntVar(&stressPoolBlock, "pool-block", 0, "Pool block size in bytes (default from config)")
	cmd.Flags().Int64Var(&stressPoolCap, "pool-capacity", 0, "Pool capacity in bytes (default from config)")
	cmd.Flags().DurationVar(&stressTrimPeriod, "trim-period", 0, "Pool trim period (default from config)")
	cmd.Flags().BoolVar(&stressReleaseIdle, "release", false, "Release retained pool memory before printing stats")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run a synthetic allocation workload",
		Long: `The stress command allocates buffers and buffer groups of random size
from several goroutines, holding a few of them alive at a time, and prints the
allocator statistics when done.

Example:
  pixmemctl stress
  pixmemctl stress --workers 8 --duration 30s --max-bytes 67108864
  pixmemctl stress --leak-every 100 --track-sites --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
}

type stressReport struct {
	Duration    time.Duration
	Allocations int64
	Groups      int64
	Dropped     int64
	Reported    int64
	Stats       memory.Stats
	TopSites    []memory.Site `json:",omitempty"`
}

func runStress() error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg := memory.DefaultConfig()
	if stressPoolBlock > 0 {
		cfg.PoolBlockSizeBytes = stressPoolBlock
		cfg.SharedArrayThresholdBytes = min(cfg.SharedArrayThresholdBytes, stressPoolBlock)
	}
	if stressPoolCap > 0 {
		cfg.PoolCapacityBytes = stressPoolCap
	}
	if stressTrimPeriod > 0 {
		cfg.TrimPeriod = stressTrimPeriod
	}
	cfg.TrackAllocationSites = stressTrackSites
	if stressMaxBytes <= 0 || stressWorkers <= 0 || stressHold < 0 {
		return fmt.Errorf("workers, max-bytes must be positive and hold must not be negative")
	}

	a, err := memory.New(cfg, memory.WithLogger(logger))
	if err != nil {
		return err
	}
	defer a.Close()

	var report stressReport
	reported, unsubscribe := subscribeLeaks(logger)
	defer unsubscribe()

	start := time.Now()
	deadline := start.Add(stressDuration)
	held := make([][]func(), stressWorkers)
	var wg sync.WaitGroup
	for w := range stressWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			held[w] = stressWorker(a, &report, w, deadline)
		}()
	}
	wg.Wait()
	report.Duration = time.Since(start)

	if stressTrackSites {
		sites := memory.LiveSites()
		report.TopSites = sites[:min(len(sites), 5)]
	}
	for _, closers := range held {
		for _, c := range closers {
			c()
		}
	}
	if stressLeakEvery > 0 {
		// Give dropped buffers a chance to be collected and reported.
		for range 3 {
			runtime.GC()
			time.Sleep(10 * time.Millisecond)
		}
	}
	unsubscribe()
	report.Reported = reported()
	if stressReleaseIdle {
		a.ReleaseRetainedResources()
	}
	report.Stats = a.Stats()
	return printStressReport(&report)
}

// subscribeLeaks counts undisposed buffer reports. A report that is already
// being delivered may still be counted after unsubscribe returns.
func subscribeLeaks(logger *zap.Logger) (reported func() int64, unsubscribe func()) {
	var n atomic.Int64
	unsubscribe = memory.SubscribeUndisposed(func(stack string) {
		n.Add(1)
		logger.Debug("undisposed buffer", zap.String("stack", stack))
	})
	return n.Load, unsubscribe
}

// stressWorker allocates until deadline and returns the close functions of
// the buffers it still holds.
func stressWorker(a *memory.Allocator, report *stressReport, id int, deadline time.Time) []func() {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	var held []func()
	for n := 1; time.Now().Before(deadline); n++ {
		size := 1 + rng.Intn(stressMaxBytes)
		var (
			closer func()
			err    error
		)
		if rng.Intn(2) == 0 {
			var buf *memory.OwnedBuffer[byte]
			buf, err = memory.Allocate[byte](a, size, memory.None)
			if err == nil {
				buf.Span()[size-1] = byte(n)
				closer = buf.Close
				atomic.AddInt64(&report.Allocations, 1)
			}
		} else {
			var g *memory.Group[uint32]
			g, err = memory.AllocateGroup[uint32](a, max(size/4, 1), 0, memory.Clean)
			if err == nil {
				*g.Index(g.TotalLength() - 1) = uint32(n)
				closer = g.Close
				atomic.AddInt64(&report.Groups, 1)
			}
		}
		if err != nil {
			fmt.Printf("worker %d: allocation of %d bytes failed: %v\n", id, size, err)
			continue
		}

		if stressLeakEvery > 0 && n%stressLeakEvery == 0 {
			atomic.AddInt64(&report.Dropped, 1)
			continue
		}
		held = append(held, closer)
		if len(held) > stressHold {
			held[0]()
			held = held[1:]
		}
	}
	return held
}

func printStressReport(r *stressReport) error {
	if jsonOut {
		return printJSON(r)
	}
	s := r.Stats
	fmt.Printf("Duration:          %s\n", r.Duration.Round(time.Millisecond))
	fmt.Printf("Buffers:           %d\n", r.Allocations)
	fmt.Printf("Groups:            %d\n", r.Groups)
	fmt.Printf("Dropped:           %d (reported %d)\n", r.Dropped, r.Reported)
	fmt.Printf("Pool:              %d/%d blocks of %s, %d idle\n",
		s.PoolRented, s.PoolCapacity, formatBytes(int64(s.PoolBlockSize)), s.PoolIdle)
	fmt.Printf("Native handles:    %d (%s)\n", s.NativeHandles, formatBytes(s.NativeBytes))
	fmt.Printf("Undisposed:        %d\n", s.Undisposed)
	if len(r.TopSites) > 0 {
		fmt.Println("Top allocation sites:")
		for _, site := range r.TopSites {
			fmt.Printf("  %d live  %016x\n", site.Live, site.Hash)
		}
	}
	return nil
}
