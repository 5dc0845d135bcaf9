package main

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/mit-pdos/go-wal/logmgr"
	"github.com/mit-pdos/go-wal/lsn"
	"github.com/mit-pdos/go-wal/record"
	"github.com/mit-pdos/go-wal/util"
)

type benchOpts struct {
	threads    int
	records    int
	size       string
	flushEvery int
}

func benchCmd() *cobra.Command {
	var o benchOpts
	c := &cobra.Command{
		Use:   "bench",
		Short: "Insert records from concurrent producers and report throughput",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.MetricsAddr != "" {
				srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						util.Logger().Error("metrics server", zap.Error(err))
					}
				}()
				defer srv.Close()
			}
			h, err := logmgr.Open(cfg)
			if err != nil {
				return err
			}
			res, err := bench(h, o)
			if cerr := h.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res)
			return nil
		},
	}
	c.Flags().IntVarP(&o.threads, "threads", "t", 4, "concurrent producers")
	c.Flags().IntVarP(&o.records, "records", "n", 100000, "records per producer")
	c.Flags().StringVarP(&o.size, "size", "s", "128B", "record payload size")
	c.Flags().IntVar(&o.flushEvery, "flush-every", 0, "flush after this many inserts per producer, 0 never")
	return c
}

type benchResult struct {
	records int64
	bytes   int64
	elapsed time.Duration
	end     lsn.LSN
}

func (r benchResult) String() string {
	secs := r.elapsed.Seconds()
	return fmt.Sprintf("%d records, %s in %v: %.0f records/s, %s/s, durable to %v",
		r.records, bytefmt.ByteSize(uint64(r.bytes)), r.elapsed.Round(time.Millisecond),
		float64(r.records)/secs, bytefmt.ByteSize(uint64(float64(r.bytes)/secs)), r.end)
}

func bench(h *logmgr.Handle, o benchOpts) (benchResult, error) {
	sz, err := bytefmt.ToBytes(o.size)
	if err != nil {
		return benchResult{}, fmt.Errorf("size %q: %w", o.size, err)
	}
	if sz+record.HeaderSize > record.MaxSize {
		return benchResult{}, fmt.Errorf("size %s exceeds the largest record", o.size)
	}
	payload := make([]byte, sz)

	records := atomic.NewInt64(0)
	bytes := atomic.NewInt64(0)
	errs := make(chan error, o.threads)
	var wg sync.WaitGroup
	start := time.Now()
	for t := 0; t < o.threads; t++ {
		wg.Add(1)
		go func(tid uint64) {
			defer wg.Done()
			prev := lsn.Null
			for i := 1; i <= o.records; i++ {
				r := record.New(record.TypeComment, 0, tid, prev, payload)
				at, err := h.Insert(r)
				if err != nil {
					errs <- err
					return
				}
				prev = at
				records.Inc()
				bytes.Add(int64(r.Len()))
				if o.flushEvery > 0 && i%o.flushEvery == 0 {
					if err := h.Flush(at); err != nil {
						errs <- err
						return
					}
				}
			}
		}(uint64(t + 1))
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return benchResult{}, err
	}
	if err := h.FlushAll(); err != nil {
		return benchResult{}, err
	}
	return benchResult{
		records: records.Load(),
		bytes:   bytes.Load(),
		elapsed: time.Since(start),
		end:     h.DurableLSN(),
	}, nil
}
