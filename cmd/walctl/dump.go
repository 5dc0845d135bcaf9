package main

import (
	"fmt"
	"io"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/cobra"

	"github.com/mit-pdos/go-wal/chkpt"
	"github.com/mit-pdos/go-wal/logmgr"
	"github.com/mit-pdos/go-wal/lsn"
	"github.com/mit-pdos/go-wal/record"
)

func dumpCmd() *cobra.Command {
	var (
		from    string
		limit   int
		fromChk bool
	)
	c := &cobra.Command{
		Use:   "dump",
		Short: "Print the durable log records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := openLog()
			if err != nil {
				return err
			}
			defer h.Close()
			start := lsn.Null
			if fromChk {
				start = h.Master().MasterLSN
			} else if from != "" {
				if start, err = lsn.Parse(from); err != nil {
					return err
				}
			}
			return dump(cmd.OutOrStdout(), h, start, limit)
		},
	}
	c.Flags().StringVar(&from, "from", "", "first LSN, as file.offset")
	c.Flags().BoolVar(&fromChk, "from-checkpoint", false, "start at the last complete checkpoint")
	c.Flags().IntVarP(&limit, "limit", "n", 0, "stop after this many records")
	return c
}

var errLimit = fmt.Errorf("limit reached")

func dump(out io.Writer, h *logmgr.Handle, from lsn.LSN, limit int) error {
	n := 0
	var bytes uint64
	err := h.Scan(from, func(r *record.Record) error {
		if limit > 0 && n >= limit {
			return errLimit
		}
		n++
		bytes += r.Len()
		fmt.Fprintln(out, r)
		if d := chkpt.Describe(r); d != "" {
			fmt.Fprintf(out, "    %s\n", d)
		}
		return nil
	})
	if err != nil && err != errLimit {
		return err
	}
	fmt.Fprintf(out, "%d records, %s\n", n, bytefmt.ByteSize(bytes))
	return nil
}
