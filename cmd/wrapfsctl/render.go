package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"wrapfs/internal/registry"
)

// renderList writes recs as a STATE / INODE / FILE table sorted by path.
func renderList(w io.Writer, recs []registry.Record) error {
	sorted := make([]registry.Record, len(recs))
	copy(sorted, recs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Path != sorted[j].Path {
			return sorted[i].Path < sorted[j].Path
		}
		return sorted[i].Inode < sorted[j].Inode
	})

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tINODE\tFILE")
	for _, rec := range sorted {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", rec.State(), rec.Inode, rec.Path)
	}
	return tw.Flush()
}
