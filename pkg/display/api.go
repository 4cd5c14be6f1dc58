// Package display renders download state for a terminal: progress lines
// for running downloads and tables for listings.
package display

import (
	"fetchkit/pkg/common"
	"fetchkit/pkg/events"
)

// Table is a header plus rows of cells. Cells may carry ANSI styling.
type Table struct {
	Header []string
	Rows   [][]string
}

// Display is an events.Sink that also prints arbitrary output.
type Display interface {
	events.Sink
	// Print writes msg as is.
	Print(msg string)
	// RenderTable prints t with aligned columns.
	RenderTable(t *Table)
	// RenderRecords prints a table of downloads.
	RenderRecords(recs []*common.DownloadRecord)
}
