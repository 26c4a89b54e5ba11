package handelsregister

import (
	"bytes"
	"fmt"
	"strconv"

	"handelsregister/internal/components/telemetry"
	"handelsregister/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

const (
	report_results_parse_markup = "results.parse-markup"
	report_results_no_grid      = "results.no-grid"
	report_results_skip_row     = "results.skip-row"
	report_results_rows         = "results.rows"
)

// the grid has no semantic labels, cell position is the contract
const (
	cellCourt  = 1
	cellName   = 2
	cellCity   = 3
	cellStatus = 4

	minRowCells = cellStatus

	// history cells are (name, <unused>, location)
	historyOffset = 8
	historyStride = 3
)

// ParseResults extracts one SearchResult per row of the result grid, in row
// order. A page without a grid has no results.
func ParseResults(markup []byte, tel telemetry.API) ([]*SearchResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(markup))
	if err != nil {
		tel.ReportBroken(report_results_parse_markup, err)
		return nil, err
	}

	grid := doc.Find("table[role=grid]").First()
	if grid.Length() == 0 {
		tel.ReportDebug(report_results_no_grid)
		return nil, nil
	}

	var results []*SearchResult
	grid.Find("tr[data-ri]").Each(func(_ int, row *goquery.Selection) {
		result, err := parseRow(row)
		if err != nil {
			tel.ReportWarning(report_results_skip_row, err)
			return
		}
		results = append(results, result)
	})
	tel.ReportCount(report_results_rows, int64(len(results)))

	return results, nil
}

func parseRow(row *goquery.Selection) (*SearchResult, error) {
	rawIndex := row.AttrOr("data-ri", "")
	index, err := strconv.Atoi(rawIndex)
	if err != nil {
		return nil, shapeError("row", "invalid row index %q", rawIndex)
	}

	var cells []string
	row.Find("td").Each(func(_ int, td *goquery.Selection) {
		cells = append(cells, htmlutil.SelectionText(td))
	})
	// cell 0 is the leading expander cell
	if len(cells) < minRowCells {
		return nil, shapeError(
			fmt.Sprintf("row %d", index),
			"expected at least %d cells, got %d",
			minRowCells, len(cells),
		)
	}

	result := &SearchResult{
		RowIndex: index,
		Court:    cells[cellCourt],
		Name:     cells[cellName],
		City:     cells[cellCity],
	}
	if len(cells) > cellStatus {
		result.Status = cells[cellStatus]
	}
	for i := historyOffset; i+historyStride <= len(cells); i += historyStride {
		result.History = append(result.History, HistoryEntry{
			Name:     cells[i],
			Location: cells[i+2],
		})
	}
	return result, nil
}
