package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"handelsregister/internal/scrapers/handelsregister"

	"github.com/jedib0t/go-pretty/v6/table"
)

func printResults(w io.Writer, results []*handelsregister.SearchResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"#", "Name", "Court", "City", "Status", "Documents"})
	for _, r := range results {
		var docs []string
		for _, d := range r.Documents() {
			docs = append(docs, fmt.Sprintf("%s (%d bytes)", d.Filename, d.Size()))
		}
		t.AppendRow(table.Row{r.RowIndex, r.Name, r.Court, r.City, r.Status, strings.Join(docs, "\n")})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()

	for _, r := range results {
		if len(r.History) == 0 {
			continue
		}
		h := table.NewWriter()
		h.SetOutputMirror(w)
		h.SetTitle(fmt.Sprintf("History of %s", r.Name))
		h.AppendHeader(table.Row{"Name", "Location"})
		for _, entry := range r.History {
			h.AppendRow(table.Row{entry.Name, entry.Location})
		}
		h.SetStyle(table.StyleRounded)
		h.Render()
	}
}

var unsafeFilenameRegex = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]+`)

func safeFilename(name string) string {
	name = unsafeFilenameRegex.ReplaceAllString(name, "_")
	name = strings.Trim(strings.TrimSpace(name), ".")
	if name == "" {
		return "unnamed"
	}
	return name
}

// saveDocuments writes every document to <dir>/<company>/<filename>,
// numbering files whose names collide.
func saveDocuments(dir string, results []*handelsregister.SearchResult) (int, error) {
	written := 0
	for _, r := range results {
		docs := r.Documents()
		if len(docs) == 0 {
			continue
		}
		companyDir := filepath.Join(dir, safeFilename(fmt.Sprintf("%d %s", r.RowIndex, r.Name)))
		err := os.MkdirAll(companyDir, 0755)
		if err != nil {
			return written, err
		}

		used := map[string]int{}
		for _, d := range docs {
			name := safeFilename(d.Filename)
			used[name]++
			if n := used[name]; n > 1 {
				ext := filepath.Ext(name)
				name = fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n, ext)
			}
			err = os.WriteFile(filepath.Join(companyDir, name), d.Content, 0644)
			if err != nil {
				return written, err
			}
			written++
		}
	}
	return written, nil
}
