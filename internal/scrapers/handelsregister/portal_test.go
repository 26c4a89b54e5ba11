package handelsregister

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakePortal speaks the subset of the register portal's protocol the client
// relies on: a start page, the advanced search form, a result grid with
// per-row command links and a lazily expanded documents tree.

const (
	fakeSearchPath    = "/rp_web/erweitertesuche.xhtml"
	fakeResultsPath   = "/rp_web/ergebnisse.xhtml"
	fakeDocumentsPath = "/rp_web/dokumente.xhtml"
	fakeGeneratedId   = "j_idt161"
	fakeDownloadId    = "j_idt87"
)

type fakeRow struct {
	name    string
	court   string
	city    string
	status  string
	history [][2]string
}

type fakeNode struct {
	name     string
	document bool
	children []string
}

type fakePortal struct {
	t      *testing.T
	server *httptest.Server

	mu sync.Mutex
	// configuration
	rows []fakeRow
	// slot -> filename of the attachment, "" means no filename
	slotFiles map[int]string
	tree      map[string]fakeNode
	// nodes whose select response omits the token
	brokenNodes map[string]bool
	// number of start page requests that get their connection dropped
	startFailures int
	startStatus   int
	// skip the search link on the start page
	noSearchLink bool

	// observations
	startHits   int
	searchPosts []url.Values
	clickBodies []string
	treeTokens  map[int]string
	tokenSeq    int
	selects     []string
	downloads   []string

	// form bodies of the tree download posts
	downloadPosts []url.Values
}

func newFakePortal(t *testing.T) *fakePortal {
	p := &fakePortal{
		t: t,
		rows: []fakeRow{
			{
				name:   "GASAG AG",
				court:  "Berlin District court Berlin (Charlottenburg) HRB 44343",
				city:   "Berlin",
				status: "currently registered",
				history: [][2]string{
					{"1.) Gasag Berliner Gaswerke Aktiengesellschaft", "1.) Berlin"},
				},
			},
		},
		slotFiles: map[int]string{
			0: "AD_gasag.pdf",
			1: "CD_gasag.pdf",
			6: "SI_gasag.xml",
		},
		tree: map[string]fakeNode{
			"0":   {name: "Documents", children: []string{"0_0", "0_1"}},
			"0_0": {name: "Articles of association", document: true},
			"0_1": {name: "List of shareholders", document: true},
		},
		brokenNodes: map[string]bool{},
		treeTokens:  map[int]string{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handleStart)
	mux.HandleFunc(fakeSearchPath, p.handleSearch)
	mux.HandleFunc(fakeResultsPath, p.handleResults)
	mux.HandleFunc(fakeDocumentsPath, p.handleDocuments)
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakePortal) options() SessionOptions {
	return SessionOptions{
		BaseUrl:           p.server.URL,
		Timeout:           5 * time.Second,
		RequestsPerSecond: 1000,
		RetryDelay:        time.Millisecond,
	}
}

func (p *fakePortal) writeHtml(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html;charset=UTF-8")
	fmt.Fprint(w, body)
}

func (p *fakePortal) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	p.mu.Lock()
	p.startHits++
	drop := p.startFailures > 0
	if drop {
		p.startFailures--
	}
	status := p.startStatus
	noLink := p.noSearchLink
	p.mu.Unlock()

	if drop {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			p.t.Error(err)
			return
		}
		conn.Close()
		return
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "session-1", Path: "/"})
	link := fmt.Sprintf(`<a href="%s">Advanced search</a>`, fakeSearchPath)
	if noLink {
		link = ""
	}
	p.writeHtml(w, fmt.Sprintf(`<html><body>
<div id="menu"><a href="/">Home</a> %s</div>
</body></html>`, link))
}

func (p *fakePortal) searchPage() string {
	return fmt.Sprintf(`<html><body>
<form id="form" name="form" method="post" action="%s">
	<input type="hidden" name="form" value="form">
	<input type="text" name="form:schlagwoerter" value="">
	<input type="radio" name="form:schlagwortOptionen" value="1" checked="checked">
	<input type="radio" name="form:schlagwortOptionen" value="2">
	<input type="radio" name="form:schlagwortOptionen" value="3">
	<input type="text" name="form:registerNummer" value="">
	<select name="form:registergericht_input">
		<option value="">All courts</option>
		<option value="F1103">Berlin (Charlottenburg)</option>
		<option value="K1101">Hamburg</option>
	</select>
	<button type="submit" name="form:btnSuche" value="">Find</button>
	<input type="hidden" name="javax.faces.ViewState" value="vs-search">
</form>
</body></html>`, fakeSearchPath)
}

func (p *fakePortal) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		p.writeHtml(w, p.searchPage())
		return
	}
	if err := r.ParseForm(); err != nil {
		p.t.Error(err)
		return
	}
	p.mu.Lock()
	p.searchPosts = append(p.searchPosts, r.PostForm)
	p.mu.Unlock()
	p.writeHtml(w, p.resultsPage())
}

func (p *fakePortal) resultsPage() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var rows strings.Builder
	for i, row := range p.rows {
		var actions strings.Builder
		for _, slot := range []int{0, 1, 2, 3, 6} {
			fmt.Fprintf(
				&actions,
				`<a id="%s:%d:%s:%d:fade" href="#" onclick="return false">slot %d</a>`,
				resultsTableComponent, i, fakeGeneratedId, slot, slot,
			)
		}
		fmt.Fprintf(&rows, `<tr data-ri="%d" class="ui-widget-content">`, i)
		fmt.Fprint(&rows, `<td><span class="ui-row-toggler"></span></td>`)
		fmt.Fprintf(&rows, `<td>%s</td>`, html.EscapeString(row.court))
		fmt.Fprintf(&rows, `<td><span class="marginLeft20">%s</span></td>`, html.EscapeString(row.name))
		fmt.Fprintf(&rows, `<td>%s</td>`, html.EscapeString(row.city))
		fmt.Fprintf(&rows, `<td>%s</td>`, html.EscapeString(row.status))
		fmt.Fprintf(&rows, `<td>%s</td>`, actions.String())
		fmt.Fprint(&rows, `<td></td><td>History</td>`)
		for _, h := range row.history {
			fmt.Fprintf(&rows, `<td>%s</td><td></td><td>%s</td>`, html.EscapeString(h[0]), html.EscapeString(h[1]))
		}
		fmt.Fprint(&rows, `</tr>`)
	}

	return fmt.Sprintf(`<html><body>
<form id="ergebnissForm" name="ergebnissForm" method="post" action="%s">
	<input type="hidden" name="ergebnissForm" value="ergebnissForm">
	<table role="grid"><tbody id="%s_data">%s</tbody></table>
	<input type="hidden" name="javax.faces.ViewState" value="vs-results">
</form>
</body></html>`, fakeResultsPath, resultsTableComponent, rows.String())
}

var fakeClickRegex = regexp.MustCompile(regexp.QuoteMeta(resultsTableComponent) + `:(\d+):` + fakeGeneratedId + `:(\d+):fade`)

func (p *fakePortal) handleResults(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		p.t.Error(err)
		return
	}
	body := string(raw)

	p.mu.Lock()
	p.clickBodies = append(p.clickBodies, body)
	p.mu.Unlock()

	values, err := url.ParseQuery(body)
	if err != nil || values.Get(viewStateField) != "vs-results" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var match []string
	for key := range values {
		if m := fakeClickRegex.FindStringSubmatch(key); m != nil {
			match = m
		}
	}
	if match == nil {
		p.writeHtml(w, p.resultsPage())
		return
	}
	row, _ := strconv.Atoi(match[1])
	slot, _ := strconv.Atoi(match[2])

	if slot == documentsViewSlot {
		p.writeHtml(w, p.documentsPage(row))
		return
	}

	p.mu.Lock()
	filename, ok := p.slotFiles[slot]
	p.mu.Unlock()
	if !ok {
		p.writeHtml(w, `<html><body><p>The document is not available.</p></body></html>`)
		return
	}
	p.writeAttachment(w, filename, fmt.Sprintf("row %d slot %d", row, slot))
}

func (p *fakePortal) writeAttachment(w http.ResponseWriter, filename, content string) {
	w.Header().Set("Content-Type", "application/octet-stream")
	if filename == "" {
		w.Header().Set("Content-Disposition", "attachment")
	} else {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	}
	fmt.Fprint(w, content)
}

func (p *fakePortal) nextToken(row int) string {
	p.tokenSeq++
	token := fmt.Sprintf("vs-tree-%d-%d", row, p.tokenSeq)
	p.treeTokens[row] = token
	return token
}

func (p *fakePortal) treeNodeMarkup(id string, expanded bool) string {
	node := p.tree[id]
	var sb strings.Builder
	fmt.Fprintf(&sb, `<li data-rowkey="%s" class="ui-treenode"><span class="ui-treenode-content"><span class="ui-treenode-label">%s</span></span>`, id, html.EscapeString(node.name))
	if expanded && len(node.children) > 0 {
		sb.WriteString(`<ul class="ui-treenode-children">`)
		for _, c := range node.children {
			sb.WriteString(p.treeNodeMarkup(c, false))
		}
		sb.WriteString(`</ul>`)
	}
	sb.WriteString(`</li>`)
	return sb.String()
}

func (p *fakePortal) downloadPanel(enabled bool) string {
	if enabled {
		return fmt.Sprintf(`<div id="%s"><button id="%s:%s" name="%s:%s" type="submit">Download</button></div>`,
			treeDownloadPanel, treeFormName, fakeDownloadId, treeFormName, fakeDownloadId)
	}
	return fmt.Sprintf(`<div id="%s"><button id="%s:%s" name="%s:%s" type="submit" disabled="disabled" class="ui-state-disabled">Download</button></div>`,
		treeDownloadPanel, treeFormName, fakeDownloadId, treeFormName, fakeDownloadId)
}

func (p *fakePortal) documentsPage(row int) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	tree := ""
	if _, ok := p.tree["0"]; ok {
		tree = fmt.Sprintf(`<ul>%s</ul>`, p.treeNodeMarkup("0", true))
	}
	return fmt.Sprintf(`<html><body>
<form id="dk_form" name="dk_form" method="post" action="%s">
	<input type="hidden" name="dk_form" value="dk_form">
	<input type="hidden" name="dk_form:language" value="en">
	<div id="%s" class="ui-tree">%s</div>
	%s
	<input type="hidden" name="javax.faces.ViewState" value="%s">
</form>
</body></html>`, fakeDocumentsPath, treeWidgetId, tree, p.downloadPanel(false), p.nextToken(row))
}

var fakeTokenRowRegex = regexp.MustCompile(`^vs-tree-(\d+)-\d+$`)

func (p *fakePortal) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		p.t.Error(err)
		return
	}
	token := r.PostForm.Get(viewStateField)
	nodeId := r.PostForm.Get(treeParamSelection)

	p.mu.Lock()
	defer p.mu.Unlock()

	m := fakeTokenRowRegex.FindStringSubmatch(token)
	if m == nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	row, _ := strconv.Atoi(m[1])
	if p.treeTokens[row] != token {
		// stale token
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	node, ok := p.tree[nodeId]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if r.Header.Get("Faces-Request") == "partial/ajax" {
		p.selects = append(p.selects, nodeId)
		w.Header().Set("Content-Type", "text/xml;charset=UTF-8")

		var sb strings.Builder
		sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?><partial-response id="j_id1"><changes>`)
		fmt.Fprintf(&sb, `<update id="%s"><![CDATA[<ul>`, treeWidgetId)
		for _, c := range node.children {
			sb.WriteString(p.treeNodeMarkup(c, false))
		}
		sb.WriteString(`</ul>]]></update>`)
		fmt.Fprintf(&sb, `<update id="%s"><![CDATA[%s]]></update>`, treeDownloadPanel, p.downloadPanel(node.document))
		if !p.brokenNodes[nodeId] {
			fmt.Fprintf(&sb, `<update id="j_id1:%s:0"><![CDATA[%s]]></update>`, viewStateField, p.nextToken(row))
		}
		sb.WriteString(`</changes></partial-response>`)
		fmt.Fprint(w, sb.String())
		return
	}

	if _, ok := r.PostForm[treeFormName+":"+fakeDownloadId]; !ok || !node.document {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><p>Nothing selected.</p></body></html>`)
		return
	}
	p.downloads = append(p.downloads, nodeId)
	p.downloadPosts = append(p.downloadPosts, r.PostForm)
	p.writeAttachment(w, node.name+".pdf", "content of "+nodeId)
}

func (p *fakePortal) snapshotDownloadPosts() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.downloadPosts...)
}

func (p *fakePortal) startRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startHits
}

func (p *fakePortal) snapshotDownloads() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]string(nil), p.downloads...)
	sort.Strings(out)
	return out
}
