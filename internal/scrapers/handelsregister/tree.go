package handelsregister

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"handelsregister/internal/components/telemetry"
)

const (
	report_tree_open        = "tree.open"
	report_tree_expand_node = "tree.expand-node"
	report_tree_download    = "tree.download"
	report_tree_nodes       = "tree.nodes"
	report_tree_documents   = "tree.documents"
)

// TreeWalk is the outcome of traversing the documents tree of one result.
type TreeWalk struct {
	// every node discovered, depth first
	Nodes     []TreeNode
	Documents []DownloadedFile
}

type treeWalker struct {
	session *Session
	tel     telemetry.API
	result  *SearchResult

	nodes []TreeNode
	known map[string]struct{}
}

// WalkDocuments discovers the full documents tree of `result` and downloads
// every document in it. The session must display the result page and must
// not be used by anything else while the walk runs (use a Fork).
//
// Failures below the tree level (one node, one document) are reported and
// skipped. The returned error is only set if the documents view could not
// be opened or the context was cancelled, in which case the walk holds
// whatever was gathered up to that point.
func WalkDocuments(ctx context.Context, session *Session, result *SearchResult) (TreeWalk, error) {
	w := &treeWalker{
		session: session,
		tel:     telemetry.NewScopedAPI(fmt.Sprintf("tree[%d]", result.RowIndex), session.tel),
		result:  result,
		known:   map[string]struct{}{},
	}

	err := w.open(ctx)
	if err != nil {
		w.tel.ReportBroken(report_tree_open, err)
		return TreeWalk{}, err
	}
	// a tree holding nothing but its root container has no documents
	if len(w.nodes) < 2 {
		return TreeWalk{Nodes: w.nodes}, nil
	}

	err = w.scan(ctx)
	w.tel.ReportCount(report_tree_nodes, int64(len(w.nodes)))
	if err != nil {
		return TreeWalk{Nodes: w.nodes}, err
	}

	documents, err := w.download(ctx)
	w.tel.ReportCount(report_tree_documents, int64(len(documents)))
	return TreeWalk{Nodes: w.nodes, Documents: documents}, err
}

func (w *treeWalker) open(ctx context.Context) error {
	selector, err := actionSelector(w.session.state.Markup, w.result.RowIndex, documentsViewSlot)
	if err != nil {
		return err
	}
	res, err := w.session.SynthesizeClick(ctx, resultsFormName, selector)
	if err != nil {
		return err
	}
	if !res.IsHTML() {
		return shapeError("documents view", "documents view is not html (%s)", res.Header.Get("Content-Type"))
	}

	doc, err := w.session.Document()
	if err != nil {
		return err
	}
	nodes, err := parseDocumentsPage(doc)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		w.add(n)
	}
	return nil
}

func (w *treeWalker) add(n TreeNode) bool {
	if _, ok := w.known[n.ID]; ok || n.ID == "" {
		return false
	}
	w.known[n.ID] = struct{}{}
	w.nodes = append(w.nodes, n)
	return true
}

func isChildOf(child, parent string) bool {
	return len(child) > len(parent)+1 && child[:len(parent)+1] == parent+"_"
}

// spliceChildren inserts the not yet known children of the node at `cursor`
// right after it, in the order they were discovered.
func (w *treeWalker) spliceChildren(cursor int, found []TreeNode) int {
	parent := w.nodes[cursor].ID

	var children []TreeNode
	for _, n := range found {
		if !isChildOf(n.ID, parent) || n.ID == "" {
			continue
		}
		if _, ok := w.known[n.ID]; ok {
			continue
		}
		w.known[n.ID] = struct{}{}
		children = append(children, n)
	}
	if len(children) == 0 {
		return 0
	}

	tail := append(children, w.nodes[cursor+1:]...)
	w.nodes = append(w.nodes[:cursor+1], tail...)
	return len(children)
}

func (w *treeWalker) selectRequest(nodeId string) []pair {
	return []pair{
		{partialAjax, "true"},
		{partialSource, treeWidgetId},
		{partialExecute, treeWidgetId},
		{partialRender, treeWidgetId + " " + treeDownloadPanel},
		{behaviorEvent, "select"},
		{partialEvent, "select"},
		{treeParamExpand, nodeId},
		{treeParamSelection, nodeId},
		{treeParamScroll, treeScrollPlaceholder},
		{treeFormName, treeFormName},
		{viewStateField, w.session.ViewState()},
	}
}

// selectNode expands and selects a node in one round trip. The token is
// only replaced when the response is well formed.
func (w *treeWalker) selectNode(ctx context.Context, nodeId string) (treeFragment, error) {
	res, err := w.session.PartialUpdate(ctx, treeFormName, w.selectRequest(nodeId))
	if err != nil {
		return treeFragment{}, err
	}
	fragment, err := parsePartialResponse(res.Body, nodeId)
	if err != nil {
		return treeFragment{}, err
	}
	w.session.adoptViewState(fragment.ViewState)
	return fragment, nil
}

func (w *treeWalker) scan(ctx context.Context) error {
	w.nodes[0].Kind = NodeFolder

	for cursor := 1; cursor < len(w.nodes); cursor++ {
		err := ctx.Err()
		if err != nil {
			return err
		}

		node := w.nodes[cursor]
		fragment, err := w.selectNode(ctx, node.ID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.nodes[cursor].Kind = NodeUnresolved
			w.tel.ReportWarning(report_tree_expand_node, err, node.ID)
			continue
		}

		if fragment.Disabled {
			w.nodes[cursor].Kind = NodeFolder
		} else {
			w.nodes[cursor].Kind = NodeDocument
		}
		added := w.spliceChildren(cursor, fragment.Nodes)
		w.tel.ReportDebug("expanded node", node.ID, w.nodes[cursor].Kind.String(), strconv.Itoa(added))
	}
	return nil
}

func (w *treeWalker) fallbackFilename(node TreeNode) string {
	name := node.Name
	if name == "" {
		name = fmt.Sprintf("%s %s", w.result.Name, node.ID)
	}
	return name + ".pdf"
}

func (w *treeWalker) downloadNode(ctx context.Context, node TreeNode) (DownloadedFile, error) {
	fragment, err := w.selectNode(ctx, node.ID)
	if err != nil {
		return DownloadedFile{}, err
	}
	if fragment.Disabled || fragment.DownloadControl == "" {
		return DownloadedFile{}, shapeError(
			fmt.Sprintf("node %s", node.ID),
			"download control is not available",
		)
	}

	form, err := w.session.Form(treeFormName)
	if err != nil {
		return DownloadedFile{}, err
	}
	// the page still carries the token it was rendered with
	res, err := w.session.PostForm(ctx, treeFormName, mergePairs(
		form.Values(false),
		pair{treeFormName + ":" + fragment.DownloadControl, ""},
		pair{treeParamSelection, node.ID},
		pair{treeParamScroll, treeScrollPlaceholder},
		pair{viewStateField, w.session.ViewState()},
	))
	if err != nil {
		return DownloadedFile{}, err
	}
	file, ok := res.Attachment()
	if !ok {
		if res.IsHTML() {
			w.session.Back()
		}
		return DownloadedFile{}, ErrDocumentNotAvailable
	}
	if file.Filename == "" {
		file.Filename = w.fallbackFilename(node)
	}
	return file, nil
}

func (w *treeWalker) download(ctx context.Context) ([]DownloadedFile, error) {
	var documents []DownloadedFile
	for _, node := range w.nodes {
		if !node.Downloadable() {
			continue
		}
		err := ctx.Err()
		if err != nil {
			return documents, err
		}

		file, err := w.downloadNode(ctx, node)
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, ErrDocumentNotAvailable) {
				return documents, ctx.Err()
			}
			w.tel.ReportWarning(report_tree_download, err, node.ID, node.Name)
			continue
		}
		documents = append(documents, file)
	}
	return documents, nil
}
