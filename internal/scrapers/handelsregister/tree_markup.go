package handelsregister

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"

	"handelsregister/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

// everything that depends on how the portal renders the documents tree lives
// in this file.

type partialUpdate struct {
	ID      string `xml:"id,attr"`
	Content string `xml:",chardata"`
}

type partialResponse struct {
	XMLName xml.Name `xml:"partial-response"`
	Changes struct {
		Updates []partialUpdate `xml:"update"`
	} `xml:"changes"`
	Error *struct {
		Name    string `xml:"error-name"`
		Message string `xml:"error-message"`
	} `xml:"error"`
}

// treeFragment is what a single expand+select round trip tells us.
type treeFragment struct {
	ViewState string
	// the download control is disabled for folders
	Disabled bool
	// generated name of the download control, only set when enabled
	DownloadControl string
	// nodes contained in the tree delta, in document order
	Nodes []TreeNode
}

var downloadControlRegex = regexp.MustCompile(regexp.QuoteMeta(treeFormName+":") + `(j_idt\d+)`)

func isViewStateUpdate(id string) bool {
	return id == viewStateField || strings.Contains(id, ":"+viewStateField)
}

func parseFragment(content string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(content))
}

// parsePartialResponse interprets the response to a tree select request.
func parsePartialResponse(body []byte, nodeId string) (treeFragment, error) {
	scope := fmt.Sprintf("node %s", nodeId)

	var res partialResponse
	err := xml.NewDecoder(bytes.NewReader(body)).Decode(&res)
	if err != nil {
		return treeFragment{}, shapeError(scope, "invalid partial response: %v", err)
	}
	if res.Error != nil {
		return treeFragment{}, shapeError(scope, "server error %s: %s", res.Error.Name, res.Error.Message)
	}

	var out treeFragment
	panelFound := false
	for _, update := range res.Changes.Updates {
		if isViewStateUpdate(update.ID) {
			out.ViewState = strings.TrimSpace(update.Content)
			continue
		}

		doc, err := parseFragment(update.Content)
		if err != nil {
			return treeFragment{}, shapeError(scope, "invalid fragment %q: %v", update.ID, err)
		}

		panel := doc.Selection
		if update.ID != treeDownloadPanel {
			panel = doc.Find(fmt.Sprintf(`[id="%s"]`, treeDownloadPanel))
		}
		if update.ID == treeDownloadPanel || panel.Length() > 0 {
			panelFound = true
			out.Disabled, out.DownloadControl = parseDownloadPanel(panel)
		}

		out.Nodes = append(out.Nodes, parseTreeNodes(doc.Selection)...)
	}

	if out.ViewState == "" {
		return treeFragment{}, shapeError(scope, "partial response carries no %s", viewStateField)
	}
	if !panelFound {
		return treeFragment{}, shapeError(scope, "partial response does not update %s", treeDownloadPanel)
	}
	return out, nil
}

func isDisabled(s *goquery.Selection) bool {
	if _, ok := s.Attr("disabled"); ok {
		return true
	}
	if s.AttrOr("aria-disabled", "") == "true" {
		return true
	}
	return s.HasClass("ui-state-disabled")
}

func parseDownloadPanel(panel *goquery.Selection) (disabled bool, control string) {
	button := panel.Find(`button, input[type="submit"], a.ui-commandlink`).First()
	if button.Length() == 0 {
		return true, ""
	}
	if isDisabled(button) {
		return true, ""
	}
	for _, attr := range []string{"id", "name"} {
		match := downloadControlRegex.FindStringSubmatch(button.AttrOr(attr, ""))
		if match != nil {
			return false, match[1]
		}
	}
	return false, ""
}

func treeNodeName(li *goquery.Selection) string {
	label := li.Find(".ui-treenode-label").First()
	if label.Length() > 0 {
		return htmlutil.SelectionText(label)
	}
	return htmlutil.SelectionText(li.ChildrenFiltered("span, div").First())
}

// parseTreeNodes flattens every tree node below `root` in document order,
// which for a tree is depth first.
func parseTreeNodes(root *goquery.Selection) []TreeNode {
	var nodes []TreeNode
	root.Find("li[data-rowkey]").Each(func(_ int, li *goquery.Selection) {
		nodes = append(nodes, TreeNode{
			ID:   li.AttrOr("data-rowkey", ""),
			Name: treeNodeName(li),
		})
	})
	return nodes
}

// parseDocumentsPage reads the initial node list of the documents view.
func parseDocumentsPage(doc *goquery.Document) ([]TreeNode, error) {
	form := doc.Find(fmt.Sprintf(`form[id="%s"], form[name="%s"]`, treeFormName, treeFormName)).First()
	if form.Length() == 0 {
		return nil, shapeError("documents view", "could not find form %q", treeFormName)
	}
	tree := form.Find(fmt.Sprintf(`[id="%s"]`, treeWidgetId)).First()
	if tree.Length() == 0 {
		return nil, nil
	}
	return parseTreeNodes(tree), nil
}
