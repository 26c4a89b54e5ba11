package handelsregister

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"handelsregister/lib/textutil"
)

type MatchMode int

const (
	// every keyword must occur in the company name
	MatchAll MatchMode = iota + 1
	// at least one keyword must occur ("min" on the portal)
	MatchAny
	// the company name must equal the keywords
	MatchExact
)

// protocol codes for form:schlagwortOptionen
var matchModeCodes = map[MatchMode]int{
	MatchAll:   1,
	MatchAny:   2,
	MatchExact: 3,
}

func ParseMatchMode(s string) (MatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all", "":
		return MatchAll, nil
	case "any", "min":
		return MatchAny, nil
	case "exact":
		return MatchExact, nil
	}
	return 0, &ValidationError{
		Field:  "match mode",
		Value:  s,
		Reason: "expected one of all, any (min), exact",
	}
}

// Code returns the value the portal expects for the match mode, 0 if the
// mode is not one of the three known modes.
func (m MatchMode) Code() int {
	return matchModeCodes[m]
}

func (m MatchMode) String() string {
	switch m {
	case MatchAll:
		return "all"
	case MatchAny:
		return "any"
	case MatchExact:
		return "exact"
	}
	return fmt.Sprintf("MatchMode(%d)", int(m))
}

type Query struct {
	Keywords []string
	Mode     MatchMode
	// digits only after Normalize
	RegisterNumber string
	// visible label of the register court, resolved against the live form
	Court string
}

var nonDigitRegex = regexp.MustCompile(`\D`)

// Normalize trims keywords, drops empty ones and strips non-digits from the
// register number.
func (q Query) Normalize() Query {
	keywords := make([]string, 0, len(q.Keywords))
	for _, k := range q.Keywords {
		k = strings.TrimSpace(k)
		if k != "" {
			keywords = append(keywords, k)
		}
	}
	q.Keywords = keywords
	q.RegisterNumber = nonDigitRegex.ReplaceAllString(q.RegisterNumber, "")
	q.Court = strings.TrimSpace(q.Court)
	return q
}

func (q Query) Validate() error {
	if len(q.Keywords) == 0 {
		return &ValidationError{
			Field:  "keywords",
			Reason: "at least one keyword is required",
		}
	}
	if q.Mode.Code() == 0 {
		return &ValidationError{
			Field:  "match mode",
			Value:  q.Mode.String(),
			Reason: "expected one of all, any (min), exact",
		}
	}
	return nil
}

// Text is the keyword string submitted to the portal.
func (q Query) Text() string {
	return strings.Join(q.Keywords, " ")
}

// CacheKey identifies the result markup of a query.
func (q Query) CacheKey() string {
	parts := []string{
		strings.ToLower(q.Text()),
		q.Mode.String(),
	}
	if q.RegisterNumber != "" {
		parts = append(parts, "reg="+q.RegisterNumber)
	}
	if q.Court != "" {
		parts = append(parts, "court="+textutil.NormalizeName(q.Court))
	}
	return strings.Join(parts, "|")
}

type HistoryEntry struct {
	Name     string
	Location string
}

type DownloadedFile struct {
	Filename string
	Content  []byte
}

func (f DownloadedFile) Size() int {
	return len(f.Content)
}

// SearchResult is one row of the result grid. Documents may only grow.
type SearchResult struct {
	// value of the row-index marker, addresses the row's action table
	RowIndex int

	Name    string
	Court   string
	City    string
	Status  string
	History []HistoryEntry

	mu        sync.Mutex
	documents []DownloadedFile
}

func (r *SearchResult) AddDocument(file DownloadedFile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.documents = append(r.documents, file)
}

// Documents returns a copy of the documents downloaded so far, in download order.
func (r *SearchResult) Documents() []DownloadedFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DownloadedFile, len(r.documents))
	copy(out, r.documents)
	return out
}

type DocumentType int

const (
	// "Aktueller Abdruck"
	CurrentPrintout DocumentType = iota
	// "Chronologischer Abdruck"
	ChronologicalPrintout
	// "Historischer Abdruck"
	HistoricalPrintout
	// "Strukturierter Registerinhalt"
	StructuredContent
)

type documentSlot struct {
	// column of the row's action table
	index int
	code  string
	ext   string
}

var documentSlots = map[DocumentType]documentSlot{
	CurrentPrintout:       {index: 0, code: "AD", ext: "pdf"},
	ChronologicalPrintout: {index: 1, code: "CD", ext: "pdf"},
	HistoricalPrintout:    {index: 2, code: "HD", ext: "pdf"},
	StructuredContent:     {index: 6, code: "SI", ext: "xml"},
}

// slot of the documents view ("DK"), the entry point of the document tree
const documentsViewSlot = 3

func (d DocumentType) slot() (documentSlot, bool) {
	s, ok := documentSlots[d]
	return s, ok
}

func (d DocumentType) String() string {
	s, ok := d.slot()
	if !ok {
		return "DocumentType(" + strconv.Itoa(int(d)) + ")"
	}
	return s.code
}

// AllDocumentTypes lists the fixed-slot document types in slot order.
func AllDocumentTypes() []DocumentType {
	return []DocumentType{
		CurrentPrintout,
		ChronologicalPrintout,
		HistoricalPrintout,
		StructuredContent,
	}
}

type NodeKind int

const (
	NodeUnknown NodeKind = iota
	// expanded only, never downloadable
	NodeFolder
	NodeDocument
	// expansion failed, children (if any) were never discovered
	NodeUnresolved
)

func (k NodeKind) String() string {
	switch k {
	case NodeFolder:
		return "folder"
	case NodeDocument:
		return "document"
	case NodeUnresolved:
		return "unresolved"
	}
	return "unknown"
}

// TreeNode is a node of the documents tree. Ids are positional ("0_1_0") and
// only valid for the lifetime of the correlation token they were read with.
type TreeNode struct {
	ID   string
	Name string
	Kind NodeKind
}

func (n TreeNode) Downloadable() bool {
	return n.Kind == NodeDocument
}
