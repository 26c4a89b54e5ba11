package handelsregister

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

const (
	report_documents_action_id   = "documents.action-id"
	report_documents_fetch       = "documents.fetch"
	report_documents_unavailable = "documents.unavailable"
)

// actionSelector finds the client id of the command link rendered for
// `row` and `slot` of the result grid. The middle component is a generated
// id that changes between deployments, so it can only be read from markup.
func actionSelector(markup []byte, row, slot int) (string, error) {
	prefix := fmt.Sprintf("%s:%d:", resultsTableComponent, row)
	suffix := fmt.Sprintf(":%d:fade", slot)
	pattern := regexp.MustCompile(
		regexp.QuoteMeta(prefix) + `(j_idt\d+)` + regexp.QuoteMeta(suffix),
	)

	match := pattern.FindSubmatch(markup)
	if match == nil {
		return "", shapeError(
			fmt.Sprintf("row %d", row),
			"no action for slot %d in result markup",
			slot,
		)
	}
	return prefix + string(match[1]) + suffix, nil
}

func fallbackFilename(result *SearchResult, slot documentSlot) string {
	return fmt.Sprintf("%s %s.%s", result.Name, slot.code, slot.ext)
}

// FetchDocument downloads one fixed-slot document of `result` using the
// result page currently displayed by `session`, and appends it to the
// result. It returns ErrDocumentNotAvailable if the portal answers with a
// page instead of a file. The session is back on the result page when it
// returns.
func FetchDocument(ctx context.Context, session *Session, result *SearchResult, docType DocumentType) (DownloadedFile, error) {
	slot, ok := docType.slot()
	if !ok {
		return DownloadedFile{}, fmt.Errorf("unknown document type %d", int(docType))
	}
	tel := session.tel

	selector, err := actionSelector(session.state.Markup, result.RowIndex, slot.index)
	if err != nil {
		tel.ReportWarning(report_documents_action_id, err, docType.String())
		return DownloadedFile{}, err
	}

	res, err := session.SynthesizeClick(ctx, resultsFormName, selector)
	if err != nil {
		err = fmt.Errorf("fetch %s of %q: %w", docType, result.Name, err)
		tel.ReportWarning(report_documents_fetch, err)
		return DownloadedFile{}, err
	}
	if res.IsHTML() {
		session.Back()
	}

	file, ok := res.Attachment()
	if !ok {
		tel.ReportWarning(report_documents_unavailable, docType.String(), result.Name, strconv.Itoa(res.StatusCode))
		return DownloadedFile{}, ErrDocumentNotAvailable
	}
	if file.Filename == "" {
		file.Filename = fallbackFilename(result, slot)
	}
	result.AddDocument(file)
	return file, nil
}
