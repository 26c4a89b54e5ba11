package handelsregister

import (
	"context"
	"strconv"
)

const (
	report_search_start_page = "search.start-page"
	report_search_navigate   = "search.navigate"
	report_search_bind       = "search.bind"
	report_search_submit     = "search.submit"
)

// SearchMarkup runs the fixed search path on `session` and returns the raw
// markup of the result page. The session is left on the result page, which
// is where document acquisition starts from.
func SearchMarkup(ctx context.Context, session *Session, query Query) ([]byte, error) {
	query = query.Normalize()
	err := query.Validate()
	if err != nil {
		return nil, err
	}
	tel := session.tel

	_, err = session.Open(ctx, startPagePath)
	if err != nil {
		tel.ReportBroken(report_search_start_page, err)
		return nil, err
	}
	_, err = session.FollowLink(ctx, advancedSearchTxt)
	if err != nil {
		tel.ReportBroken(report_search_navigate, err)
		return nil, err
	}

	form, err := session.Form(searchFormName)
	if err != nil {
		tel.ReportBroken(report_search_navigate, err)
		return nil, err
	}
	bindings := []Binding{
		Text(fieldKeywords, query.Text()),
		Choice(fieldMatchMode, strconv.Itoa(query.Mode.Code())),
	}
	if query.RegisterNumber != "" {
		bindings = append(bindings, Text(fieldRegisterNumber, query.RegisterNumber))
	}
	if query.Court != "" {
		bindings = append(bindings, ChoiceLabel(fieldRegisterCourt, query.Court))
	}
	err = form.Bind(bindings...)
	if err != nil {
		tel.ReportWarning(report_search_bind, err)
		return nil, err
	}

	res, err := session.send(ctx, form, form.Encode(true), nil)
	if err != nil {
		tel.ReportBroken(report_search_submit, err, query.Text())
		return nil, err
	}
	if !res.IsHTML() {
		err = shapeError("search", "result page is not html (%s)", res.Header.Get("Content-Type"))
		tel.ReportBroken(report_search_submit, err)
		return nil, err
	}
	return res.Body, nil
}
