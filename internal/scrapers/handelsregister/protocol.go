package handelsregister

// The portal is a JSF/PrimeFaces application. Everything below is dictated by
// its rendered markup and has to be reproduced exactly.

const (
	DefaultBaseUrl = "https://www.handelsregister.de"

	startPagePath     = "/"
	advancedSearchTxt = "Advanced search"

	searchFormName        = "form"
	fieldKeywords         = "form:schlagwoerter"
	fieldMatchMode        = "form:schlagwortOptionen"
	fieldRegisterNumber   = "form:registerNummer"
	fieldRegisterCourt    = "form:registergericht_input"
	resultsFormName       = "ergebnissForm"
	resultsTableComponent = "ergebnissForm:selectedSuchErgebnisFormTable"

	// correlation token carried by every JSF form and partial response
	viewStateField = "javax.faces.ViewState"

	treeFormName       = "dk_form"
	treeWidgetId       = "dk_form:dktree"
	treeDownloadPanel  = "dk_form:downloadPanel"
	treeParamExpand    = treeWidgetId + "_expandNode"
	treeParamSelection = treeWidgetId + "_selection"
	treeParamScroll    = treeWidgetId + "_scrollState"
	// the widget is never scrolled, the server only requires the field to be present
	treeScrollPlaceholder = "0,0"

	partialAjax    = "javax.faces.partial.ajax"
	partialSource  = "javax.faces.source"
	partialExecute = "javax.faces.partial.execute"
	partialRender  = "javax.faces.partial.render"
	partialEvent   = "javax.faces.partial.event"
	behaviorEvent  = "javax.faces.behavior.event"
)
