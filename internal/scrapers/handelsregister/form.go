package handelsregister

import (
	"fmt"
	"net/url"
	"strings"

	"handelsregister/lib/htmlutil"
	"handelsregister/lib/textutil"

	"github.com/PuerkitoBio/goquery"
)

type fieldKind int

const (
	fieldText fieldKind = iota
	fieldHidden
	fieldCheckbox
	fieldRadio
	fieldSelect
	fieldSubmit
)

type Option struct {
	Label string
	Value string
}

type formField struct {
	name     string
	kind     fieldKind
	value    string
	checked  bool
	disabled bool
	options  []Option
}

// Form is a snapshot of an html form: its target and its successful
// controls, in document order.
type Form struct {
	Name   string
	Action *url.URL
	Method string

	fields []*formField
}

// FindForm locates a form by its name (or id, which JSF renders identically).
func FindForm(doc *goquery.Document, base *url.URL, name string) (*Form, error) {
	sel := doc.Find(fmt.Sprintf(`form[name="%s"]`, name)).First()
	if sel.Length() == 0 {
		sel = doc.Find(fmt.Sprintf(`form[id="%s"]`, name)).First()
	}
	if sel.Length() == 0 {
		return nil, shapeError("form", "could not find form %q", name)
	}

	action := base
	if raw, ok := sel.Attr("action"); ok && raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, shapeError("form", "form %q has an invalid action %q: %v", name, raw, err)
		}
		if base != nil {
			parsed = base.ResolveReference(parsed)
		}
		action = parsed
	}
	if action == nil {
		return nil, shapeError("form", "form %q has no action and no base url", name)
	}

	form := &Form{
		Name:   name,
		Action: action,
		Method: strings.ToUpper(sel.AttrOr("method", "GET")),
	}
	sel.Find("input, select, textarea, button").Each(func(_ int, s *goquery.Selection) {
		field := parseField(s)
		if field != nil {
			form.fields = append(form.fields, field)
		}
	})
	return form, nil
}

func parseField(s *goquery.Selection) *formField {
	name, ok := s.Attr("name")
	if !ok || name == "" {
		return nil
	}
	_, disabled := s.Attr("disabled")
	field := &formField{name: name, disabled: disabled}

	switch goquery.NodeName(s) {
	case "textarea":
		field.kind = fieldText
		field.value = s.Text()
	case "select":
		field.kind = fieldSelect
		s.Find("option").Each(func(_ int, o *goquery.Selection) {
			label := htmlutil.SelectionText(o)
			value, ok := o.Attr("value")
			if !ok {
				value = label
			}
			field.options = append(field.options, Option{Label: label, Value: value})
			if _, selected := o.Attr("selected"); selected && field.value == "" {
				field.value = value
				field.checked = true
			}
		})
	case "button":
		switch strings.ToLower(s.AttrOr("type", "submit")) {
		case "submit":
			field.kind = fieldSubmit
			field.value = s.AttrOr("value", "")
		default:
			return nil
		}
	default:
		field.value = s.AttrOr("value", "")
		switch strings.ToLower(s.AttrOr("type", "text")) {
		case "hidden":
			field.kind = fieldHidden
		case "checkbox", "radio":
			field.kind = fieldCheckbox
			if strings.EqualFold(s.AttrOr("type", ""), "radio") {
				field.kind = fieldRadio
			}
			if _, ok := s.Attr("value"); !ok {
				field.value = "on"
			}
			_, field.checked = s.Attr("checked")
		case "submit", "image":
			field.kind = fieldSubmit
		case "button", "reset", "file":
			return nil
		default:
			field.kind = fieldText
		}
	}
	return field
}

func (f *Form) find(name string) []*formField {
	var out []*formField
	for _, field := range f.fields {
		if field.name == name {
			out = append(out, field)
		}
	}
	return out
}

// Hidden returns the values of all hidden inputs of the form.
func (f *Form) Hidden() map[string]string {
	out := map[string]string{}
	for _, field := range f.fields {
		if field.kind == fieldHidden {
			out[field.name] = field.value
		}
	}
	return out
}

// Value returns the current value of a text, hidden or select field.
func (f *Form) Value(name string) (string, bool) {
	for _, field := range f.find(name) {
		switch field.kind {
		case fieldText, fieldHidden, fieldSelect:
			return field.value, true
		}
	}
	return "", false
}

func (f *Form) SetText(name, value string) error {
	for _, field := range f.find(name) {
		if field.kind == fieldText || field.kind == fieldHidden {
			field.value = value
			return nil
		}
	}
	return shapeError("form", "form %q has no text field %q", f.Name, name)
}

// SetChoice selects a raw value on a select field or radio/checkbox group.
func (f *Form) SetChoice(name, value string) error {
	fields := f.find(name)
	for _, field := range fields {
		if field.kind != fieldSelect {
			continue
		}
		for _, o := range field.options {
			if o.Value == value {
				field.value = value
				field.checked = true
				return nil
			}
		}
		return shapeError("form", "select %q of form %q has no option with value %q", name, f.Name, value)
	}

	var group []*formField
	matched := false
	for _, field := range fields {
		if field.kind == fieldRadio || field.kind == fieldCheckbox {
			group = append(group, field)
			matched = matched || field.value == value
		}
	}
	if !matched {
		return shapeError("form", "form %q has no choice %q for %q", f.Name, value, name)
	}
	for _, field := range group {
		field.checked = field.value == value
	}
	return nil
}

// Options returns the label->value table of a select field as rendered right now.
func (f *Form) Options(name string) []Option {
	for _, field := range f.find(name) {
		if field.kind == fieldSelect {
			out := make([]Option, len(field.options))
			copy(out, field.options)
			return out
		}
	}
	return nil
}

// SetChoiceByLabel selects the option of a select field whose visible label
// matches `label`, ignoring case and whitespace.
func (f *Form) SetChoiceByLabel(name, label string) error {
	options := f.Options(name)
	if options == nil {
		return shapeError("form", "form %q has no select %q", f.Name, name)
	}

	table := make(map[string]string, len(options))
	labels := make([]string, 0, len(options))
	for _, o := range options {
		key := textutil.NormalizeName(o.Label)
		if key == "" {
			continue
		}
		if _, exists := table[key]; !exists {
			table[key] = o.Value
			labels = append(labels, o.Label)
		}
	}

	value, ok := table[textutil.NormalizeName(label)]
	if !ok {
		return &ValidationError{
			Field:      name,
			Value:      label,
			Reason:     "no option with this label",
			Suggestion: textutil.ClosestName(label, labels),
		}
	}
	return f.SetChoice(name, value)
}

type bindingKind int

const (
	bindText bindingKind = iota
	bindChoice
	bindChoiceLabel
)

// Binding is a single field assignment applied by Form.Bind.
type Binding struct {
	Name  string
	Value string
	kind  bindingKind
}

func Text(name, value string) Binding {
	return Binding{Name: name, Value: value, kind: bindText}
}

func Choice(name, value string) Binding {
	return Binding{Name: name, Value: value, kind: bindChoice}
}

func ChoiceLabel(name, label string) Binding {
	return Binding{Name: name, Value: label, kind: bindChoiceLabel}
}

func (f *Form) Bind(bindings ...Binding) error {
	for _, b := range bindings {
		var err error
		switch b.kind {
		case bindText:
			err = f.SetText(b.Name, b.Value)
		case bindChoice:
			err = f.SetChoice(b.Name, b.Value)
		case bindChoiceLabel:
			err = f.SetChoiceByLabel(b.Name, b.Value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

type pair struct {
	key   string
	value string
}

// Values is the payload a browser would submit. With `click` the first named
// submit control is included as if it had been pressed.
func (f *Form) Values(click bool) []pair {
	var out []pair
	clicked := false
	for _, field := range f.fields {
		if field.disabled {
			continue
		}
		switch field.kind {
		case fieldText, fieldHidden:
			out = append(out, pair{field.name, field.value})
		case fieldCheckbox, fieldRadio:
			if field.checked {
				out = append(out, pair{field.name, field.value})
			}
		case fieldSelect:
			if field.checked {
				out = append(out, pair{field.name, field.value})
			} else if len(field.options) > 0 {
				out = append(out, pair{field.name, field.options[0].Value})
			}
		case fieldSubmit:
			if click && !clicked {
				out = append(out, pair{field.name, field.value})
				clicked = true
			}
		}
	}
	return out
}

func encodePairs(pairs []pair) string {
	var sb strings.Builder
	for i, p := range pairs {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(p.key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p.value))
	}
	return sb.String()
}

// mergePairs replaces the value of every key of `base` also found in
// `overrides` and appends the remaining overrides, keeping the order of
// `base`.
func mergePairs(base []pair, overrides ...pair) []pair {
	index := make(map[string]int, len(overrides))
	for i, o := range overrides {
		index[o.key] = i
	}
	used := make([]bool, len(overrides))
	out := make([]pair, 0, len(base)+len(overrides))
	for _, p := range base {
		i, ok := index[p.key]
		if !ok {
			out = append(out, p)
			continue
		}
		if !used[i] {
			out = append(out, overrides[i])
			used[i] = true
		}
	}
	for i, o := range overrides {
		if !used[i] {
			out = append(out, o)
		}
	}
	return out
}

// Encode returns the urlencoded submission payload.
func (f *Form) Encode(click bool) string {
	return encodePairs(f.Values(click))
}

// EncodeWithAction returns the payload of activating a command link that is
// not a form control: the default payload (no submit control) followed by
// the encoded identity of the action.
func (f *Form) EncodeWithAction(selector string) string {
	payload := f.Encode(false)
	if payload != "" {
		payload += "&"
	}
	return payload + url.QueryEscape(selector)
}
