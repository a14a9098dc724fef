// internal/service/template_service.go
package service

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/unclebandit/wa-campaigns/internal/model"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*(\d+)\s*\}\}`)

// RenderedTemplate is a template resolved for one recipient.
type RenderedTemplate struct {
	Header     string              `json:"header,omitempty"`
	Body       string              `json:"body"`
	Footer     string              `json:"footer,omitempty"`
	BodyParams []string            `json:"body_params"`
	Buttons    []model.ButtonParam `json:"buttons,omitempty"`
}

// PlaceholderIndices returns the distinct placeholder indices in text in
// ascending numeric order.
func PlaceholderIndices(text string) []int {
	seen := map[int]bool{}
	var out []int
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// ResolveBinding returns the value bound to a placeholder index. Unmapped
// placeholders resolve to "".
func ResolveBinding(mapping model.VariableMapping, index int, r *model.CampaignRecipient) string {
	b, ok := mapping[strconv.Itoa(index)]
	if !ok {
		return ""
	}

	var v string
	switch b.Type {
	case model.BindingField:
		if r != nil {
			v, _ = r.Field(b.Value)
		}
	default:
		v = b.Value
	}
	if strings.TrimSpace(v) == "" {
		v = b.Fallback
	}
	return v
}

// RenderParams produces one value per distinct placeholder in text.
func RenderParams(text string, mapping model.VariableMapping, r *model.CampaignRecipient) []string {
	indices := PlaceholderIndices(text)
	params := make([]string, len(indices))
	for i, idx := range indices {
		params[i] = ResolveBinding(mapping, idx, r)
	}
	return params
}

// FillText substitutes params into text; params[i] belongs to the i-th
// distinct placeholder in ascending order, as produced by RenderParams.
func FillText(text string, params []string) string {
	indices := PlaceholderIndices(text)
	values := make(map[int]string, len(indices))
	for i, idx := range indices {
		if i < len(params) {
			values[idx] = params[i]
		}
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(m string) string {
		n, _ := strconv.Atoi(placeholderPattern.FindStringSubmatch(m)[1])
		return values[n]
	})
}

// RenderTemplate resolves the body and any dynamic URL buttons of tpl for one
// recipient. Header and footer pass through unchanged.
func RenderTemplate(tpl *model.Template, mapping model.VariableMapping, r *model.CampaignRecipient) RenderedTemplate {
	params := RenderParams(tpl.Body, mapping, r)
	out := RenderedTemplate{
		Header:     tpl.Header,
		Body:       FillText(tpl.Body, params),
		Footer:     tpl.Footer,
		BodyParams: params,
	}

	for i, b := range tpl.Buttons {
		if !strings.EqualFold(b.Type, "URL") || len(PlaceholderIndices(b.URL)) == 0 {
			continue
		}
		out.Buttons = append(out.Buttons, model.ButtonParam{Index: i, Params: RenderParams(b.URL, mapping, r)})
	}
	return out
}
