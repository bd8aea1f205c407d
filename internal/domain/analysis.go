package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// DefaultEnergyLabel is shown when the listing does not state an energy label.
const DefaultEnergyLabel = "Se hos mægler"

// FlexString decodes a JSON string, number or boolean into a string. Models do
// not reliably quote numeric listing facts.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*f = FlexString(n.String())
		return nil
	}
	var v bool
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = FlexString(strconv.FormatBool(v))
	return nil
}

// PropertyDetails holds the key facts of a listing.
type PropertyDetails struct {
	Address          FlexString `json:"address,omitempty"`
	Price            FlexString `json:"price,omitempty"`
	Udbetaling       FlexString `json:"udbetaling,omitempty"`
	PricePerM2       FlexString `json:"pricePerM2,omitempty"`
	Size             FlexString `json:"size,omitempty"`
	Rooms            FlexString `json:"værelser,omitempty"`
	Floor            FlexString `json:"floor,omitempty"`
	BoligType        FlexString `json:"boligType,omitempty"`
	Ejerform         FlexString `json:"ejerform,omitempty"`
	EnergiMaerke     FlexString `json:"energiMaerke,omitempty"`
	Byggeaar         FlexString `json:"byggeaar,omitempty"`
	Renoveringsaar   FlexString `json:"renoveringsaar,omitempty"`
	MaanedligeUdgift FlexString `json:"maanedligeUdgift,omitempty"`
}

type Recommendation struct {
	PromptTitle string `json:"promptTitle"`
	Prompt      string `json:"prompt"`
}

type Risk struct {
	Category        string           `json:"category"`
	Title           string           `json:"title"`
	Details         string           `json:"details"`
	Excerpt         string           `json:"excerpt,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
}

type Highlight struct {
	Icon    string `json:"icon,omitempty"`
	Title   string `json:"title"`
	Details string `json:"details"`
}

// AnalysisResult is the structured outcome of analyzing a listing.
type AnalysisResult struct {
	Summary    string           `json:"summary,omitempty"`
	Property   *PropertyDetails `json:"property,omitempty"`
	Risks      []Risk           `json:"risks,omitempty"`
	Highlights []Highlight      `json:"highlights,omitempty"`
}

// Normalize trims every string field, drops risks and highlights without a
// title, and fills in the default energy label.
func (r *AnalysisResult) Normalize() {
	r.Summary = strings.TrimSpace(r.Summary)
	if r.Property == nil {
		r.Property = &PropertyDetails{}
	}
	p := r.Property
	for _, f := range p.fields() {
		*f = FlexString(strings.TrimSpace(string(*f)))
	}
	if p.EnergiMaerke == "" {
		p.EnergiMaerke = DefaultEnergyLabel
	}

	risks := r.Risks[:0]
	for _, rk := range r.Risks {
		rk.Category = strings.TrimSpace(rk.Category)
		rk.Title = strings.TrimSpace(rk.Title)
		rk.Details = strings.TrimSpace(rk.Details)
		rk.Excerpt = strings.TrimSpace(rk.Excerpt)
		if rk.Title == "" {
			continue
		}
		recs := rk.Recommendations[:0]
		for _, rec := range rk.Recommendations {
			rec.PromptTitle = strings.TrimSpace(rec.PromptTitle)
			rec.Prompt = strings.TrimSpace(rec.Prompt)
			if rec.Prompt != "" {
				recs = append(recs, rec)
			}
		}
		rk.Recommendations = recs
		risks = append(risks, rk)
	}
	r.Risks = risks

	highlights := r.Highlights[:0]
	for _, h := range r.Highlights {
		h.Icon = strings.TrimSpace(h.Icon)
		h.Title = strings.TrimSpace(h.Title)
		h.Details = strings.TrimSpace(h.Details)
		if h.Title != "" {
			highlights = append(highlights, h)
		}
	}
	r.Highlights = highlights
}

func (p *PropertyDetails) fields() []*FlexString {
	return []*FlexString{
		&p.Address, &p.Price, &p.Udbetaling, &p.PricePerM2, &p.Size, &p.Rooms, &p.Floor,
		&p.BoligType, &p.Ejerform, &p.EnergiMaerke, &p.Byggeaar, &p.Renoveringsaar,
		&p.MaanedligeUdgift,
	}
}

// MergeResults combines results in order: the first non-empty value of each
// field wins and later results only fill gaps. Nil entries are skipped.
func MergeResults(results ...*AnalysisResult) *AnalysisResult {
	out := &AnalysisResult{}
	for _, r := range results {
		if r == nil {
			continue
		}
		if out.Summary == "" {
			out.Summary = r.Summary
		}
		if r.Property != nil {
			if out.Property == nil {
				out.Property = &PropertyDetails{}
			}
			dst, src := out.Property.fields(), r.Property.fields()
			for i := range dst {
				if *dst[i] == "" {
					*dst[i] = *src[i]
				}
			}
		}
		if len(out.Risks) == 0 {
			out.Risks = r.Risks
		}
		if len(out.Highlights) == 0 {
			out.Highlights = r.Highlights
		}
	}
	return out
}
