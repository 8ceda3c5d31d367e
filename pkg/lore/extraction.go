package lore

// Candidate is one entity mention produced by the extractor. For plot
// points Name carries the title.
type Candidate struct {
	Name        string
	Description string
}

// Extraction is the structured result of one extraction call, grouped by
// entity kind. A zero Extraction is valid and means nothing was mentioned.
type Extraction struct {
	Characters []Candidate
	Places     []Candidate
	PlotPoints []Candidate
}

// ByKind returns the candidates extracted for kind.
func (e Extraction) ByKind(kind Kind) []Candidate {
	switch kind {
	case KindCharacter:
		return e.Characters
	case KindPlace:
		return e.Places
	case KindPlotPoint:
		return e.PlotPoints
	}
	return nil
}

// Len reports the total number of candidates across all kinds.
func (e Extraction) Len() int {
	return len(e.Characters) + len(e.Places) + len(e.PlotPoints)
}
