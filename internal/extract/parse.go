package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/MrWong99/loreweave/pkg/lore"
)

// payload is the JSON contract the oracle is asked to produce.
type payload struct {
	Characters []namedItem `json:"characters" validate:"dive"`
	Places     []namedItem `json:"places" validate:"dive"`
	PlotPoints []titleItem `json:"plot_points" validate:"dive"`
}

type namedItem struct {
	Name        string `json:"name" validate:"max=200"`
	Description string `json:"description" validate:"max=4000"`
}

type titleItem struct {
	Title       string `json:"title" validate:"max=200"`
	Description string `json:"description" validate:"max=4000"`
}

// errNoObject reports that the reply did not contain a JSON object at all.
var errNoObject = errors.New("no JSON object in reply")

// Parse decodes an oracle reply into an extraction.
//
// Code fences are stripped first, then the first balanced top-level object
// is cut out of whatever commentary surrounds it and decoded strictly:
// unknown fields, trailing data and wrong types are rejected. A reply without
// any object yields an empty extraction and [StatusEmpty]; a present but
// invalid object yields an error wrapping [ErrMalformedPayload].
func Parse(v *validator.Validate, reply string) (lore.Extraction, Status, error) {
	raw, err := locateObject(stripFences(reply))
	if errors.Is(err, errNoObject) {
		return lore.Extraction{}, StatusEmpty, nil
	}
	if err != nil {
		return lore.Extraction{}, StatusMalformed, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var p payload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return lore.Extraction{}, StatusMalformed, fmt.Errorf("%w: decode: %v", ErrMalformedPayload, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return lore.Extraction{}, StatusMalformed, fmt.Errorf("%w: trailing data after object", ErrMalformedPayload)
	}
	if err := v.Struct(p); err != nil {
		return lore.Extraction{}, StatusMalformed, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	ex := lore.Extraction{
		Characters: namedCandidates(p.Characters),
		Places:     namedCandidates(p.Places),
		PlotPoints: make([]lore.Candidate, 0, len(p.PlotPoints)),
	}
	for _, it := range p.PlotPoints {
		if c, ok := candidate(it.Title, it.Description); ok {
			ex.PlotPoints = append(ex.PlotPoints, c)
		}
	}
	return ex, StatusOK, nil
}

func namedCandidates(items []namedItem) []lore.Candidate {
	out := make([]lore.Candidate, 0, len(items))
	for _, it := range items {
		if c, ok := candidate(it.Name, it.Description); ok {
			out = append(out, c)
		}
	}
	return out
}

// candidate trims both fields and drops items without a name.
func candidate(name, description string) (lore.Candidate, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return lore.Candidate{}, false
	}
	return lore.Candidate{Name: name, Description: strings.TrimSpace(description)}, true
}

// fenceMarker matches a code fence with an optional json language tag.
var fenceMarker = regexp.MustCompile("(?i)```(?:json)?")

// stripFences removes code fence markers, including a json language tag, and
// stray backticks wherever they appear. Fences are removed as tokens, so a
// reply fenced on a single line keeps its object.
func stripFences(s string) string {
	s = fenceMarker.ReplaceAllString(s, "")
	return strings.TrimSpace(strings.ReplaceAll(s, "`", ""))
}

// locateObject returns the first balanced top-level JSON object in s. Braces
// inside string literals are ignored. An object that opens but never closes
// is reported as truncated rather than missing.
func locateObject(s string) ([]byte, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, errNoObject
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return []byte(s[start : i+1]), nil
			}
		}
	}
	return nil, errors.New("truncated JSON object")
}
