// Package phrase turns a plain-text lesson file into ordered bilingual and
// target-only phrase collections.
//
// The grammar is line based:
//
//	# comment            skipped
//	// comment           skipped
//	¿¿ ¿Qué tal?         target-only phrase
//	Hello / Hola         bilingual phrase, split on the first "/"
//
// Malformed lines are dropped with a Warning and never abort the parse.
package phrase

import (
	"encoding/json"
	"log/slog"
	"strings"
)

const (
	// TargetOnlyMarker prefixes lines that are spoken in the target language only.
	TargetOnlyMarker = "¿¿"
	// Separator splits the source text from the target text.
	Separator = "/"

	byteOrderMark = "\ufeff"
)

// Bilingual pairs a source-language phrase with its translation.
type Bilingual struct {
	ID     int    `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// TargetOnly is a phrase spoken in the target language without a pairing.
type TargetOnly struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

// SkipReason explains why a line produced no phrase.
type SkipReason string

const (
	ReasonNone            SkipReason = ""
	ReasonBlank           SkipReason = "blank"
	ReasonComment         SkipReason = "comment"
	ReasonEmptyMarker     SkipReason = "marker present but no text"
	ReasonMissingSep      SkipReason = "missing separator"
	ReasonMissingSideText SkipReason = "missing source or target text"
)

// Warns reports whether the reason should be surfaced to the lesson author.
func (r SkipReason) Warns() bool {
	switch r {
	case ReasonEmptyMarker, ReasonMissingSep, ReasonMissingSideText:
		return true
	}
	return false
}

// Kind tags the outcome of classifying one line.
type Kind int

const (
	KindSkipped Kind = iota
	KindBilingual
	KindTargetOnly
)

// Line is the classification of a single input line. Exactly one of the
// variants is meaningful, selected by Kind.
type Line struct {
	Kind   Kind
	Source string
	Target string
	Text   string
	Reason SkipReason
}

// Warning records a malformed line that was dropped.
type Warning struct {
	Line    int        `json:"line"`
	Content string     `json:"content"`
	Reason  SkipReason `json:"reason"`
}

// Result is the outcome of one Parse call.
type Result struct {
	Phrases    []Bilingual  `json:"phrases"`
	TargetOnly []TargetOnly `json:"target_only"`
	Warnings   []Warning    `json:"warnings,omitempty"`
}

// Empty reports whether no phrase survived parsing.
func (r Result) Empty() bool {
	return len(r.Phrases) == 0 && len(r.TargetOnly) == 0
}

// JSON renders the result as indented JSON with non-ASCII text kept verbatim.
func (r Result) JSON() ([]byte, error) {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// Classify applies the line guards in order. The input is expected to be a
// single line; surrounding whitespace is trimmed.
func Classify(raw string) Line {
	line := strings.TrimSpace(raw)
	switch {
	case line == "":
		return skipped(ReasonBlank)
	case strings.HasPrefix(line, "#"), strings.HasPrefix(line, "//"):
		return skipped(ReasonComment)
	}

	if rest, ok := strings.CutPrefix(line, TargetOnlyMarker); ok {
		text := strings.TrimSpace(rest)
		if text == "" {
			return skipped(ReasonEmptyMarker)
		}
		return Line{Kind: KindTargetOnly, Text: text}
	}

	source, target, found := strings.Cut(line, Separator)
	if !found {
		return skipped(ReasonMissingSep)
	}
	source = strings.TrimSpace(source)
	target = strings.TrimSpace(target)
	if source == "" || target == "" {
		return skipped(ReasonMissingSideText)
	}
	return Line{Kind: KindBilingual, Source: source, Target: target}
}

func skipped(reason SkipReason) Line {
	return Line{Kind: KindSkipped, Reason: reason}
}

// Parse classifies every line of rawText. It never fails; malformed lines are
// logged on log (when non-nil) and collected in Result.Warnings.
func Parse(rawText string, log *slog.Logger) Result {
	text := strings.TrimPrefix(rawText, byteOrderMark)
	result := Result{
		Phrases:    []Bilingual{},
		TargetOnly: []TargetOnly{},
	}

	for i, raw := range splitLines(text) {
		lineNo := i + 1
		line := Classify(raw)
		switch line.Kind {
		case KindTargetOnly:
			result.TargetOnly = append(result.TargetOnly, TargetOnly{
				ID:   len(result.TargetOnly) + 1,
				Text: line.Text,
			})
		case KindBilingual:
			result.Phrases = append(result.Phrases, Bilingual{
				ID:     len(result.Phrases) + 1,
				Source: line.Source,
				Target: line.Target,
			})
		default:
			if !line.Reason.Warns() {
				continue
			}
			w := Warning{Line: lineNo, Content: strings.TrimSpace(raw), Reason: line.Reason}
			result.Warnings = append(result.Warnings, w)
			if log != nil {
				log.Warn("skipping lesson line",
					slog.Int("line", w.Line),
					slog.String("content", w.Content),
					slog.String("reason", string(w.Reason)))
			}
		}
	}
	return result
}

// splitLines splits on \n, \r\n and lone \r.
func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.Split(text, "\n")
}
