// Package render formats explanations for operators and machines.
//
// Rendering is a pure mapping of an Explanation: it never adds claims. The
// optional use-case context is configuration and is printed as a header
// outside the cited narrative.
package render

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/kubilitics/kubilitics-explain/internal/models"
	"github.com/kubilitics/kubilitics-explain/pkg/types"
)

// Format is an output format.
type Format string

const (
	FormatJSON     Format = "json"
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatTerminal Format = "terminal"
)

// ParseFormat maps a user-supplied name to a Format. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "text", "txt", "plain":
		return FormatText, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "terminal", "term", "tty":
		return FormatTerminal, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want json, text, markdown or terminal)", s)
	}
}

// ContentType returns the HTTP content type of a format.
func ContentType(f Format) string {
	switch f {
	case FormatText, FormatTerminal:
		return "text/plain; charset=utf-8"
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	default:
		return "application/json"
	}
}

// Options configures a Renderer.
type Options struct {
	UseCaseContext string
	// Style is the glamour style for terminal output ("auto", "dark",
	// "light", "notty", ...). Empty means auto.
	Style    string
	WordWrap int
}

// Renderer renders explanations in every supported format.
type Renderer struct {
	opts Options
}

// New creates a Renderer.
func New(opts Options) *Renderer {
	if opts.WordWrap <= 0 {
		opts.WordWrap = 100
	}
	return &Renderer{opts: opts}
}

// Render formats exp.
func (r *Renderer) Render(exp *models.Explanation, f Format) ([]byte, error) {
	switch f {
	case FormatJSON, "":
		return json.MarshalIndent(r.Record(exp), "", "  ")
	case FormatText:
		return []byte(r.Text(exp)), nil
	case FormatMarkdown:
		return []byte(r.Markdown(exp)), nil
	case FormatTerminal:
		out, err := r.Terminal(exp)
		return []byte(out), err
	default:
		return nil, fmt.Errorf("unknown output format %q", f)
	}
}

// Record maps exp to its wire record.
func (r *Renderer) Record(exp *models.Explanation) types.ExplanationRecord {
	rec := types.ExplanationRecord{
		Fingerprint:    exp.Fingerprint,
		EventID:        exp.EventID,
		Intent:         exp.Intent,
		UseCaseContext: r.opts.UseCaseContext,
		ChosenOptionID: exp.ChosenOptionID,
		RunnerUpID:     exp.RunnerUpID,
		Margin:         exp.Margin,
		Confidence:     exp.Confidence,
		Uncontested:    exp.Uncontested,
		Narrative:      exp.Narrative,
		Sentences:      make([]types.SentenceRecord, 0, len(exp.Sentences)),
		Evidence:       make([]types.EvidenceRecord, 0, len(exp.Evidence)),
		GeneratedAt:    exp.GeneratedAt.UTC().Format(time.RFC3339),
	}
	for _, s := range exp.Sentences {
		cites := make([]string, len(s.Citations))
		copy(cites, s.Citations)
		rec.Sentences = append(rec.Sentences, types.SentenceRecord{Text: s.Text, Citations: cites})
	}
	for _, e := range exp.Evidence {
		rec.Evidence = append(rec.Evidence, types.EvidenceRecord{
			ID:           e.ID,
			Kind:         e.Kind,
			Factor:       e.Factor,
			Contribution: e.Contribution,
			Share:        e.Share,
			Bucket:       e.Bucket,
			Direction:    e.Direction,
			ContextValue: e.ContextValue,
			Resolved:     e.Resolved,
			Source:       e.Source,
		})
	}
	return rec
}

// Text renders exp as plain text.
func (r *Renderer) Text(exp *models.Explanation) string {
	var sb strings.Builder

	if r.opts.UseCaseContext != "" {
		fmt.Fprintf(&sb, "Context: %s\n\n", r.opts.UseCaseContext)
	}

	title := "EXPLANATION " + exp.EventID
	sb.WriteString(title + "\n")
	sb.WriteString(strings.Repeat("─", len([]rune(title))) + "\n")

	tw := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	if exp.Intent != "" {
		fmt.Fprintf(tw, "Intent:\t%s\n", exp.Intent)
	}
	fmt.Fprintf(tw, "Chosen:\t%s\n", exp.ChosenOptionID)
	if exp.Uncontested {
		fmt.Fprintf(tw, "Runner-up:\t(uncontested)\n")
	} else {
		fmt.Fprintf(tw, "Runner-up:\t%s\n", exp.RunnerUpID)
		fmt.Fprintf(tw, "Margin:\t%s\n", number(exp.Margin))
	}
	fmt.Fprintf(tw, "Confidence:\t%.2f\n", exp.Confidence)
	fmt.Fprintf(tw, "Fingerprint:\t%s\n", exp.Fingerprint)
	_ = tw.Flush()

	sb.WriteString("\n")
	for _, s := range exp.Sentences {
		sb.WriteString(s.Text)
		if len(s.Citations) > 0 {
			fmt.Fprintf(&sb, " [%s]", strings.Join(s.Citations, ", "))
		}
		sb.WriteString("\n")
	}

	if len(exp.Evidence) > 0 {
		sb.WriteString("\nEVIDENCE\n")
		tw = tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCONTRIBUTION\tSHARE\tBUCKET\tDIRECTION\tCONTEXT\tSOURCE")
		for _, e := range exp.Evidence {
			fmt.Fprintln(tw, strings.Join(evidenceRow(e), "\t"))
		}
		_ = tw.Flush()
	}
	return sb.String()
}

// Markdown renders exp as a Markdown document.
func (r *Renderer) Markdown(exp *models.Explanation) string {
	var sb strings.Builder

	if r.opts.UseCaseContext != "" {
		fmt.Fprintf(&sb, "> %s\n\n", r.opts.UseCaseContext)
	}

	fmt.Fprintf(&sb, "# Explanation for `%s`\n\n", exp.EventID)
	if exp.Intent != "" {
		fmt.Fprintf(&sb, "- **Intent:** %s\n", exp.Intent)
	}
	fmt.Fprintf(&sb, "- **Chosen:** `%s`\n", exp.ChosenOptionID)
	if exp.Uncontested {
		sb.WriteString("- **Runner-up:** none (uncontested)\n")
	} else {
		fmt.Fprintf(&sb, "- **Runner-up:** `%s`\n", exp.RunnerUpID)
		fmt.Fprintf(&sb, "- **Margin:** %s\n", number(exp.Margin))
	}
	fmt.Fprintf(&sb, "- **Confidence:** %.2f\n", exp.Confidence)
	fmt.Fprintf(&sb, "- **Fingerprint:** `%s`\n\n", exp.Fingerprint)

	sb.WriteString("## Narrative\n\n")
	for _, s := range exp.Sentences {
		sb.WriteString("- " + s.Text)
		if len(s.Citations) > 0 {
			cites := make([]string, len(s.Citations))
			for i, c := range s.Citations {
				cites[i] = "`" + c + "`"
			}
			sb.WriteString(" " + strings.Join(cites, " "))
		}
		sb.WriteString("\n")
	}

	if len(exp.Evidence) > 0 {
		sb.WriteString("\n## Evidence\n\n")
		sb.WriteString("| ID | Contribution | Share | Bucket | Direction | Context | Source |\n")
		sb.WriteString("|----|--------------|-------|--------|-----------|---------|--------|\n")
		for _, e := range exp.Evidence {
			row := evidenceRow(e)
			row[0] = "`" + row[0] + "`"
			sb.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
	}
	return sb.String()
}

// Terminal renders the Markdown form with glamour. If glamour fails the
// Markdown source is returned unchanged.
func (r *Renderer) Terminal(exp *models.Explanation) (string, error) {
	return r.TerminalMarkdown(r.Markdown(exp))
}

// TerminalMarkdown styles already rendered Markdown for a terminal.
func (r *Renderer) TerminalMarkdown(md string) (out string, err error) {
	styleOpt := glamour.WithAutoStyle()
	if r.opts.Style != "" && r.opts.Style != "auto" {
		styleOpt = glamour.WithStylePath(r.opts.Style)
	}
	tr, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(r.opts.WordWrap))
	if err != nil {
		return md, fmt.Errorf("terminal renderer: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			out, err = md, fmt.Errorf("terminal renderer panicked: %v", p)
		}
	}()
	return tr.Render(md)
}

func evidenceRow(e models.EvidenceRef) []string {
	row := []string{e.ID, "-", "-", "-", "-", "-", "-"}
	if e.Kind == models.EvidenceAttribution {
		row[1] = signedNumber(e.Contribution)
		row[2] = fmt.Sprintf("%.0f%%", e.Share*100)
		row[3] = e.Bucket
		if row[3] == "" {
			row[3] = "unverified"
		}
		row[4] = e.Direction
	}
	switch {
	case !e.Resolved:
		row[5] = "unresolved"
	case e.Kind == models.EvidenceContext || e.Source != "":
		row[5] = number(e.ContextValue)
	}
	if e.Source != "" {
		row[6] = e.Source
	}
	return row
}

func number(v float64) string {
	return fmt.Sprintf("%.6g", v)
}

func signedNumber(v float64) string {
	if v > 0 {
		return "+" + number(v)
	}
	return number(v)
}
