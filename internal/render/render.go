// Package render turns finalized assistant messages back into Markdown and
// renders it for terminals.
package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/comigor/weathergpt-go/internal/chat"
	"github.com/comigor/weathergpt-go/internal/parser"
	"github.com/comigor/weathergpt-go/internal/units"
	"github.com/comigor/weathergpt-go/internal/weather"
)

// Markdown re-assembles m: diagrams go back where their placeholders are,
// followed by the weather summary, the given alerts, insights, media status
// and sources. alerts is passed separately so callers can filter dismissed
// ones.
func Markdown(m chat.Message, alerts []weather.Alert) string {
	var b strings.Builder

	content := m.Content
	for i, d := range m.Diagrams {
		content = strings.Replace(content, parser.DiagramPlaceholder(i), "```mermaid\n"+d+"\n```", 1)
	}
	b.WriteString(strings.TrimSpace(content))

	if m.Current != nil || m.Location != "" {
		section(&b, weatherSummary(m))
	}
	if len(alerts) > 0 {
		var lines []string
		for _, a := range alerts {
			lines = append(lines, fmt.Sprintf("> **%s: %s**  \n> %s", a.Severity, a.Title, a.Description))
		}
		section(&b, strings.Join(lines, "\n>\n"))
	}
	if len(m.Insights) > 0 {
		section(&b, "**Insights**\n"+bullets(m.Insights))
	}
	if s := mediaStatus("Image", m.ImageResult); s != "" {
		section(&b, s)
	}
	if m.VideoResult != nil {
		section(&b, videoStatus(m.VideoResult))
	}
	if len(m.Citations) > 0 {
		var lines []string
		for i, c := range m.Citations {
			title := c.Title
			if title == "" {
				title = c.URI
			}
			lines = append(lines, fmt.Sprintf("%d. [%s](%s)", i+1, title, c.URI))
		}
		section(&b, "**Sources**\n"+strings.Join(lines, "\n"))
	}
	return b.String()
}

func section(b *strings.Builder, s string) {
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(s)
}

func bullets(items []string) string {
	var lines []string
	for _, it := range items {
		lines = append(lines, "- "+it)
	}
	return strings.Join(lines, "\n")
}

func weatherSummary(m chat.Message) string {
	tempUnit, speedUnit := "°C", "km/h"
	if m.Units == units.Imperial {
		tempUnit, speedUnit = "°F", "mph"
	}

	heading := "### Current conditions"
	if m.Location != "" {
		heading = "### Weather in " + m.Location
	}
	c := m.Current
	if c == nil {
		return heading
	}

	var lines []string
	if c.Temperature != nil {
		line := fmt.Sprintf("Temperature: %.0f%s", *c.Temperature, tempUnit)
		if c.FeelsLike != nil {
			line += fmt.Sprintf(" (feels like %.0f%s)", *c.FeelsLike, tempUnit)
		}
		lines = append(lines, line)
	}
	if c.Condition != "" {
		lines = append(lines, "Condition: "+c.Condition)
	}
	if c.Humidity != nil {
		lines = append(lines, fmt.Sprintf("Humidity: %.0f%%", *c.Humidity))
	}
	if c.WindSpeed != nil {
		line := fmt.Sprintf("Wind: %.0f %s", *c.WindSpeed, speedUnit)
		if c.WindDirection != "" {
			line += " " + c.WindDirection
		}
		lines = append(lines, line)
	}
	if c.Sunrise != "" && c.Sunset != "" {
		lines = append(lines, fmt.Sprintf("Sun: %s to %s", c.Sunrise, c.Sunset))
	}

	out := heading
	if len(lines) > 0 {
		out += "\n" + bullets(lines)
	}
	if c.Summary != "" {
		out += "\n\n" + c.Summary
	}
	return out
}

func mediaStatus(kind string, r *chat.ImageResult) string {
	if r == nil {
		return ""
	}
	switch r.Status {
	case chat.StatusGenerating:
		return fmt.Sprintf("_%s: generating…_", kind)
	case chat.StatusDone:
		if strings.HasPrefix(r.URL, "data:") {
			return fmt.Sprintf("_%s ready._", kind)
		}
		return fmt.Sprintf("![%s](%s)", r.Prompt, r.URL)
	default:
		return fmt.Sprintf("_%s failed: %s_", kind, r.Error)
	}
}

func videoStatus(r *chat.VideoResult) string {
	switch r.Status {
	case chat.StatusGenerating:
		return fmt.Sprintf("_Video: generating (%d%%)…_", r.Progress)
	case chat.StatusDone:
		return fmt.Sprintf("[Video](%s)", r.URI)
	default:
		return "_" + r.Error + "_"
	}
}

// Renderer renders Markdown for a terminal.
type Renderer struct {
	tr *glamour.TermRenderer
}

// New creates a renderer wrapping at width. An empty style picks one from
// the terminal background.
func New(width int, style string) (*Renderer, error) {
	styleOpt := glamour.WithAutoStyle()
	if style != "" {
		styleOpt = glamour.WithStandardStyle(style)
	}
	tr, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(width))
	if err != nil {
		return nil, fmt.Errorf("markdown renderer: %w", err)
	}
	return &Renderer{tr: tr}, nil
}

// Render returns md formatted for the terminal, or md unchanged if
// rendering fails.
func (r *Renderer) Render(md string) string {
	if r == nil || r.tr == nil {
		return md
	}
	out, err := r.tr.Render(md)
	if err != nil {
		return md
	}
	return out
}
