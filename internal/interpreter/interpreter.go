// Package interpreter turns the full text of a finished model turn into the
// values the orchestrator stores on the assistant message.
package interpreter

import (
	"regexp"

	"github.com/comigor/weathergpt-go/internal/chat"
	"github.com/comigor/weathergpt-go/internal/parser"
	"github.com/comigor/weathergpt-go/internal/units"
	"github.com/comigor/weathergpt-go/internal/weather"
)

// Headings, bullets or numbered items at the start of a line.
var planPattern = regexp.MustCompile(`(?m)(^#{1,3}\s.*$)|(^\s*-\s)|(^\s*\*\s)|(^\s*\d+\.\s)`)

// ParsedTurn is immutable once produced. Fields are nil when the model did
// not emit the corresponding payload.
type ParsedTurn struct {
	Text         string
	Location     string
	Current      *weather.Current
	Hourly       []weather.DataPoint
	Daily        []weather.DataPoint
	Alerts       []weather.Alert
	Insights     []string
	Units        units.System
	Diagrams     []string
	Image        *chat.ImageRequest
	Video        *chat.VideoRequest
	ContainsPlan bool
}

// Interpret parses text once and converts any weather payload to sys.
func Interpret(text string, sys units.System) ParsedTurn {
	res := parser.Parse(text)
	out := ParsedTurn{
		Text:         res.Prose,
		Diagrams:     res.Diagrams,
		Image:        res.Image,
		Video:        res.Video,
		ContainsPlan: planPattern.MatchString(res.Prose),
	}
	if res.Weather != nil {
		r := units.Convert(res.Weather, sys)
		out.Location = r.Location
		out.Current = r.Current
		out.Hourly = r.Hourly
		out.Daily = r.Daily
		out.Alerts = r.Alerts
		out.Insights = r.Insights
		out.Units = sys
	}
	return out
}

// HasWeather reports whether a weather payload was present.
func (p ParsedTurn) HasWeather() bool {
	return p.Location != "" || p.Current != nil || len(p.Hourly) > 0 || len(p.Daily) > 0 ||
		len(p.Alerts) > 0 || len(p.Insights) > 0
}

// Apply writes the parsed values onto m and freezes its content.
func (p ParsedTurn) Apply(m *chat.Message) {
	m.Content = p.Text
	m.IsStreaming = false
	m.Location = p.Location
	m.Current = p.Current
	m.Hourly = p.Hourly
	m.Daily = p.Daily
	m.Alerts = p.Alerts
	m.Insights = p.Insights
	m.Diagrams = p.Diagrams
	m.ContainsPlan = p.ContainsPlan
	if p.HasWeather() {
		m.Units = p.Units
	}
	if p.Image != nil {
		req := *p.Image
		m.ImageRequest = &req
	}
	if p.Video != nil {
		req := *p.Video
		m.VideoRequest = &req
	}
}
