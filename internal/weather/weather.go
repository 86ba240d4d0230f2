// Package weather holds the typed weather payload extracted from model
// replies. Every numeric field is optional: a nil pointer means the model did
// not report it, and nothing downstream may invent a value for it.
package weather

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Severity of a weather alert.
type Severity string

const (
	SeverityWarning   Severity = "Warning"
	SeverityAdvisory  Severity = "Advisory"
	SeverityWatch     Severity = "Watch"
	SeverityStatement Severity = "Statement"
)

// PrecipitationType of a forecast point.
type PrecipitationType string

const (
	PrecipitationRain  PrecipitationType = "rain"
	PrecipitationSnow  PrecipitationType = "snow"
	PrecipitationSleet PrecipitationType = "sleet"
	PrecipitationNone  PrecipitationType = "none"
)

// Current is the snapshot of present conditions.
type Current struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	FeelsLike     *float64 `json:"feelsLike,omitempty"`
	Condition     string   `json:"condition,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	Sunrise       string   `json:"sunrise,omitempty"`
	Sunset        string   `json:"sunset,omitempty"`
	HistoricalAvg *float64 `json:"historicalAvg,omitempty"`
	Pressure      *float64 `json:"pressure,omitempty"`
	Humidity      *float64 `json:"humidity,omitempty"`
	WindSpeed     *float64 `json:"windSpeed,omitempty"`
	WindDirection string   `json:"windDirection,omitempty"`
	UVIndex       *float64 `json:"uvIndex,omitempty"`
	Visibility    *float64 `json:"visibility,omitempty"`
	AQI           *float64 `json:"aqi,omitempty"`
	Pollen        *float64 `json:"pollen,omitempty"`
	DewPoint      *float64 `json:"dewPoint,omitempty"`
	CloudCover    *float64 `json:"cloudCover,omitempty"`
}

// DataPoint is one entry of an hourly or daily series.
type DataPoint struct {
	Time              string            `json:"time"`
	Temperature       *float64          `json:"temperature,omitempty"`
	FeelsLike         *float64          `json:"feelsLike,omitempty"`
	Precipitation     *float64          `json:"precipitation,omitempty"`
	PrecipitationType PrecipitationType `json:"precipitationType,omitempty"`
	Humidity          *float64          `json:"humidity,omitempty"`
	WindSpeed         *float64          `json:"windSpeed,omitempty"`
	WindDirection     string            `json:"windDirection,omitempty"`
	UVIndex           *float64          `json:"uvIndex,omitempty"`
	AQI               *float64          `json:"aqi,omitempty"`
	Pollen            *float64          `json:"pollen,omitempty"`
	Visibility        *float64          `json:"visibility,omitempty"`
	DewPoint          *float64          `json:"dewPoint,omitempty"`
	Pressure          *float64          `json:"pressure,omitempty"`
	CloudCover        *float64          `json:"cloudCover,omitempty"`
	HistoricalAvgTemp *float64          `json:"historicalAvgTemp,omitempty"`
	Confidence        *float64          `json:"confidence,omitempty"`
}

// Alert is a weather advisory.
type Alert struct {
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
}

// Report is the full json_weather payload.
type Report struct {
	Location string      `json:"location,omitempty"`
	Current  *Current    `json:"current,omitempty"`
	Hourly   []DataPoint `json:"hourly,omitempty"`
	Daily    []DataPoint `json:"daily,omitempty"`
	Alerts   []Alert     `json:"alerts,omitempty"`
	Insights []string    `json:"insights,omitempty"`
}

// ErrEmptyReport is returned when a payload decodes but carries nothing usable.
var ErrEmptyReport = errors.New("weather payload has no usable fields")

// Decode parses and validates a json_weather payload. Unknown severities fall
// back to Statement, unknown precipitation types are dropped, blank insights
// and untitled alerts are discarded.
func Decode(raw string) (*Report, error) {
	var r Report
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decode weather payload: %w", err)
	}
	r.Location = strings.TrimSpace(r.Location)

	alerts := r.Alerts[:0]
	for _, a := range r.Alerts {
		if strings.TrimSpace(a.Title) == "" {
			continue
		}
		switch a.Severity {
		case SeverityWarning, SeverityAdvisory, SeverityWatch, SeverityStatement:
		default:
			a.Severity = SeverityStatement
		}
		alerts = append(alerts, a)
	}
	r.Alerts = nilIfEmpty(alerts)

	insights := r.Insights[:0]
	for _, in := range r.Insights {
		if in = strings.TrimSpace(in); in != "" {
			insights = append(insights, in)
		}
	}
	r.Insights = nilIfEmpty(insights)

	r.Hourly = cleanPoints(r.Hourly)
	r.Daily = cleanPoints(r.Daily)

	if r.Location == "" && r.Current == nil && r.Hourly == nil && r.Daily == nil && r.Alerts == nil && r.Insights == nil {
		return nil, ErrEmptyReport
	}
	return &r, nil
}

func cleanPoints(points []DataPoint) []DataPoint {
	for i := range points {
		switch points[i].PrecipitationType {
		case "", PrecipitationRain, PrecipitationSnow, PrecipitationSleet, PrecipitationNone:
		default:
			points[i].PrecipitationType = ""
		}
	}
	return nilIfEmpty(points)
}

func nilIfEmpty[T any](s []T) []T {
	if len(s) == 0 {
		return nil
	}
	return s
}
