// Package units converts weather payloads from the canonical metric form the
// model reports in to the user's display system.
package units

import "github.com/comigor/weathergpt-go/internal/weather"

// System is a display unit system.
type System string

const (
	Metric   System = "metric"
	Imperial System = "imperial"
)

// Parse maps a free-form setting to a System, defaulting to Metric.
func Parse(s string) System {
	if System(s) == Imperial {
		return Imperial
	}
	return Metric
}

func ToFahrenheit(c float64) float64 { return c*9/5 + 32 }
func ToMph(kph float64) float64      { return kph / 1.609 }
func ToMiles(km float64) float64     { return km / 1.609 }
func ToInHg(hpa float64) float64     { return hpa / 33.864 }

// Convert returns a copy of r expressed in sys. The input is not modified.
// Fields absent from r stay absent.
func Convert(r *weather.Report, sys System) *weather.Report {
	if r == nil {
		return nil
	}
	out := *r
	out.Alerts = append([]weather.Alert(nil), r.Alerts...)
	out.Insights = append([]string(nil), r.Insights...)
	if r.Current != nil {
		c := *r.Current
		out.Current = &c
	}
	out.Hourly = append([]weather.DataPoint(nil), r.Hourly...)
	out.Daily = append([]weather.DataPoint(nil), r.Daily...)

	if sys != Imperial {
		return &out
	}

	if c := out.Current; c != nil {
		c.Temperature = apply(c.Temperature, ToFahrenheit)
		c.FeelsLike = apply(c.FeelsLike, ToFahrenheit)
		c.HistoricalAvg = apply(c.HistoricalAvg, ToFahrenheit)
		c.DewPoint = apply(c.DewPoint, ToFahrenheit)
		c.WindSpeed = apply(c.WindSpeed, ToMph)
		c.Visibility = apply(c.Visibility, ToMiles)
		c.Pressure = apply(c.Pressure, ToInHg)
	}
	convertPoints(out.Hourly)
	convertPoints(out.Daily)
	return &out
}

func convertPoints(points []weather.DataPoint) {
	for i := range points {
		p := &points[i]
		p.Temperature = apply(p.Temperature, ToFahrenheit)
		p.FeelsLike = apply(p.FeelsLike, ToFahrenheit)
		p.HistoricalAvgTemp = apply(p.HistoricalAvgTemp, ToFahrenheit)
		p.DewPoint = apply(p.DewPoint, ToFahrenheit)
		p.WindSpeed = apply(p.WindSpeed, ToMph)
		p.Visibility = apply(p.Visibility, ToMiles)
		p.Pressure = apply(p.Pressure, ToInHg)
	}
}

func apply(v *float64, fn func(float64) float64) *float64 {
	if v == nil {
		return nil
	}
	out := fn(*v)
	return &out
}
