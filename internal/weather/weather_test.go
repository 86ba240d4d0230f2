package weather

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode_Valid(t *testing.T) {
	r, err := Decode(`{
		"location": " Tokyo, Japan ",
		"current": {"temperature": 21.5, "condition": "Cloudy"},
		"hourly": [{"time": "1 PM", "temperature": 22, "precipitationType": "hail"}],
		"alerts": [
			{"severity": "Warning", "title": "Heat", "description": "Hot"},
			{"severity": "Emergency", "title": "Wind", "description": "Windy"},
			{"severity": "Watch", "title": "  ", "description": "untitled"}
		],
		"insights": ["Bring water", " "]
	}`)
	require.NoError(t, err)
	require.Equal(t, "Tokyo, Japan", r.Location)
	require.InDelta(t, 21.5, *r.Current.Temperature, 0.0001)
	require.Nil(t, r.Current.Pressure)
	require.Equal(t, PrecipitationType(""), r.Hourly[0].PrecipitationType)
	require.Len(t, r.Alerts, 2)
	require.Equal(t, SeverityStatement, r.Alerts[1].Severity)
	require.Equal(t, []string{"Bring water"}, r.Insights)
	require.Nil(t, r.Daily)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode(`{"location": "Paris",`)
	require.Error(t, err)
}

func TestDecode_Empty(t *testing.T) {
	_, err := Decode(`{}`)
	require.True(t, errors.Is(err, ErrEmptyReport))
}
