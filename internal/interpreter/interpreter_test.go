package interpreter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comigor/weathergpt-go/internal/chat"
	"github.com/comigor/weathergpt-go/internal/units"
)

const reply = "It's mild in Tokyo today.\n\n" +
	"```json_weather\n" +
	`{"location": "Tokyo", "current": {"temperature": 20, "windSpeed": 16.09}, "daily": [{"time": "Mon", "temperature": 25}]}` +
	"\n```"

func TestInterpret_Imperial(t *testing.T) {
	p := Interpret(reply, units.Imperial)

	require.Equal(t, "It's mild in Tokyo today.", p.Text)
	require.Equal(t, "Tokyo", p.Location)
	require.InDelta(t, 68.0, *p.Current.Temperature, 0.001)
	require.InDelta(t, 10.0, *p.Current.WindSpeed, 0.01)
	require.Nil(t, p.Current.Pressure)
	require.Equal(t, units.Imperial, p.Units)
	require.False(t, p.ContainsPlan)
	require.True(t, p.HasWeather())
}

func TestInterpret_NoPayload(t *testing.T) {
	p := Interpret("Just chatting.", units.Metric)

	require.Equal(t, "Just chatting.", p.Text)
	require.False(t, p.HasWeather())
	require.Nil(t, p.Current)
	require.Nil(t, p.Image)
	require.Nil(t, p.Video)
	require.Empty(t, p.Diagrams)
}

func TestInterpret_ContainsPlan(t *testing.T) {
	cases := map[string]bool{
		"## Packing list\nUmbrella":   true,
		"Bring:\n- umbrella\n- boots": true,
		"Steps:\n1. Leave early":      true,
		"  * indented bullet":         true,
		"No structure at all.":        false,
		"#hashtag is not a heading":   false,
		"Temperature is -5 today":     false,
	}
	for text, want := range cases {
		require.Equal(t, want, Interpret(text, units.Metric).ContainsPlan, text)
	}
}

func TestApply(t *testing.T) {
	p := Interpret(reply+"\n```json_image\n{\"prompt\": \"sunny Tokyo\"}\n```", units.Metric)
	m := chat.Message{ID: "a1", Content: "raw streamed text", IsStreaming: true}

	p.Apply(&m)

	require.False(t, m.IsStreaming)
	require.Equal(t, "It's mild in Tokyo today.", m.Content)
	require.Equal(t, "Tokyo", m.Location)
	require.InDelta(t, 20.0, *m.Current.Temperature, 0.001)
	require.Equal(t, units.Metric, m.Units)
	require.Equal(t, "sunny Tokyo", m.ImageRequest.Prompt)
	require.Equal(t, "1:1", m.ImageRequest.AspectRatio)
	require.Nil(t, m.VideoRequest)
}
