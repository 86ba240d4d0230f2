package parser

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const tokyo = "Here is the forecast for Tokyo.\n\n" +
	"```json_weather\n" +
	`{"location": "Tokyo", "current": {"temperature": 20, "condition": "Sunny"}}` +
	"\n```\n\nEnjoy the sun!"

func TestParse_WeatherFenceRemoved(t *testing.T) {
	res := Parse(tokyo)

	require.Equal(t, "Here is the forecast for Tokyo.\n\nEnjoy the sun!", res.Prose)
	require.NotNil(t, res.Weather)
	require.Equal(t, "Tokyo", res.Weather.Location)
	require.InDelta(t, 20.0, *res.Weather.Current.Temperature, 0.001)
	require.NotContains(t, res.Prose, "```")
}

func TestParse_Idempotent(t *testing.T) {
	inputs := []string{
		tokyo,
		"See https://example.com/radar/tokyo for live radar.",
		"Plain text with a ```go\nfmt.Println(\"x\")\n``` block.",
		"```mermaid\ngraph TD; A-->B\n```\nand\n```mermaid\ngraph LR; C-->D\n```",
		"Already linked [View Local Weather Radar](https://example.com/radar)",
		"```json_weather\n{broken\n```\ntext",
	}
	for _, in := range inputs {
		once := Parse(in).Prose
		require.Equal(t, once, Parse(once).Prose, "input: %q", in)
	}
}

func TestParse_DiagramsInOrder(t *testing.T) {
	in := "Start\n```mermaid\ngraph TD; A-->B\n```\nmiddle\n```mermaid\n  graph LR; C-->D  \n```\nend\n```mermaid\npie\n```"
	res := Parse(in)

	require.Equal(t, []string{"graph TD; A-->B", "graph LR; C-->D", "pie"}, res.Diagrams)
	require.Equal(t, "Start\n[DIAGRAM_PLACEHOLDER_0]\nmiddle\n[DIAGRAM_PLACEHOLDER_1]\nend\n[DIAGRAM_PLACEHOLDER_2]", res.Prose)
}

func TestParse_MalformedWeather(t *testing.T) {
	res := Parse("Before\n```json_weather\n{\"location\": \"Paris\",\n```\nAfter")

	require.Nil(t, res.Weather)
	require.NotContains(t, res.Prose, "```")
	require.NotContains(t, res.Prose, "json_weather")
	require.Equal(t, "Before\n\nAfter", res.Prose)
}

func TestParse_UnknownFenceUntouched(t *testing.T) {
	code := "```go\n// ```json_weather is not a real fence here\nx := 1\n```"
	res := Parse("Try this:\n" + code)

	require.Nil(t, res.Weather)
	require.Equal(t, "Try this:\n"+code, res.Prose)
}

func TestParse_UnclosedSentinelUntouched(t *testing.T) {
	in := "Partial\n```json_weather\n{\"location\": \"Oslo\"}"
	res := Parse(in)

	require.Nil(t, res.Weather)
	require.Equal(t, in, res.Prose)
}

func TestParse_DuplicateWeatherStripped(t *testing.T) {
	in := "```json_weather\n{\"location\": \"Paris\"}\n```\nText\n```json_weather\n{\"location\": \"Rome\"}\n```"
	res := Parse(in)

	require.Equal(t, "Paris", res.Weather.Location)
	require.Equal(t, "Text", res.Prose)
}

func TestParse_ImageAndVideo(t *testing.T) {
	in := "Sure!\n```json_image\n{\"prompt\": \"a rainy street\", \"aspectRatio\": \"21:9\"}\n```\n" +
		"```json_video\n{\"prompt\": \"clouds rolling\", \"aspectRatio\": \"9:16\"}\n```"
	res := Parse(in)

	require.Equal(t, "Sure!", res.Prose)
	require.Equal(t, "a rainy street", res.Image.Prompt)
	require.Equal(t, "1:1", res.Image.AspectRatio)
	require.Equal(t, "clouds rolling", res.Video.Prompt)
	require.Equal(t, "9:16", res.Video.AspectRatio)

	res = Parse("```json_video\n{\"prompt\": \"  \"}\n```")
	require.Nil(t, res.Video)
	require.Empty(t, res.Prose)
}

func TestParse_RadarLinks(t *testing.T) {
	res := Parse("Check https://radar.weather.gov/station/KOKX now. Also https://example.com/maps.")

	require.Contains(t, res.Prose, "[View Local Weather Radar](https://radar.weather.gov/station/KOKX)")
	require.Contains(t, res.Prose, "https://example.com/maps.")
	require.Equal(t, 1, strings.Count(res.Prose, "View Local Weather Radar"))
}

func TestParse_InputNotMutated(t *testing.T) {
	in := tokyo
	_ = Parse(in)
	require.Equal(t, tokyo, in)
}

func TestParse_FenceClosedOnPayloadLine(t *testing.T) {
	in := "Tokyo today:\n```json_weather\n{\"location\":\"Tokyo\",\"current\":{\"temperature\":18}}```\n" +
		"Bring an umbrella this afternoon.\n\n```mermaid\ngraph TD\nA-->B\n```\nThat's all."
	res := Parse(in)

	require.NotNil(t, res.Weather)
	require.Equal(t, "Tokyo", res.Weather.Location)
	require.Equal(t, []string{"graph TD\nA-->B"}, res.Diagrams)
	require.Equal(t, "Tokyo today:\n\nBring an umbrella this afternoon.\n\n[DIAGRAM_PLACEHOLDER_0]\nThat's all.", res.Prose)
}

func TestParse_InlineFences(t *testing.T) {
	res := Parse("A ```json_image{\"prompt\":\"fog\"}``` B ```mermaid pie``` C")

	require.Equal(t, "fog", res.Image.Prompt)
	require.Equal(t, []string{"pie"}, res.Diagrams)
	require.Equal(t, "A  B [DIAGRAM_PLACEHOLDER_0] C", res.Prose)
}

func TestParse_RadarURLStopsAtFence(t *testing.T) {
	res := Parse("Live: https://a.com/radar```mermaid\ngraph TD\n``` done")

	require.Equal(t, []string{"graph TD"}, res.Diagrams)
	require.Contains(t, res.Prose, "[View Local Weather Radar](https://a.com/radar)")
	require.Contains(t, res.Prose, "[DIAGRAM_PLACEHOLDER_0] done")
}

func TestParse_RadarInsideCodeFenceUntouched(t *testing.T) {
	code := "```text\nhttps://a.com/radar ```\n```"
	res := Parse(code)
	require.Equal(t, code, res.Prose)
}

func TestParse_IdempotentOnRandomInput(t *testing.T) {
	tokens := []string{
		"```", "```json_weather", "```json_image", "```json_video", "```mermaid", "```go", "```json_weatherX",
		"`", "``", "\n", " ", "\n\n\n", "  ```",
		"https://a.com/radar", "http://radar.example/x", "](", "[", "<", "(", ")",
		"graph TD", "text", "[DIAGRAM_PLACEHOLDER_0]",
		`{"location":"Oslo"}`, `{"prompt":"rain"}`, "{",
	}
	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 20000; i++ {
		var b strings.Builder
		for n := 1 + rng.IntN(14); n > 0; n-- {
			b.WriteString(tokens[rng.IntN(len(tokens))])
		}
		in := b.String()

		once := Parse(in)
		twice := Parse(once.Prose)
		require.Equal(t, once.Prose, twice.Prose, "input: %q", in)
		require.Nil(t, twice.Weather, "input: %q", in)
		require.Nil(t, twice.Image, "input: %q", in)
		require.Nil(t, twice.Video, "input: %q", in)
		require.Empty(t, twice.Diagrams, "input: %q", in)
	}
}
