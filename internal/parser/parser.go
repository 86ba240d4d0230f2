// Package parser splits a completed model response into prose and the fenced
// payloads the model embeds in it.
//
// Recognised fences are ```json_weather, ```json_image, ```json_video and
// ```mermaid, each closed by the next ``` wherever it appears. Any other
// fence runs to the next ``` that starts a line and is copied through
// untouched, including its contents.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/comigor/weathergpt-go/internal/chat"
	"github.com/comigor/weathergpt-go/internal/logger"
	"github.com/comigor/weathergpt-go/internal/weather"
)

// Fence tags.
const (
	TagWeather = "json_weather"
	TagImage   = "json_image"
	TagVideo   = "json_video"
	TagDiagram = "mermaid"
)

const fence = "```"

var (
	imageAspects = map[string]bool{"1:1": true, "16:9": true, "9:16": true, "4:3": true, "3:4": true}
	videoAspects = map[string]bool{"16:9": true, "9:16": true}

	radarURL   = regexp.MustCompile("(?i)https?://[^\\s()<>\\[\\]`]*radar[^\\s()<>\\[\\]`]*")
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// Result is everything extracted from one response. Absent payloads are nil.
type Result struct {
	Prose    string
	Weather  *weather.Report
	Image    *chat.ImageRequest
	Video    *chat.VideoRequest
	Diagrams []string
}

// DiagramPlaceholder is the marker left in the prose where diagram n was.
func DiagramPlaceholder(n int) string {
	return fmt.Sprintf("[DIAGRAM_PLACEHOLDER_%d]", n)
}

type block struct {
	tag  string
	body string
}

// Parse extracts payloads from text. It never fails: a payload that does not
// decode is logged and left absent, while its fence is still removed.
// Parse(Parse(x).Prose).Prose == Parse(x).Prose.
func Parse(text string) Result {
	var (
		res   Result
		out   strings.Builder
		prose strings.Builder
		seen  = map[string]bool{}
	)
	// Radar links are rewritten in prose only, never inside a kept fence.
	flush := func(verbatim string) {
		out.WriteString(rewriteRadar(prose.String()))
		prose.Reset()
		out.WriteString(verbatim)
	}

	pos := 0
	for pos < len(text) {
		open := strings.Index(text[pos:], fence)
		if open < 0 {
			break
		}
		open += pos
		prose.WriteString(text[pos:open])

		tag, infoEnd := infoWord(text, open+len(fence))
		if !sentinel(tag) {
			closeAt := lineStartFence(text, infoEnd)
			if closeAt < 0 {
				// Unclosed: leave the remainder alone.
				flush(text[open:])
				pos = len(text)
				break
			}
			pos = closeAt + len(fence)
			flush(text[open:pos])
			continue
		}

		closeAt := strings.Index(text[infoEnd:], fence)
		if closeAt < 0 {
			flush(text[open:])
			pos = len(text)
			break
		}
		closeAt += infoEnd
		pos = closeAt + len(fence)
		b := block{tag: tag, body: text[infoEnd:closeAt]}

		if b.tag == TagDiagram {
			prose.WriteString(DiagramPlaceholder(len(res.Diagrams)))
			res.Diagrams = append(res.Diagrams, strings.TrimSpace(b.body))
			continue
		}
		if seen[b.tag] {
			continue
		}
		seen[b.tag] = true
		res.decode(b)
	}
	prose.WriteString(text[pos:])
	flush("")

	res.Prose = strings.TrimSpace(blankLines.ReplaceAllString(strings.TrimSpace(out.String()), "\n\n"))
	return res
}

func sentinel(tag string) bool {
	switch tag {
	case TagWeather, TagImage, TagVideo, TagDiagram:
		return true
	}
	return false
}

// infoWord reads the fence tag starting at from.
func infoWord(text string, from int) (string, int) {
	end := from
	for end < len(text) && isInfoChar(text[end]) {
		end++
	}
	return text[from:end], end
}

// lineStartFence returns the offset of the first fence after from that
// starts a line (leading blanks allowed), or -1.
func lineStartFence(text string, from int) int {
	for i := from; ; {
		rel := strings.Index(text[i:], fence)
		if rel < 0 {
			return -1
		}
		at := i + rel
		lineStart := strings.LastIndexByte(text[:at], '\n') + 1
		if lineStart > from && strings.TrimSpace(text[lineStart:at]) == "" {
			return at
		}
		i = at + len(fence)
	}
}

func isInfoChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}

func (r *Result) decode(b block) {
	log := logger.Component("parser")
	body := strings.TrimSpace(b.body)

	switch b.tag {
	case TagWeather:
		report, err := weather.Decode(body)
		if err != nil {
			log.Warn("failed to parse weather block", "error", err)
			return
		}
		r.Weather = report
	case TagImage:
		var req chat.ImageRequest
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			log.Warn("failed to parse image block", "error", err)
			return
		}
		req.Prompt = strings.TrimSpace(req.Prompt)
		if req.Prompt == "" {
			log.Warn("image block has no prompt")
			return
		}
		if !imageAspects[req.AspectRatio] {
			req.AspectRatio = "1:1"
		}
		r.Image = &req
	case TagVideo:
		var req chat.VideoRequest
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			log.Warn("failed to parse video block", "error", err)
			return
		}
		req.Prompt = strings.TrimSpace(req.Prompt)
		if req.Prompt == "" {
			log.Warn("video block has no prompt")
			return
		}
		if !videoAspects[req.AspectRatio] {
			req.AspectRatio = "16:9"
		}
		r.Video = &req
	}
}

// rewriteRadar turns bare radar URLs into a Markdown link. URLs that are
// already the target or text of a link are left as they are.
func rewriteRadar(s string) string {
	matches := radarURL.FindAllStringIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	var out strings.Builder
	last := 0
	for _, m := range matches {
		if linked(s, m[0]) {
			continue
		}
		url := s[m[0]:m[1]]
		out.WriteString(s[last:m[0]])
		out.WriteString("\n[View Local Weather Radar](" + url + ")\n")
		last = m[1]
	}
	out.WriteString(s[last:])
	return out.String()
}

func linked(s string, at int) bool {
	prefix := s[:at]
	return strings.HasSuffix(prefix, "](") || strings.HasSuffix(prefix, "[") || strings.HasSuffix(prefix, "<")
}
