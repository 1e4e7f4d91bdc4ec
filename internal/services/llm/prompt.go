package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ternarybob/brainrot/internal/interfaces"
	"github.com/ternarybob/brainrot/internal/models"
)

const systemPrompt = `You are a video analyzer. You receive still frames sampled from a short social media video, together with its transcript and any captions.
Keep the answer concise and conversational.`

const jsonInstruction = `Respond with only a JSON object with the keys "narrative" (string), "visible_text" (string), "sentiment" (string) and "brainrot_level" (integer from 1 to 10). No markdown, no commentary.`

// Prompt section limits, in bytes
const (
	maxDescription = 1000
	maxTranscript  = 6000
	maxSubtitles   = 4000
)

// buildPrompt describes the video and the four things the reply needs
func buildPrompt(input interfaces.SummaryInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Video from %s: %s\n", input.Link.Platform, input.Link.URL)
	if m := input.Media; m != nil {
		if m.Title != "" {
			fmt.Fprintf(&b, "Title: %s\n", m.Title)
		}
		if m.Uploader != "" {
			fmt.Fprintf(&b, "Uploader: %s\n", m.Uploader)
		}
		if m.DurationSeconds > 0 {
			fmt.Fprintf(&b, "Duration: %.0fs\n", m.DurationSeconds)
		}
		if m.Description != "" {
			fmt.Fprintf(&b, "Description: %s\n", clip(m.Description, maxDescription))
		}
	}

	b.WriteString("\nTranscript:\n")
	if t := input.Transcript; t != nil && strings.TrimSpace(t.Text) != "" {
		b.WriteString(clip(t.Text, maxTranscript))
	} else {
		b.WriteString("(no speech)")
	}
	b.WriteString("\n")

	if e := input.Extraction; e != nil && e.SubtitleText != "" {
		b.WriteString("\nCaptions:\n")
		b.WriteString(clip(e.SubtitleText, maxSubtitles))
		b.WriteString("\n")
	}

	b.WriteString(`
1. Summarize what happens in the video.
2. Identify any text or captions visible in the frames.
3. Rate the "Brainrot Level" from 1 to 10.
4. Summarize the sentiment.
`)
	return b.String()
}

// clip cuts s to at most n bytes on a rune boundary
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

type summaryPayload struct {
	Narrative     string          `json:"narrative"`
	VisibleText   string          `json:"visible_text"`
	Sentiment     string          `json:"sentiment"`
	BrainrotLevel json.RawMessage `json:"brainrot_level"`
}

var (
	codeFence     = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
	firstInteger  = regexp.MustCompile(`-?\d+`)
	levelLine     = regexp.MustCompile(`(?i)brainrot(?:\s+level)?[^0-9\n]{0,12}(\d{1,2})(?:\s*/\s*10)?`)
	sentimentLine = regexp.MustCompile(`(?im)^[^a-z\n]*sentiment[^:\n]*:\s*(.+)$`)
	visibleLine   = regexp.MustCompile(`(?im)^[^a-z\n]*(?:visible text|on-screen text|captions)[^:\n]*:\s*(.+)$`)
)

// parseSummary reads the model answer. JSON is preferred; free text is
// accepted when it names a brainrot level. Anything else is malformed.
func parseSummary(text string) (*models.SummaryArtifact, error) {
	text = strings.TrimSpace(text)
	if m := codeFence.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	summary, jsonErr := parseSummaryJSON(text)
	if jsonErr != nil {
		var ok bool
		summary, ok = parseSummaryText(text)
		if !ok {
			return nil, models.NewTransient(models.FailureMalformedOutput, fmt.Errorf("unparseable model output: %w", jsonErr))
		}
	}

	if err := summary.Validate(); err != nil {
		return nil, models.NewTransient(models.FailureMalformedOutput, fmt.Errorf("invalid summary: %w", err))
	}
	return summary, nil
}

func parseSummaryJSON(text string) (*models.SummaryArtifact, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in output")
	}

	var payload summaryPayload
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return nil, err
	}

	level, err := parseLevel(payload.BrainrotLevel)
	if err != nil {
		return nil, err
	}
	return &models.SummaryArtifact{
		Narrative:     strings.TrimSpace(payload.Narrative),
		VisibleText:   strings.TrimSpace(payload.VisibleText),
		Sentiment:     strings.TrimSpace(payload.Sentiment),
		BrainrotLevel: level,
	}, nil
}

// parseLevel accepts 7, 7.0, "7" and "7/10"
func parseLevel(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("brainrot_level missing")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int(f + 0.5), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("brainrot_level is not a number: %s", raw)
	}
	m := firstInteger.FindString(s)
	if m == "" {
		return 0, fmt.Errorf("brainrot_level is not a number: %q", s)
	}
	return strconv.Atoi(m)
}

func parseSummaryText(text string) (*models.SummaryArtifact, bool) {
	m := levelLine.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	level, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, false
	}

	summary := &models.SummaryArtifact{
		Narrative:     text,
		BrainrotLevel: level,
		Sentiment:     "not stated",
	}
	if s := sentimentLine.FindStringSubmatch(text); s != nil {
		summary.Sentiment = strings.TrimSpace(strings.Trim(s[1], "*_ "))
	}
	if v := visibleLine.FindStringSubmatch(text); v != nil {
		summary.VisibleText = strings.TrimSpace(strings.Trim(v[1], "*_ "))
	}
	return summary, true
}
