package media

import (
	"bufio"
	"fmt"
	"html"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/brainrot/internal/models"
)

var vttTag = regexp.MustCompile(`<[^>]*>`)

// ParseVTT reads the cues of a WebVTT document. Cue settings, NOTE, STYLE
// and REGION blocks are ignored and inline tags are stripped.
func ParseVTT(r io.Reader) ([]models.TranscriptSegment, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		segments []models.TranscriptSegment
		header   bool
		cue      *models.TranscriptSegment
		lines    []string
	)

	flush := func() {
		if cue != nil {
			if text := strings.TrimSpace(strings.Join(lines, " ")); text != "" {
				cue.Text = text
				segments = append(segments, *cue)
			}
		}
		cue = nil
		lines = nil
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if !header {
			trimmed := strings.TrimPrefix(strings.TrimSpace(line), "\ufeff")
			if trimmed == "" {
				continue
			}
			if !strings.HasPrefix(trimmed, "WEBVTT") {
				return nil, fmt.Errorf("not a WebVTT document")
			}
			header = true
			continue
		}

		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}

		if strings.Contains(line, "-->") {
			flush()
			start, end, err := parseCueTiming(line)
			if err != nil {
				return nil, err
			}
			cue = &models.TranscriptSegment{Start: start, End: end}
			continue
		}

		if cue != nil {
			text := strings.TrimSpace(html.UnescapeString(vttTag.ReplaceAllString(line, "")))
			if text != "" {
				lines = append(lines, text)
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vtt: %w", err)
	}
	if !header {
		return nil, fmt.Errorf("not a WebVTT document")
	}
	return segments, nil
}

// ReadVTTFile parses the WebVTT file at path
func ReadVTTFile(path string) ([]models.TranscriptSegment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseVTT(f)
}

// CueText joins cue text into one string. Auto-generated captions repeat
// the previous line as they roll, so consecutive duplicates are dropped.
func CueText(segments []models.TranscriptSegment) string {
	var parts []string
	last := ""
	for _, s := range segments {
		if s.Text == last {
			continue
		}
		parts = append(parts, s.Text)
		last = s.Text
	}
	return strings.Join(parts, " ")
}

func parseCueTiming(line string) (time.Duration, time.Duration, error) {
	left, right, _ := strings.Cut(line, "-->")
	rightFields := strings.Fields(right)
	if len(rightFields) == 0 {
		return 0, 0, fmt.Errorf("malformed cue timing %q", line)
	}
	start, err := parseVTTTimestamp(strings.TrimSpace(left))
	if err != nil {
		return 0, 0, err
	}
	end, err := parseVTTTimestamp(rightFields[0])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// parseVTTTimestamp parses hh:mm:ss.ttt or mm:ss.ttt
func parseVTTTimestamp(s string) (time.Duration, error) {
	clock, frac, _ := strings.Cut(s, ".")
	parts := strings.Split(clock, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("malformed timestamp %q", s)
	}

	var total time.Duration
	units := []time.Duration{time.Second, time.Minute, time.Hour}
	for i := range parts {
		n, err := strconv.Atoi(parts[len(parts)-1-i])
		if err != nil {
			return 0, fmt.Errorf("malformed timestamp %q", s)
		}
		total += time.Duration(n) * units[i]
	}

	if frac != "" {
		ms, err := strconv.Atoi((frac + "00")[:3])
		if err != nil {
			return 0, fmt.Errorf("malformed timestamp %q", s)
		}
		total += time.Duration(ms) * time.Millisecond
	}
	return total, nil
}
