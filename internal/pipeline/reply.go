package pipeline

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/ternarybob/brainrot/internal/models"
)

const truncationMarker = "...\n\n(truncated)"

// RenderSummary formats a completed job's summary as a chat reply
func RenderSummary(summary *models.SummaryArtifact, maxLength int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Brainrot level: %d/10\n", summary.BrainrotLevel)
	if sentiment := strings.TrimSpace(PlainText(summary.Sentiment)); sentiment != "" {
		fmt.Fprintf(&b, "Vibe: %s\n", sentiment)
	}
	b.WriteString("\n")
	b.WriteString(PlainText(summary.Narrative))

	if visible := strings.TrimSpace(PlainText(summary.VisibleText)); visible != "" {
		b.WriteString("\n\nOn screen: ")
		b.WriteString(visible)
	}

	return Truncate(strings.TrimSpace(b.String()), maxLength)
}

// RenderFailure formats the apology sent when a job fails before its reply
func RenderFailure(job *models.Job) string {
	var kind models.FailureKind
	if job.Result != nil {
		kind = job.Result.ErrorKind
	}

	var line string
	switch kind {
	case models.FailureNotFound:
		line = "Sorry, I couldn't find that video. It may be private or deleted."
	case models.FailureUnsupported:
		line = "Sorry, I can't download videos from that link."
	case models.FailureRateLimited:
		line = "Sorry, I'm being rate limited right now. Try sending it again in a few minutes."
	case models.FailureTimeout, models.FailureAborted:
		line = "Sorry, that video took too long to process."
	case models.FailureToolUnavailable:
		line = "Sorry, I can't process videos right now."
	case models.FailureModelError, models.FailureMalformedOutput:
		line = "Sorry, I couldn't come up with a summary for that video."
	default:
		line = "Sorry, something went wrong while processing that video."
	}
	return line + "\n" + job.Link.URL
}

// Truncate cuts s to at most maxLength runes, marking the cut
func Truncate(s string, maxLength int) string {
	if maxLength <= 0 || utf8.RuneCountInString(s) <= maxLength {
		return s
	}
	keep := maxLength - utf8.RuneCountInString(truncationMarker)
	if keep < 0 {
		keep = 0
	}
	runes := []rune(s)
	return strings.TrimRight(string(runes[:keep]), " \n") + truncationMarker
}

var markdown = goldmark.New()

// PlainText flattens markdown produced by a model into chat friendly text.
// Emphasis and headings lose their markers, list items become "- " lines
// and code keeps its content.
func PlainText(md string) string {
	if strings.TrimSpace(md) == "" {
		return ""
	}

	source := []byte(md)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(source))
				if node.HardLineBreak() {
					b.WriteString("\n")
				} else if node.SoftLineBreak() {
					b.WriteString(" ")
				}
			}
		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				b.Write(node.Label(source))
			}
		case *ast.RawHTML:
			if entering {
				for i := 0; i < node.Segments.Len(); i++ {
					seg := node.Segments.At(i)
					b.Write(seg.Value(source))
				}
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(source))
				}
				b.WriteString("\n")
			}
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			if entering {
				b.WriteString("- ")
			} else {
				ensureNewline(&b)
			}
		case *ast.Paragraph, *ast.Heading, *ast.TextBlock:
			if !entering {
				ensureNewline(&b)
				if _, inList := n.Parent().(*ast.ListItem); !inList {
					b.WriteString("\n")
				}
			}
		case *ast.ThematicBreak:
			if entering {
				b.WriteString("\n")
			}
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(b.String())
}

func ensureNewline(b *strings.Builder) {
	s := b.String()
	if len(s) > 0 && !strings.HasSuffix(s, "\n") {
		b.WriteString("\n")
	}
}
