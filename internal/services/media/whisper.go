package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
	"github.com/ternarybob/brainrot/internal/models"
)

// WhisperTranscriber implements interfaces.Transcriber. Audio is decoded
// to 16 kHz mono wav with ffmpeg and transcribed by the whisper CLI.
// Without a whisper binary the downloaded subtitles are used instead.
type WhisperTranscriber struct {
	ffmpegPath  string
	whisperPath string
	model       string
	language    string
	runner      Runner
	logger      arbor.ILogger
}

func NewWhisperTranscriber(config common.MediaConfig, runner Runner, logger arbor.ILogger) *WhisperTranscriber {
	ffmpeg := config.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	model := config.WhisperModel
	if model == "" {
		model = "base"
	}
	return &WhisperTranscriber{
		ffmpegPath:  ffmpeg,
		whisperPath: config.WhisperPath,
		model:       model,
		language:    config.WhisperLanguage,
		runner:      runner,
		logger:      logger,
	}
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, media *models.MediaArtifact, dir string) (*models.TranscriptArtifact, error) {
	if w.whisperPath == "" {
		return w.fromSubtitles(media), nil
	}
	if dir == "" {
		dir = filepath.Dir(media.VideoPath)
	}

	audio := filepath.Join(dir, "audio.wav")
	_, stderr, err := w.runner.Run(ctx, dir, w.ffmpegPath,
		"-hide_banner", "-loglevel", "error", "-nostdin", "-y",
		"-i", media.VideoPath,
		"-vn", "-ac", "1", "-ar", "16000", "-c:a", "pcm_s16le",
		audio,
	)
	if err != nil {
		if ctx.Err() == nil && hasNoAudio(stderr) {
			w.logger.Info().Str("video", filepath.Base(media.VideoPath)).Msg("Video has no audio track, transcript left empty")
			return &models.TranscriptArtifact{}, nil
		}
		return nil, toolError(ctx, "ffmpeg", err, stderr)
	}

	outDir := filepath.Join(dir, "transcript")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, models.NewTransient(models.FailureInternal, fmt.Errorf("failed to create transcript dir: %w", err))
	}

	args := []string{audio, "--model", w.model, "--output_format", "vtt", "--output_dir", outDir}
	if w.language != "" {
		args = append(args, "--language", w.language)
	}
	_, stderr, err = w.runner.Run(ctx, dir, w.whisperPath, args...)
	if err != nil {
		return nil, toolError(ctx, "whisper", err, stderr)
	}

	segments, err := ReadVTTFile(filepath.Join(outDir, "audio.vtt"))
	if err != nil {
		return nil, models.NewTransient(models.FailureMalformedOutput, fmt.Errorf("failed to read whisper output: %w", err))
	}

	transcript := &models.TranscriptArtifact{
		Text:     CueText(segments),
		Segments: segments,
		Language: w.language,
	}
	w.logger.Info().
		Int("segments", len(segments)).
		Int("chars", len(transcript.Text)).
		Msg("Audio transcribed")
	return transcript, nil
}

// fromSubtitles builds the transcript from the first parseable subtitle track
func (w *WhisperTranscriber) fromSubtitles(media *models.MediaArtifact) *models.TranscriptArtifact {
	for _, path := range media.SubtitlePaths {
		segments, err := ReadVTTFile(path)
		if err != nil || len(segments) == 0 {
			continue
		}
		return &models.TranscriptArtifact{
			Text:     CueText(segments),
			Segments: segments,
			Language: subtitleLanguage(path),
		}
	}
	return &models.TranscriptArtifact{}
}

// subtitleLanguage reads the language from yt-dlp's video.<lang>.vtt naming
func subtitleLanguage(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".vtt")
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return ""
}

func hasNoAudio(stderr []byte) bool {
	s := string(stderr)
	return strings.Contains(s, "does not contain any stream") ||
		strings.Contains(s, "matches no streams") ||
		strings.Contains(s, "Output file is empty")
}
