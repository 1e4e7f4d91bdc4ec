// -----------------------------------------------------------------------
// ffmpeg extractor - samples frames and flattens subtitle tracks
// -----------------------------------------------------------------------

package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
	"github.com/ternarybob/brainrot/internal/models"
)

const framesDir = "frames"

// FFmpegExtractor implements interfaces.Extractor
type FFmpegExtractor struct {
	path      string
	fps       float64
	width     int
	maxFrames int
	runner    Runner
	logger    arbor.ILogger
}

// NewFFmpegExtractor creates an extractor from the [media] config section
func NewFFmpegExtractor(config common.MediaConfig, runner Runner, logger arbor.ILogger) *FFmpegExtractor {
	path := config.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	fps := config.FrameFPS
	if fps <= 0 {
		fps = 0.5
	}
	return &FFmpegExtractor{
		path:      path,
		fps:       fps,
		width:     config.FrameWidth,
		maxFrames: config.MaxFrames,
		runner:    runner,
		logger:    logger,
	}
}

// Extract writes frames/frame_NNN.jpg under dir and reads the first usable subtitle track
func (f *FFmpegExtractor) Extract(ctx context.Context, media *models.MediaArtifact, dir string) (*models.ExtractionArtifact, error) {
	if dir == "" {
		dir = filepath.Dir(media.VideoPath)
	}
	out := filepath.Join(dir, framesDir)
	if err := os.RemoveAll(out); err != nil {
		return nil, models.NewTransient(models.FailureInternal, fmt.Errorf("failed to clear frames dir: %w", err))
	}
	if err := os.MkdirAll(out, 0755); err != nil {
		return nil, models.NewTransient(models.FailureInternal, fmt.Errorf("failed to create frames dir: %w", err))
	}

	_, stderr, err := f.runner.Run(ctx, dir, f.path, f.args(media.VideoPath)...)
	if err != nil {
		return nil, toolError(ctx, "ffmpeg", err, stderr)
	}

	frames, err := filepath.Glob(filepath.Join(out, "frame_*.jpg"))
	if err != nil {
		return nil, models.NewTransient(models.FailureInternal, fmt.Errorf("failed to list frames: %w", err))
	}
	if len(frames) == 0 {
		return nil, models.NewPermanent(models.FailureUnsupported, fmt.Errorf("ffmpeg produced no frames for %s", filepath.Base(media.VideoPath)))
	}
	sort.Strings(frames)

	extraction := &models.ExtractionArtifact{
		FramePaths:   frames,
		SubtitleText: f.subtitleText(media.SubtitlePaths),
	}

	f.logger.Info().
		Int("frames", len(frames)).
		Int("subtitle_chars", len(extraction.SubtitleText)).
		Msg("Frames extracted")
	return extraction, nil
}

func (f *FFmpegExtractor) args(video string) []string {
	filter := "fps=" + strconv.FormatFloat(f.fps, 'f', -1, 64)
	if f.width > 0 {
		filter += fmt.Sprintf(",scale=%d:-2", f.width)
	}
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-y",
		"-i", video,
		"-vf", filter,
	}
	if f.maxFrames > 0 {
		args = append(args, "-frames:v", strconv.Itoa(f.maxFrames))
	}
	return append(args, filepath.Join(framesDir, "frame_%03d.jpg"))
}

// subtitleText returns the text of the first track that parses
func (f *FFmpegExtractor) subtitleText(paths []string) string {
	for _, path := range paths {
		segments, err := ReadVTTFile(path)
		if err != nil {
			f.logger.Debug().Err(err).Str("path", path).Msg("Skipping unreadable subtitle track")
			continue
		}
		if text := CueText(segments); text != "" {
			return text
		}
	}
	return ""
}
