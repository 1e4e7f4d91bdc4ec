// -----------------------------------------------------------------------
// yt-dlp downloader - fetches the video, subtitles and info json
// -----------------------------------------------------------------------

package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
	"github.com/ternarybob/brainrot/internal/models"
)

// videoBase is the output name passed to yt-dlp; the extension is chosen by the site
const videoBase = "video"

// YtDlp implements interfaces.Downloader
type YtDlp struct {
	path      string
	subLangs  []string
	platforms map[models.Platform]common.PlatformConfig
	runner    Runner
	logger    arbor.ILogger
}

// NewYtDlp creates a downloader from the [media] config section
func NewYtDlp(config common.MediaConfig, runner Runner, logger arbor.ILogger) *YtDlp {
	platforms := make(map[models.Platform]common.PlatformConfig, len(config.Platforms))
	for name, pc := range config.Platforms {
		platforms[models.Platform(strings.ToLower(name))] = pc
	}
	langs := config.SubtitleLangs
	if len(langs) == 0 {
		langs = []string{"en"}
	}
	path := config.YtDlpPath
	if path == "" {
		path = "yt-dlp"
	}

	return &YtDlp{
		path:      path,
		subLangs:  langs,
		platforms: platforms,
		runner:    runner,
		logger:    logger,
	}
}

// Download runs yt-dlp in dir and collects what it wrote. The caller owns dir.
func (y *YtDlp) Download(ctx context.Context, link models.SourceLink, dir string) (*models.MediaArtifact, error) {
	if dir == "" {
		return nil, models.NewPermanent(models.FailureInternal, errors.New("yt-dlp needs a download dir"))
	}

	// A previous attempt may have left partial files behind
	clearDownloads(dir)

	_, stderr, err := y.runner.Run(ctx, dir, y.path, y.args(link)...)
	if err != nil {
		if ctx.Err() == nil {
			if se := classifyYtDlp(stderr); se != nil {
				return nil, se
			}
		}
		return nil, toolError(ctx, "yt-dlp", err, stderr)
	}

	media, err := collectDownload(dir)
	if err != nil {
		return nil, err
	}

	y.logger.Info().
		Str("url", link.URL).
		Str("video", filepath.Base(media.VideoPath)).
		Int("subtitles", len(media.SubtitlePaths)).
		Float64("duration_seconds", media.DurationSeconds).
		Msg("Video downloaded")
	return media, nil
}

func (y *YtDlp) args(link models.SourceLink) []string {
	args := []string{
		"--no-playlist",
		"--no-progress",
		"-o", videoBase + ".%(ext)s",
		"--write-info-json",
		"--write-subs",
		"--write-auto-subs",
		"--sub-langs", strings.Join(y.subLangs, ","),
		"--sub-format", "vtt",
	}
	if pc, ok := y.platforms[link.Platform]; ok {
		if pc.CookiesFile != "" {
			args = append(args, "--cookies", pc.CookiesFile)
		}
		args = append(args, pc.ExtraArgs...)
	}
	return append(args, "--", link.URL)
}

// stderr fragments mapped to failure kinds, checked in order
var ytDlpFailures = []struct {
	fragment  string
	kind      models.FailureKind
	permanent bool
}{
	{"http error 429", models.FailureRateLimited, false},
	{"too many requests", models.FailureRateLimited, false},
	{"rate-limit", models.FailureRateLimited, false},
	{"unsupported url", models.FailureUnsupported, true},
	{"login required", models.FailureUnsupported, true},
	{"requires login", models.FailureUnsupported, true},
	{"video unavailable", models.FailureNotFound, true},
	{"private video", models.FailureNotFound, true},
	{"this video is private", models.FailureNotFound, true},
	{"has been removed", models.FailureNotFound, true},
	{"http error 404", models.FailureNotFound, true},
	{"does not exist", models.FailureNotFound, true},
	{"unable to extract", models.FailureTransport, false},
	{"connection reset", models.FailureTransport, false},
	{"timed out", models.FailureTransport, false},
}

// classifyYtDlp recognises well known yt-dlp errors. nil means unrecognised.
func classifyYtDlp(stderr []byte) *models.StageError {
	lower := strings.ToLower(string(stderr))
	for _, f := range ytDlpFailures {
		if !strings.Contains(lower, f.fragment) {
			continue
		}
		err := fmt.Errorf("yt-dlp: %s", stderrTail(stderr))
		if f.permanent {
			return models.NewPermanent(f.kind, err)
		}
		return models.NewTransient(f.kind, err)
	}
	return nil
}

type ytDlpInfo struct {
	Title       string  `json:"title"`
	Uploader    string  `json:"uploader"`
	Description string  `json:"description"`
	Duration    float64 `json:"duration"`
}

// collectDownload finds the video, subtitle tracks and info json in dir
func collectDownload(dir string) (*models.MediaArtifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, models.NewTransient(models.FailureInternal, fmt.Errorf("failed to read download dir: %w", err))
	}

	media := &models.MediaArtifact{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(dir, name)

		switch {
		case strings.HasSuffix(name, ".vtt"):
			media.SubtitlePaths = append(media.SubtitlePaths, path)
		case strings.HasSuffix(name, ".info.json"):
			media.InfoPath = path
		case isVideoFile(name):
			media.VideoPath = path
		}
	}

	if media.VideoPath == "" {
		return nil, models.NewPermanent(models.FailureUnsupported, fmt.Errorf("no video file in download output"))
	}
	sort.Strings(media.SubtitlePaths)

	if media.InfoPath != "" {
		if data, err := os.ReadFile(media.InfoPath); err == nil {
			var info ytDlpInfo
			if json.Unmarshal(data, &info) == nil {
				media.Title = info.Title
				media.Uploader = info.Uploader
				media.Description = info.Description
				media.DurationSeconds = info.Duration
			}
		}
	}
	return media, nil
}

var nonVideoExt = map[string]bool{
	".part": true, ".ytdl": true, ".json": true, ".vtt": true,
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".wav": true,
}

func isVideoFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return strings.TrimSuffix(name, filepath.Ext(name)) == videoBase && ext != "" && !nonVideoExt[ext]
}

// clearDownloads removes earlier yt-dlp output from dir
func clearDownloads(dir string) {
	matches, _ := filepath.Glob(filepath.Join(dir, videoBase+".*"))
	for _, m := range matches {
		_ = os.Remove(m)
	}
}
