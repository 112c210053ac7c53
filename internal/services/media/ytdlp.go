package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

var subtitleExts = map[string]bool{
	".vtt":  true,
	".srt":  true,
	".ttml": true,
	".ass":  true,
}

// YtDlpFetcher shells out to yt-dlp. Fetch tries subtitles first, then a
// 360p video, then audio only.
type YtDlpFetcher struct {
	binPath string
	dir     string
}

func NewYtDlpFetcher(binPath, dir string) (*YtDlpFetcher, error) {
	if binPath == "" {
		binPath = "yt-dlp"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir %s: %w", dir, err)
	}
	return &YtDlpFetcher{binPath: binPath, dir: dir}, nil
}

func (f *YtDlpFetcher) Fetch(ctx context.Context, url, mode string) (*Result, error) {
	transcript := ""
	videoID := ""

	// Subtitles first. Free, and they feed the transcript feature even when
	// the caller forces a video download.
	subResult, err := f.fetchSubtitles(ctx, url)
	if err != nil {
		fiberlog.Warnf("subtitle fetch for %s failed: %v", url, err)
	} else if subResult != nil {
		if mode != "video" {
			return subResult, nil
		}
		transcript = subResult.Transcript
		videoID = subResult.VideoID
	}

	result, err := f.fetchVideo(ctx, url)
	if err == nil {
		result.Transcript = transcript
		if result.VideoID == "" {
			result.VideoID = videoID
		}
		return result, nil
	}
	fiberlog.Warnf("video fetch for %s failed, trying audio only: %v", url, err)

	result, err = f.fetchAudio(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve content for %s: %w", url, err)
	}
	result.Transcript = transcript
	return result, nil
}

func (f *YtDlpFetcher) fetchSubtitles(ctx context.Context, url string) (*Result, error) {
	args := append(f.commonArgs(url),
		"--skip-download",
		"--write-subs", "--write-auto-subs",
		"--sub-langs", "zh-Hans,zh-Hant,en,all",
		"--no-simulate", "--print", "id",
		"-o", filepath.Join(f.dir, "%(id)s"),
		url,
	)
	videoID, err := f.run(ctx, args)
	if err != nil {
		return nil, err
	}

	matches, err := filepath.Glob(filepath.Join(f.dir, videoID+".*"))
	if err != nil {
		return nil, err
	}
	for _, path := range matches {
		if !subtitleExts[filepath.Ext(path)] {
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read subtitle file %s: %w", path, err)
		}
		return &Result{
			Path:       path,
			Type:       TypeSubtitle,
			VideoID:    videoID,
			Transcript: ParseTranscript(string(content)),
		}, nil
	}
	return nil, nil
}

func (f *YtDlpFetcher) fetchVideo(ctx context.Context, url string) (*Result, error) {
	args := append(f.commonArgs(url),
		"-f", "bestvideo[height<=360]+bestaudio/best[height<=360]/best",
		"--merge-output-format", "mp4",
		"--no-simulate", "--print", "after_move:filepath",
		"-o", filepath.Join(f.dir, "%(id)s.%(ext)s"),
		url,
	)
	path, err := f.run(ctx, args)
	if err != nil {
		return nil, err
	}
	return f.resultForFile(path, TypeVideo)
}

func (f *YtDlpFetcher) fetchAudio(ctx context.Context, url string) (*Result, error) {
	args := append(f.commonArgs(url),
		"-f", "bestaudio/best",
		"--no-simulate", "--print", "after_move:filepath",
		"-o", filepath.Join(f.dir, "%(id)s.%(ext)s"),
		url,
	)
	path, err := f.run(ctx, args)
	if err != nil {
		return nil, err
	}
	return f.resultForFile(path, TypeAudio)
}

func (f *YtDlpFetcher) resultForFile(path string, mediaType Type) (*Result, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("downloaded file missing: %w", err)
	}
	base := filepath.Base(path)
	return &Result{
		Path:    path,
		Type:    mediaType,
		VideoID: strings.TrimSuffix(base, filepath.Ext(base)),
	}, nil
}

func (f *YtDlpFetcher) commonArgs(url string) []string {
	args := []string{"--quiet", "--no-warnings", "--no-playlist"}
	if strings.Contains(url, "bilibili.com") {
		args = append(args,
			"--add-headers", "Referer:https://www.bilibili.com/",
			"--add-headers", "Origin:https://www.bilibili.com",
		)
	}
	return args
}

func (f *YtDlpFetcher) run(ctx context.Context, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, f.binPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("yt-dlp failed: %s", msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}
