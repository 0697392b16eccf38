package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"clip-collector/internal/domain"
)

// MediaItem is one fetched source video plus its acceptance signal.
type MediaItem struct {
	ID       string
	Title    string
	Path     string
	Accepted bool
}

// Fetcher downloads source videos and runs the per-item acceptance check.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string, maxItems int, destDir string) ([]MediaItem, error)
}

// Transformer produces the subject-region rendition of one video.
type Transformer interface {
	Transform(ctx context.Context, inputPath, outputPath string) error
}

// Transcriber produces timestamped transcript segments for one video.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaPath, language, outDir string) ([]domain.Segment, error)
}

// Segmenter cuts one video into per-segment clips with metadata rows.
type Segmenter interface {
	Split(ctx context.Context, mediaPath string, segments []domain.Segment, clipsDir string) ([]domain.ClipMeta, error)
}

// Classifier assigns a cluster id to every clip or fails.
type Classifier interface {
	Classify(ctx context.Context, clipsDir string, clipNames []string) (map[string]int, error)
}

// Archiver bundles clips and metadata into a single archive.
type Archiver interface {
	Package(clipsDir, metadataPath, archivePath string) error
}

// Region is the fixed crop rectangle containing the subject.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DefaultSubjectRegion matches the broadcast layout the collector targets.
var DefaultSubjectRegion = Region{X: 50, Y: 600, Width: 327, Height: 426}

// probeTimestamps are the seconds sampled for the acceptance check.
var probeTimestamps = []int{2, 10, 20}

// ExecFetcher downloads via a yt-dlp style tool and probes each item for
// the expected subject before accepting it.
type ExecFetcher struct {
	fetcherPath   string
	clustererPath string
	ffmpegPath    string
	runner        commandRunner
}

// NewExecFetcher builds the production fetcher.
func NewExecFetcher(fetcherPath, clustererPath, ffmpegPath string, runner commandRunner) *ExecFetcher {
	return &ExecFetcher{
		fetcherPath:   fetcherPath,
		clustererPath: clustererPath,
		ffmpegPath:    ffmpegPath,
		runner:        runner,
	}
}

// Fetch downloads up to maxItems videos and marks each with its subject check.
func (f *ExecFetcher) Fetch(ctx context.Context, sourceURL string, maxItems int, destDir string) ([]MediaItem, error) {
	args := buildFetchArgs(sourceURL, maxItems, destDir)
	result, err := f.runner.Run(ctx, f.fetcherPath, args...)
	if err != nil {
		// The fetcher tool reports partial playlist failures through a
		// nonzero exit while still printing the files it downloaded.
		// Only a run with zero printed files is treated as fatal.
		if strings.TrimSpace(result.Stdout) == "" {
			return nil, &StageError{
				Stage:   "fetch",
				Message: "source download produced no items",
				CommandLog: CommandLog{
					Command:  f.fetcherPath,
					Args:     args,
					ExitCode: result.ExitCode,
					Stdout:   result.Stdout,
					Stderr:   result.Stderr,
				},
				Err: err,
			}
		}
	}

	items := make([]MediaItem, 0, maxItems)
	for _, line := range strings.Split(result.Stdout, "\n") {
		path := strings.TrimSpace(line)
		if path == "" {
			continue
		}
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}

		base := filepath.Base(path)
		item := MediaItem{
			ID:    strings.TrimSuffix(base, filepath.Ext(base)),
			Title: strings.TrimSuffix(base, filepath.Ext(base)),
			Path:  path,
		}
		item.Accepted = f.checkSubject(ctx, path, destDir)
		items = append(items, item)
	}

	return items, nil
}

// checkSubject samples probe frames and requires the subject in all of them.
func (f *ExecFetcher) checkSubject(ctx context.Context, videoPath, workDir string) bool {
	for _, ts := range probeTimestamps {
		framePath := filepath.Join(workDir, fmt.Sprintf(".probe-%d.jpg", ts))
		frameArgs := buildFrameArgs(videoPath, ts, framePath)
		if _, err := f.runner.Run(ctx, f.ffmpegPath, frameArgs...); err != nil {
			return false
		}

		_, err := f.runner.Run(ctx, f.clustererPath, "--detect", framePath)
		_ = os.Remove(framePath)
		if err != nil {
			return false
		}
	}
	return true
}

// ExecTransformer crops the subject region via ffmpeg.
type ExecTransformer struct {
	ffmpegPath string
	region     Region
	runner     commandRunner
}

// NewExecTransformer builds the production transformer.
func NewExecTransformer(ffmpegPath string, region Region, runner commandRunner) *ExecTransformer {
	return &ExecTransformer{ffmpegPath: ffmpegPath, region: region, runner: runner}
}

// Transform renders the cropped subject video. Deterministic per input+region.
func (t *ExecTransformer) Transform(ctx context.Context, inputPath, outputPath string) error {
	args := buildCropArgs(inputPath, outputPath, t.region)
	result, err := t.runner.Run(ctx, t.ffmpegPath, args...)
	if err != nil {
		return fmt.Errorf("crop %s: %w (stderr: %s)", filepath.Base(inputPath), err, truncate(result.Stderr, 300))
	}
	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("crop completed but output missing: %s", outputPath)
	}
	return nil
}

// transcriptDocument is the JSON shape emitted by the transcriber tool.
type transcriptDocument struct {
	Segments []domain.Segment `json:"segments"`
	Aligned  bool             `json:"aligned"`
}

// ExecTranscriber invokes the transcription tool and parses its JSON output.
type ExecTranscriber struct {
	transcriberPath string
	runner          commandRunner
}

// NewExecTranscriber builds the production transcriber.
func NewExecTranscriber(transcriberPath string, runner commandRunner) *ExecTranscriber {
	return &ExecTranscriber{transcriberPath: transcriberPath, runner: runner}
}

// Transcribe returns transcript segments. Alignment failure degrades to the
// tool's unaligned segments rather than failing the stage.
func (t *ExecTranscriber) Transcribe(ctx context.Context, mediaPath, language, outDir string) ([]domain.Segment, error) {
	base := filepath.Base(mediaPath)
	outPath := filepath.Join(outDir, strings.TrimSuffix(base, filepath.Ext(base))+".json")
	args := buildTranscribeArgs(mediaPath, language, outPath)

	result, err := t.runner.Run(ctx, t.transcriberPath, args...)
	if err != nil {
		return nil, fmt.Errorf("transcribe %s: %w (stderr: %s)", base, err, truncate(result.Stderr, 300))
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("transcriber completed but transcript missing: %s", outPath)
	}

	var doc transcriptDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse transcript %s: %w", outPath, err)
	}

	return doc.Segments, nil
}

// ExecSegmenter cuts clips with ffmpeg using transcript timing.
type ExecSegmenter struct {
	ffmpegPath  string
	ffprobePath string
	runner      commandRunner
}

// NewExecSegmenter builds the production segmenter.
func NewExecSegmenter(ffmpegPath, ffprobePath string, runner commandRunner) *ExecSegmenter {
	return &ExecSegmenter{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, runner: runner}
}

// endBufferSeconds pads every clip except the last so signs are not cut off.
const endBufferSeconds = 2.0

// Split cuts one clip per transcript segment. A clip that fails to render is
// recorded with a failed status row; it does not abort the item.
func (s *ExecSegmenter) Split(ctx context.Context, mediaPath string, segments []domain.Segment, clipsDir string) ([]domain.ClipMeta, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("no transcript segments for %s", filepath.Base(mediaPath))
	}

	duration := s.probeDuration(ctx, mediaPath)

	base := filepath.Base(mediaPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.TrimPrefix(base, "subject_")

	rows := make([]domain.ClipMeta, 0, len(segments))
	for idx, seg := range segments {
		start := math.Ceil(seg.Start)
		endRounded := math.Ceil(seg.End)
		if endRounded <= start || start < 0 {
			continue
		}

		isLast := idx == len(segments)-1
		endWithBuffer := endRounded
		if !isLast {
			endWithBuffer += endBufferSeconds
		}
		if duration > 0 && endWithBuffer > duration {
			endWithBuffer = duration
		}

		name := fmt.Sprintf("%s-%d", base, idx)
		outPath := filepath.Join(clipsDir, name+".mp4")
		clipDur := endWithBuffer - start

		args := buildCutArgs(mediaPath, start, clipDur, outPath)
		_, err := s.runner.Run(ctx, s.ffmpegPath, args...)
		status := "success"
		if err != nil {
			status = "failed"
		}

		rows = append(rows, domain.ClipMeta{
			Name:          name,
			VideoSource:   filepath.Base(mediaPath),
			SegmentID:     idx,
			StartOriginal: seg.Start,
			StartRounded:  start,
			EndOriginal:   seg.End,
			EndRounded:    endRounded,
			EndWithBuffer: endWithBuffer,
			Duration:      clipDur,
			IsLastSegment: isLast,
			Text:          strings.TrimSpace(seg.Text),
			Status:        status,
			ClusterID:     -1,
		})
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("no usable segments for %s", filepath.Base(mediaPath))
	}
	return rows, nil
}

// probeDuration returns media duration in seconds, or 0 when unknown.
func (s *ExecSegmenter) probeDuration(ctx context.Context, mediaPath string) float64 {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		mediaPath,
	}
	result, err := s.runner.Run(ctx, s.ffprobePath, args...)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(result.Stdout), 64)
	if err != nil {
		return 0
	}
	return d
}

// clusterDocument is the JSON shape emitted by the clusterer tool.
type clusterDocument struct {
	Assignments map[string]int `json:"assignments"`
}

// ExecClassifier runs the face-clustering tool over the whole clip batch.
type ExecClassifier struct {
	clustererPath string
	runner        commandRunner
}

// NewExecClassifier builds the production classifier.
func NewExecClassifier(clustererPath string, runner commandRunner) *ExecClassifier {
	return &ExecClassifier{clustererPath: clustererPath, runner: runner}
}

// Classify maps every clip name to a cluster id. Any unlabeled clip is a
// stage failure: downstream consumers require a label on every clip.
func (c *ExecClassifier) Classify(ctx context.Context, clipsDir string, clipNames []string) (map[string]int, error) {
	outPath := filepath.Join(clipsDir, "..", "clusters.json")
	args := []string{"--cluster", "--out", outPath, clipsDir}

	result, err := c.runner.Run(ctx, c.clustererPath, args...)
	if err != nil {
		return nil, &StageError{
			Stage:   "classify",
			Message: "clustering tool failed",
			CommandLog: CommandLog{
				Command:  c.clustererPath,
				Args:     args,
				ExitCode: result.ExitCode,
				Stdout:   result.Stdout,
				Stderr:   result.Stderr,
			},
			Err: err,
		}
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, &StageError{
			Stage:   "classify",
			Message: fmt.Sprintf("cluster output missing: %s", outPath),
			Err:     err,
		}
	}

	var doc clusterDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &StageError{
			Stage:   "classify",
			Message: "cluster output is not valid JSON",
			Err:     err,
		}
	}

	for _, name := range clipNames {
		if _, ok := doc.Assignments[name]; !ok {
			return nil, &StageError{
				Stage:   "classify",
				Message: fmt.Sprintf("clip %s received no cluster label", name),
			}
		}
	}

	return doc.Assignments, nil
}

// buildFetchArgs builds download CLI args. The tool prints one local file
// path per downloaded item on stdout.
func buildFetchArgs(sourceURL string, maxItems int, destDir string) []string {
	args := []string{
		"--no-warnings",
		"--ignore-errors",
		"-f", "best[ext=mp4]/best",
		"-o", filepath.Join(destDir, "%(id)s.%(ext)s"),
		"--print", "after_move:filepath",
		"--no-simulate",
	}
	if maxItems > 0 {
		args = append(args, "--playlist-end", strconv.Itoa(maxItems))
	}
	return append(args, sourceURL)
}

// buildFrameArgs extracts a single frame at the given timestamp.
func buildFrameArgs(videoPath string, second int, framePath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-ss", strconv.Itoa(second),
		"-i", videoPath,
		"-frames:v", "1",
		framePath,
	}
}

// buildCropArgs builds the subject-region crop command.
func buildCropArgs(inputPath, outputPath string, r Region) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-filter:v", fmt.Sprintf("crop=%d:%d:%d:%d", r.Width, r.Height, r.X, r.Y),
		"-c:a", "copy",
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		outputPath,
	}
}

// buildTranscribeArgs builds transcription args for JSON segment export.
func buildTranscribeArgs(mediaPath, language, outPath string) []string {
	args := []string{
		"-i", mediaPath,
		"-o", outPath,
		"--segments-json",
	}
	if lang := normalizeLanguage(language); lang != "" {
		args = append(args, "-l", lang)
	}
	return args
}

// buildCutArgs builds one per-segment cut command.
func buildCutArgs(mediaPath string, start, duration float64, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", mediaPath,
		"-ss", formatSeconds(start),
		"-t", formatSeconds(duration),
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-c:a", "copy",
		outPath,
	}
}

// normalizeLanguage maps "auto" and empty language to no CLI override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

// formatSeconds renders a duration without trailing zeros.
func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// truncate limits tool stderr included in wrapped errors.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
