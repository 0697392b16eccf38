package collect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"clip-collector/internal/domain"
)

// CancelCheck reports whether cancellation has been requested. Every stage
// must consult it at least once per external tool invocation.
type CancelCheck func() bool

// ProgressSink receives monotonic (percent, message) updates from a run.
type ProgressSink func(percent int, message string)

// Item is one batch element flowing through the per-item stages.
type Item struct {
	Media       MediaItem
	SubjectPath string
	Segments    []domain.Segment
	Rows        []domain.ClipMeta
}

// Stage is the contract each per-item pipeline step implements. Returning
// ErrSkipItem (or any non-cancellation error) drops the item from the batch
// without failing the run; ErrCancelled aborts the run.
type Stage interface {
	Name() string
	Run(ctx context.Context, check CancelCheck, it *Item) error
}

// Progress bands per stage, summing to 100. The per-item band is divided
// evenly across surviving items.
const (
	fetchBandEnd    = 15
	itemBandEnd     = 75
	classifyBandEnd = 95
)

// Request contains input parameters and execution callbacks for one run.
type Request struct {
	SourceURL  string
	MaxItems   int
	Language   string
	WorkDir    string
	OnProgress ProgressSink
	OnDrop     func(item, reason string)
	Check      CancelCheck
}

// Result contains output artifact locations and batch accounting.
type Result struct {
	ArchivePath   string
	MetadataPath  string
	ItemsFetched  int
	ItemsAccepted int
	ItemsSurvived int
	ClipCount     int
}

// Options tune pipeline failure policy.
type Options struct {
	// RequireClassification makes a classify failure pipeline-fatal. When
	// false, unclassified clips keep cluster id -1 and the run continues.
	RequireClassification bool
}

// Pipeline executes the fixed stage sequence against one source request.
type Pipeline struct {
	fetcher     Fetcher
	transformer Transformer
	transcriber Transcriber
	segmenter   Segmenter
	classifier  Classifier
	archiver    Archiver
	opts        Options
}

// NewPipeline constructs the production pipeline from tool paths.
func NewPipeline(settings domain.Settings) *Pipeline {
	runner := &execRunner{}
	return &Pipeline{
		fetcher:     NewExecFetcher(settings.FetcherPath, settings.ClustererPath, settings.FFmpegPath, runner),
		transformer: NewExecTransformer(settings.FFmpegPath, DefaultSubjectRegion, runner),
		transcriber: NewExecTranscriber(settings.TranscriberPath, runner),
		segmenter:   NewExecSegmenter(settings.FFmpegPath, settings.FFprobePath, runner),
		classifier:  NewExecClassifier(settings.ClustererPath, runner),
		archiver:    ZipArchiver{},
		opts:        Options{RequireClassification: true},
	}
}

// NewPipelineForTests constructs a pipeline with injectable collaborators.
func NewPipelineForTests(
	fetcher Fetcher,
	transformer Transformer,
	transcriber Transcriber,
	segmenter Segmenter,
	classifier Classifier,
	archiver Archiver,
	opts Options,
) *Pipeline {
	return &Pipeline{
		fetcher:     fetcher,
		transformer: transformer,
		transcriber: transcriber,
		segmenter:   segmenter,
		classifier:  classifier,
		archiver:    archiver,
		opts:        opts,
	}
}

// Run executes fetch, the per-item stages, classification, and packaging.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.SourceURL) == "" {
		return Result{}, &StageError{Stage: "fetch", Message: "source URL is required"}
	}
	if strings.TrimSpace(req.WorkDir) == "" {
		return Result{}, &StageError{Stage: "fetch", Message: "working directory is required"}
	}

	dirs, err := prepareWorkDir(req.WorkDir)
	if err != nil {
		return Result{}, &StageError{Stage: "fetch", Message: "cannot prepare working directory", Err: err}
	}

	progress := newProgressTracker(req.OnProgress)
	check := combineCheck(ctx, req.Check)

	// Fetch: best-effort per item. Rejected or broken items are dropped.
	progress.emit(2, fmt.Sprintf("Fetching source (max %d items)", req.MaxItems))
	if check() {
		return Result{}, ErrCancelled
	}

	fetched, err := p.fetcher.Fetch(ctx, req.SourceURL, req.MaxItems, dirs.raw)
	if err != nil {
		if check() {
			return Result{}, ErrCancelled
		}
		return Result{}, err
	}
	if check() {
		return Result{}, ErrCancelled
	}

	result := Result{ItemsFetched: len(fetched)}
	batch := make([]*Item, 0, len(fetched))
	for _, media := range fetched {
		if !media.Accepted {
			req.drop(media.Title, "subject check failed")
			continue
		}
		batch = append(batch, &Item{Media: media})
	}
	result.ItemsAccepted = len(batch)
	if len(batch) == 0 {
		return result, &StageError{
			Stage:   "fetch",
			Message: fmt.Sprintf("no usable items from source (%d fetched, all rejected)", len(fetched)),
			Err:     ErrEmptyBatch,
		}
	}
	progress.emit(fetchBandEnd, fmt.Sprintf("Fetched %d item(s), %d accepted", len(fetched), len(batch)))

	// Per-item stages: failure drops the item, the run continues.
	stages := p.itemStages(req.Language, dirs)
	survivors := make([]*Item, 0, len(batch))
	bandWidth := itemBandEnd - fetchBandEnd
	for i, it := range batch {
		itemBase := fetchBandEnd + bandWidth*i/len(batch)
		stageStep := bandWidth / len(batch) / len(stages)

		failed := false
		for j, stage := range stages {
			if check() {
				return result, ErrCancelled
			}
			progress.emit(itemBase+stageStep*j, fmt.Sprintf("[%d/%d] %s: %s", i+1, len(batch), stage.Name(), it.Media.Title))

			if err := stage.Run(ctx, check, it); err != nil {
				if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
					return result, ErrCancelled
				}
				req.drop(it.Media.Title, fmt.Sprintf("%s: %v", stage.Name(), err))
				failed = true
				break
			}
		}
		if !failed {
			survivors = append(survivors, it)
		}
	}

	result.ItemsSurvived = len(survivors)
	if len(survivors) == 0 {
		return result, &StageError{
			Stage:   "segment",
			Message: fmt.Sprintf("all %d item(s) failed processing", len(batch)),
			Err:     ErrEmptyBatch,
		}
	}

	rows := make([]domain.ClipMeta, 0)
	for _, it := range survivors {
		rows = append(rows, it.Rows...)
	}

	// Classify: runs once over the whole surviving batch.
	progress.emit(itemBandEnd, fmt.Sprintf("Classifying %d clip(s)", countSuccessful(rows)))
	if check() {
		return result, ErrCancelled
	}
	if err := p.classifyRows(ctx, dirs.clips, rows); err != nil {
		if check() {
			return result, ErrCancelled
		}
		if p.opts.RequireClassification {
			return result, err
		}
		req.drop("batch", fmt.Sprintf("classification skipped: %v", err))
	}
	progress.emit(classifyBandEnd, "Classification complete")

	// Package: bundle clips and metadata into the final archive.
	if check() {
		return result, ErrCancelled
	}
	metadataPath := filepath.Join(req.WorkDir, "clips_metadata.csv")
	if err := WriteMetadata(metadataPath, rows); err != nil {
		return result, &StageError{Stage: "package", Message: "cannot write metadata", Err: err}
	}

	archivePath := filepath.Join(req.WorkDir, "result.zip")
	progress.emit(classifyBandEnd+2, "Packaging archive")
	if err := p.archiver.Package(dirs.clips, metadataPath, archivePath); err != nil {
		return result, &StageError{Stage: "package", Message: "archive packaging failed", Err: err}
	}

	result.ArchivePath = archivePath
	result.MetadataPath = metadataPath
	result.ClipCount = countSuccessful(rows)
	dropped := result.ItemsFetched - result.ItemsSurvived
	progress.emit(100, fmt.Sprintf(
		"Complete: %d/%d item(s) succeeded (%d dropped), %d clips",
		result.ItemsSurvived, result.ItemsFetched, dropped, result.ClipCount,
	))

	return result, nil
}

// itemStages builds the ordered per-item stage list bound to the work dirs.
func (p *Pipeline) itemStages(language string, dirs workDirs) []Stage {
	return []Stage{
		&transformStage{transformer: p.transformer, outDir: dirs.subject},
		&transcribeStage{transcriber: p.transcriber, language: language, outDir: dirs.transcripts},
		&segmentStage{segmenter: p.segmenter, clipsDir: dirs.clips},
	}
}

// classifyRows labels every successfully rendered clip row in place.
func (p *Pipeline) classifyRows(ctx context.Context, clipsDir string, rows []domain.ClipMeta) error {
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.Status == "success" {
			names = append(names, row.Name)
		}
	}
	if len(names) == 0 {
		return &StageError{Stage: "classify", Message: "no rendered clips to classify", Err: ErrEmptyBatch}
	}

	assignments, err := p.classifier.Classify(ctx, clipsDir, names)
	if err != nil {
		return err
	}

	for i := range rows {
		if id, ok := assignments[rows[i].Name]; ok {
			rows[i].ClusterID = id
		}
	}
	return nil
}

// drop reports one dropped batch item to the request's handler.
func (req Request) drop(item, reason string) {
	if req.OnDrop != nil {
		req.OnDrop(item, reason)
	}
}

// transformStage crops the subject region for one item.
type transformStage struct {
	transformer Transformer
	outDir      string
}

func (s *transformStage) Name() string { return "transform" }

func (s *transformStage) Run(ctx context.Context, check CancelCheck, it *Item) error {
	if check() {
		return ErrCancelled
	}
	out := filepath.Join(s.outDir, "subject_"+filepath.Base(it.Media.Path))
	if err := s.transformer.Transform(ctx, it.Media.Path, out); err != nil {
		return err
	}
	it.SubjectPath = out
	return nil
}

// transcribeStage produces transcript segments for one item.
type transcribeStage struct {
	transcriber Transcriber
	language    string
	outDir      string
}

func (s *transcribeStage) Name() string { return "transcribe" }

func (s *transcribeStage) Run(ctx context.Context, check CancelCheck, it *Item) error {
	if check() {
		return ErrCancelled
	}
	segments, err := s.transcriber.Transcribe(ctx, it.SubjectPath, s.language, s.outDir)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("transcript is empty: %w", ErrSkipItem)
	}
	it.Segments = segments
	return nil
}

// segmentStage cuts one item into per-segment clips.
type segmentStage struct {
	segmenter Segmenter
	clipsDir  string
}

func (s *segmentStage) Name() string { return "segment" }

func (s *segmentStage) Run(ctx context.Context, check CancelCheck, it *Item) error {
	if check() {
		return ErrCancelled
	}
	rows, err := s.segmenter.Split(ctx, it.SubjectPath, it.Segments, s.clipsDir)
	if err != nil {
		return err
	}
	it.Rows = rows
	return nil
}

// workDirs is the fixed per-run directory layout.
type workDirs struct {
	raw         string
	subject     string
	transcripts string
	clips       string
}

// prepareWorkDir creates the per-run directory tree.
func prepareWorkDir(workDir string) (workDirs, error) {
	dirs := workDirs{
		raw:         filepath.Join(workDir, "raw"),
		subject:     filepath.Join(workDir, "subject"),
		transcripts: filepath.Join(workDir, "transcripts"),
		clips:       filepath.Join(workDir, "clips"),
	}
	for _, d := range []string{dirs.raw, dirs.subject, dirs.transcripts, dirs.clips} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return workDirs{}, err
		}
	}
	return dirs, nil
}

// progressTracker clamps emitted progress to a non-decreasing sequence.
type progressTracker struct {
	sink ProgressSink
	last int
}

func newProgressTracker(sink ProgressSink) *progressTracker {
	return &progressTracker{sink: sink}
}

// emit forwards a progress update, ignoring out-of-order decreases.
func (t *progressTracker) emit(percent int, message string) {
	if percent < t.last {
		percent = t.last
	}
	if percent > 100 {
		percent = 100
	}
	t.last = percent
	if t.sink != nil {
		t.sink(percent, message)
	}
}

// combineCheck merges the caller's cancel check with context cancellation.
func combineCheck(ctx context.Context, check CancelCheck) CancelCheck {
	return func() bool {
		if ctx.Err() != nil {
			return true
		}
		return check != nil && check()
	}
}

// countSuccessful counts rows whose clip rendered.
func countSuccessful(rows []domain.ClipMeta) int {
	n := 0
	for _, row := range rows {
		if row.Status == "success" {
			n++
		}
	}
	return n
}
