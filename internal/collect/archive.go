package collect

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"clip-collector/internal/domain"
)

// metadataColumns is the clip metadata CSV header, cluster id last.
var metadataColumns = []string{
	"name", "video_source", "segment_id",
	"start_original", "start_rounded",
	"end_original", "end_rounded", "end_with_buffer",
	"duration", "is_last_segment", "text", "status", "cluster_id",
}

// WriteMetadata writes all clip rows as a CSV file.
func WriteMetadata(path string, rows []domain.ClipMeta) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(metadataColumns); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			row.Name,
			row.VideoSource,
			strconv.Itoa(row.SegmentID),
			formatSeconds(row.StartOriginal),
			formatSeconds(row.StartRounded),
			formatSeconds(row.EndOriginal),
			formatSeconds(row.EndRounded),
			formatSeconds(row.EndWithBuffer),
			formatSeconds(row.Duration),
			strconv.FormatBool(row.IsLastSegment),
			row.Text,
			row.Status,
			strconv.Itoa(row.ClusterID),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

// ZipArchiver bundles clips and metadata into a single deflated zip.
type ZipArchiver struct{}

// Package writes archivePath containing every clip under clips/ plus the
// metadata CSV at the archive root.
func (ZipArchiver) Package(clipsDir, metadataPath, archivePath string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	entries, err := os.ReadDir(clipsDir)
	if err != nil {
		return fmt.Errorf("read clips directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".mp4") {
			continue
		}
		if err := addFile(zw, filepath.Join(clipsDir, entry.Name()), "clips/"+entry.Name()); err != nil {
			return err
		}
	}

	if _, err := os.Stat(metadataPath); err == nil {
		if err := addFile(zw, metadataPath, filepath.Base(metadataPath)); err != nil {
			return err
		}
	}

	return zw.Close()
}

// addFile copies one file into the archive under the given name.
func addFile(zw *zip.Writer, srcPath, name string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}
