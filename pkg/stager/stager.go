// Package stager enumerates candidate images in a folder and moves finished
// image and caption pairs into the processed subfolder.
package stager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/menta2k/image-captioner/internal/utils"
	"github.com/menta2k/image-captioner/pkg/types"
)

// ProcessedDirName is the subfolder that receives finished pairs
const ProcessedDirName = "processed"

// SidecarExt is the extension of the caption file written next to an image
const SidecarExt = ".txt"

var (
	ErrNoImagesFound      = errors.New("no supported images found")
	ErrSidecarWriteFailed = errors.New("sidecar write failed")
	ErrStageFailed        = errors.New("stage failed")
)

// Stager is the filesystem side of a batch run
type Stager interface {
	Enumerate(folderPath string) ([]types.ImageJob, error)
	WriteSidecar(job types.ImageJob, text string) error
	Stage(job types.ImageJob) error
}

// FileStager implements Stager on the local filesystem
type FileStager struct {
	processedDir string
}

// New creates a FileStager using the default processed folder name
func New() *FileStager {
	return &FileStager{processedDir: ProcessedDirName}
}

// NewWithDir creates a FileStager that stages into a custom subfolder name
func NewWithDir(name string) *FileStager {
	if name == "" {
		name = ProcessedDirName
	}
	return &FileStager{processedDir: name}
}

// Enumerate lists the images directly inside folderPath, sorted by name.
// Subdirectories, including the processed folder, are never descended into.
func (s *FileStager) Enumerate(folderPath string) ([]types.ImageJob, error) {
	entries, err := os.ReadDir(folderPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read folder: %w", err)
	}

	abs, err := filepath.Abs(folderPath)
	if err != nil {
		abs = folderPath
	}

	var jobs []types.ImageJob
	for _, e := range entries {
		if e.IsDir() || !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if !utils.IsImageFile(name) {
			continue
		}
		jobs = append(jobs, types.ImageJob{
			SourcePath: filepath.Join(abs, name),
			BaseName:   strings.TrimSuffix(name, filepath.Ext(name)),
			FolderPath: abs,
		})
	}

	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImagesFound, folderPath)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].SourcePath < jobs[j].SourcePath
	})
	return jobs, nil
}

// SidecarPath returns where the caption file for job is written
func SidecarPath(job types.ImageJob) string {
	return utils.ReplaceExt(job.SourcePath, SidecarExt)
}

// ProcessedDir returns the staging directory for job
func (s *FileStager) ProcessedDir(job types.ImageJob) string {
	return filepath.Join(job.FolderPath, s.processedDir)
}

// WriteSidecar writes text next to the source image, replacing any existing file
func (s *FileStager) WriteSidecar(job types.ImageJob, text string) error {
	if err := os.WriteFile(SidecarPath(job), []byte(text), 0644); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSidecarWriteFailed, job.FileName(), err)
	}
	return nil
}

// Stage moves the image, then its sidecar, into the processed folder.
// A failure on the second move leaves the image staged without its caption.
func (s *FileStager) Stage(job types.ImageJob) error {
	dir := s.ProcessedDir(job)
	if err := utils.EnsureDir(dir); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrStageFailed, dir, err)
	}

	imgDst := filepath.Join(dir, filepath.Base(job.SourcePath))
	if err := utils.MoveFile(job.SourcePath, imgDst); err != nil {
		return fmt.Errorf("%w: move image %s: %v", ErrStageFailed, job.FileName(), err)
	}

	sidecar := SidecarPath(job)
	txtDst := filepath.Join(dir, filepath.Base(sidecar))
	if err := utils.MoveFile(sidecar, txtDst); err != nil {
		return fmt.Errorf("%w: move sidecar %s: %v", ErrStageFailed, filepath.Base(sidecar), err)
	}
	return nil
}
