package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
)

const maxListedFiles = 8

// mediaExtensions are the file types worth offering for upload.
var mediaExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".bmp": true,
	".mp4": true, ".webm": true, ".mov": true, ".avi": true, ".mkv": true,
}

// FileItem is one uploadable file found on disk.
type FileItem struct {
	Name string
	Path string
	Size int64
}

// expandPath resolves a leading ~ to the home directory.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// resolveUploadPath checks that path names a regular file.
func resolveUploadPath(path string) (string, fs.FileInfo, error) {
	path = expandPath(strings.Trim(path, `"'`))
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, fmt.Errorf("no such file: %s", path)
		}
		return "", nil, err
	}
	if info.IsDir() {
		return "", nil, fmt.Errorf("%s is a directory", path)
	}
	return path, info, nil
}

// browseDirectory lists image and video files in dir sorted by name.
func browseDirectory(dir string) ([]FileItem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	items := make([]FileItem, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if !mediaExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		item := FileItem{Name: name, Path: filepath.Join(dir, name)}
		if info, err := entry.Info(); err == nil {
			item.Size = info.Size()
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Name < items[j].Name
	})
	return items, nil
}

// getDefaultBrowsePath returns a sensible starting directory for /files.
func getDefaultBrowsePath() string {
	if home, err := os.UserHomeDir(); err == nil {
		for _, sub := range []string{"Pictures", "Downloads"} {
			candidate := filepath.Join(home, sub)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		return home
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// listMediaCmd reports uploadable files in dir as a notice.
func listMediaCmd(dir string) tea.Cmd {
	if dir == "" {
		dir = getDefaultBrowsePath()
	}
	dir = expandPath(dir)
	return func() tea.Msg {
		items, err := browseDirectory(dir)
		if err != nil {
			return noticeMsg(fmt.Sprintf("Cannot list %s: %v", dir, err))
		}
		return noticeMsg(describeMedia(dir, items))
	}
}

func describeMedia(dir string, items []FileItem) string {
	if len(items) == 0 {
		return fmt.Sprintf("No images or videos in %s", dir)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Media in %s (use /upload <path>):", dir)
	for i, item := range items {
		if i == maxListedFiles {
			fmt.Fprintf(&sb, "\n  … and %d more", len(items)-maxListedFiles)
			break
		}
		fmt.Fprintf(&sb, "\n  %s  %s", item.Name, humanize.IBytes(uint64(item.Size)))
	}
	return sb.String()
}
