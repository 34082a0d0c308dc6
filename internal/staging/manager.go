package staging

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"chainrunner/internal/chain"
	"chainrunner/internal/comfy"
	"chainrunner/internal/safeio"
)

// DefaultSubdir is the staging directory under the server's input area.
const DefaultSubdir = "chain_result"

var videoExts = map[string]bool{
	".mp4":  true,
	".avi":  true,
	".mov":  true,
	".mkv":  true,
	".webm": true,
	".gif":  true,
}

// Archive receives a copy of every staged file. archive.Store satisfies it.
type Archive interface {
	Put(ctx context.Context, executionID, path string, content []byte) error
}

type Config struct {
	// BasePath is the remote server's root holding output/ and input/.
	BasePath string
	Subdir   string
	Archive  Archive
}

// Manager copies step outputs from the server's output area into a staging
// directory inside its input area, so later steps can load them by a
// server-relative path.
type Manager struct {
	outputRoot string
	stageDir   string
	subdir     string
	archive    Archive

	mu       sync.Mutex
	prepared string
	source   *safeio.Root
}

func NewManager(cfg Config) (*Manager, error) {
	base := strings.TrimSpace(cfg.BasePath)
	if base == "" {
		return nil, fmt.Errorf("staging base path is required")
	}
	subdir := strings.Trim(strings.TrimSpace(cfg.Subdir), "/")
	if subdir == "" {
		subdir = DefaultSubdir
	}
	return &Manager{
		outputRoot: filepath.Join(base, "output"),
		stageDir:   filepath.Join(base, "input", filepath.FromSlash(subdir)),
		subdir:     subdir,
		archive:    cfg.Archive,
	}, nil
}

// Dir returns the absolute staging directory.
func (m *Manager) Dir() string { return m.stageDir }

// LocalPath maps a cached path handed to later steps back to the file on disk.
func (m *Manager) LocalPath(cachedPath string) string {
	rel := strings.TrimPrefix(filepath.ToSlash(cachedPath), m.subdir+"/")
	return filepath.Join(m.stageDir, filepath.FromSlash(rel))
}

// SourcePath returns where the server wrote o. It fails when the file does
// not exist or the reference would escape the output area.
func (m *Manager) SourcePath(o comfy.Output) (string, error) {
	root, err := m.outputArea()
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(o.Filename)
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid filename %q", o.Filename)
	}
	rel := filepath.Join(filepath.FromSlash(o.Subfolder), name)
	if _, err := root.Stat(rel); err != nil {
		return "", err
	}
	// Keep the unresolved path so symlinked output areas report the path
	// the server itself uses.
	return filepath.Join(m.outputRoot, rel), nil
}

func (m *Manager) outputArea() (*safeio.Root, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.source != nil {
		return m.source, nil
	}
	root, err := safeio.Open(m.outputRoot)
	if err != nil {
		return nil, fmt.Errorf("open output area: %w", err)
	}
	m.source = root
	return root, nil
}

func (m *Manager) ensureDir(executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prepared == executionID {
		return nil
	}
	if err := os.MkdirAll(m.stageDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	m.prepared = executionID
	return nil
}

// Cache copies each output into the staging directory as
// "{executionID}_{filename}" and returns the outputs that were copied.
// Missing sources are skipped. Video outputs also bring along a same-stem
// .png thumbnail when one exists.
func (m *Manager) Cache(ctx context.Context, outputs []comfy.Output, stepID, executionID string) []chain.CachedOutput {
	if len(outputs) == 0 {
		return nil
	}
	if err := m.ensureDir(executionID); err != nil {
		log.Printf("staging: %v", err)
		return nil
	}

	cached := make([]chain.CachedOutput, 0, len(outputs))
	for _, o := range outputs {
		src, err := m.SourcePath(o)
		if err != nil {
			log.Printf("staging: skip output %s (%s/%s): %v", o.NodeID, o.Subfolder, o.Filename, err)
			continue
		}
		name := m.stagedName(executionID, o)
		if err := copyFile(src, filepath.Join(m.stageDir, name)); err != nil {
			log.Printf("staging: copy %s: %v", src, err)
			continue
		}
		m.mirror(ctx, executionID, stepID, name)

		if videoExts[strings.ToLower(filepath.Ext(o.Filename))] {
			m.copyThumbnail(ctx, src, name, stepID, executionID)
		}

		cached = append(cached, chain.CachedOutput{
			SourceNodeID: o.NodeID,
			Filename:     o.Filename,
			Subfolder:    o.Subfolder,
			OriginalPath: src,
			CachedPath:   path.Join(m.subdir, name),
		})
	}
	return cached
}

// stagedName is {executionID}_{filename}. An output whose name is already
// staged in this execution gets its subfolder folded into the name.
func (m *Manager) stagedName(executionID string, o comfy.Output) string {
	name := executionID + "_" + o.Filename
	if !m.staged(name) {
		return name
	}
	sub := strings.Trim(strings.ReplaceAll(filepath.ToSlash(o.Subfolder), "/", "_"), "_")
	if sub != "" {
		if alt := executionID + "_" + sub + "_" + o.Filename; !m.staged(alt) {
			return alt
		}
	}
	log.Printf("staging: %s already staged, overwriting (node %s, subfolder %q)", name, o.NodeID, o.Subfolder)
	return name
}

func (m *Manager) staged(name string) bool {
	_, err := os.Stat(filepath.Join(m.stageDir, name))
	return err == nil
}

// copyThumbnail stages the .png sibling of a video next to its staged name.
func (m *Manager) copyThumbnail(ctx context.Context, src, stagedVideo, stepID, executionID string) {
	stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	thumbSrc := filepath.Join(filepath.Dir(src), stem+".png")
	if _, err := os.Stat(thumbSrc); err != nil {
		return
	}
	name := strings.TrimSuffix(stagedVideo, filepath.Ext(stagedVideo)) + ".png"
	if err := copyFile(thumbSrc, filepath.Join(m.stageDir, name)); err != nil {
		log.Printf("staging: copy thumbnail %s: %v", thumbSrc, err)
		return
	}
	m.mirror(ctx, executionID, stepID, name)
}

func (m *Manager) mirror(ctx context.Context, executionID, stepID, name string) {
	if m.archive == nil {
		return
	}
	content, err := os.ReadFile(filepath.Join(m.stageDir, name))
	if err != nil {
		log.Printf("staging: archive read %s: %v", name, err)
		return
	}
	if err := m.archive.Put(ctx, executionID, path.Join(stepID, name), content); err != nil {
		log.Printf("staging: archive put %s/%s: %v", executionID, name, err)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
