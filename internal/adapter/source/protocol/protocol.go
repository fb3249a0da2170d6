// Package protocol 从本地目录加载应急预案文档（yaml / markdown / 文本 / pdf / docx），
// 长文档分块后每块作为一条记录。
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"crisisrag/internal/domain/signal"
	applog "crisisrag/internal/platform/log"
)

// Config 预案目录配置
type Config struct {
	Dir          string
	ChunkSize    int
	ChunkOverlap int
	MaxFileSize  int // MB，默认 20
}

// Adapter 预案目录适配器
type Adapter struct {
	dir     string
	maxSize int64
	chunker *Chunker
	parsers *ParserRegistry
}

// New 创建适配器
func New(cfg Config) *Adapter {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 20
	}
	return &Adapter{
		dir:     cfg.Dir,
		maxSize: int64(cfg.MaxFileSize) << 20,
		chunker: NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		parsers: NewParserRegistry(),
	}
}

func (a *Adapter) Source() signal.Source { return signal.SourceProtocol }

// Parsers 返回解析器注册表，可注册额外格式
func (a *Adapter) Parsers() *ParserRegistry { return a.parsers }

// Fetch 遍历目录。单个文件解析失败只记录告警并跳过；目录不可读返回错误。
func (a *Adapter) Fetch(ctx context.Context) ([]signal.RawItem, error) {
	if a.dir == "" {
		return nil, errors.New("protocol dir not configured")
	}
	info, err := os.Stat(a.dir)
	if err != nil {
		return nil, fmt.Errorf("protocol dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("protocol dir %s is not a directory", a.dir)
	}

	var (
		items   []signal.RawItem
		files   int
		skipped int
	)
	err = filepath.WalkDir(a.dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != a.dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !a.parsers.Supports(name) {
			return nil
		}

		docs, err := a.loadFile(path, d)
		if err != nil {
			skipped++
			applog.Warn("[Protocol] Skipping file", "path", path, "error", err)
			return nil
		}
		files++
		items = append(items, docs...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk protocol dir: %w", err)
	}

	applog.Info("[Protocol] Documents loaded", "dir", a.dir, "files", files, "skipped", skipped, "chunks", len(items))
	return items, nil
}

func (a *Adapter) loadFile(path string, d fs.DirEntry) ([]signal.RawItem, error) {
	info, err := d.Info()
	if err != nil {
		return nil, err
	}
	if info.Size() > a.maxSize {
		return nil, fmt.Errorf("file too large: %d bytes", info.Size())
	}

	parser, err := a.parsers.Get(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	res, err := parser.Parse(f, filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(res.Content) == "" {
		return nil, errors.New("empty document")
	}

	rel, err := filepath.Rel(a.dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)

	id := res.ID
	if id == "" {
		id = strings.TrimSuffix(rel, filepath.Ext(rel))
	}
	title := res.Title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	disasterType := res.DisasterType
	if disasterType == "" {
		disasterType = signal.InferDisasterType(title + "\n" + res.Content)
	}
	if disasterType == "" {
		disasterType = signal.CategoryGeneral
	}
	updated := res.UpdatedAt
	if updated.IsZero() {
		updated = info.ModTime()
	}

	chunks := a.chunker.Chunk(res.Content)
	items := make([]signal.RawItem, 0, len(chunks))
	for i, chunk := range chunks {
		items = append(items, signal.ProtocolDoc{
			ID:           id,
			Title:        title,
			DisasterType: disasterType,
			Body:         chunk,
			Path:         rel,
			Format:       res.Format,
			ChunkIndex:   i,
			ChunkCount:   len(chunks),
			UpdatedAt:    updated,
			Meta:         res.Metadata,
		})
	}
	return items, nil
}
