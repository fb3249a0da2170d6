package protocol

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ParserRegistry 按扩展名选择解析器
type ParserRegistry struct {
	mu      sync.RWMutex
	parsers map[string]Parser // key = ".ext"
}

// NewParserRegistry 创建解析器注册表并注册内置解析器
func NewParserRegistry() *ParserRegistry {
	r := &ParserRegistry{
		parsers: make(map[string]Parser),
	}

	r.Register(&YAMLParser{})
	r.Register(&MarkdownParser{})
	r.Register(&PlainTextParser{})
	r.Register(&PDFParser{})
	r.Register(&DOCXParser{})

	return r
}

// Register 注册解析器，同扩展名后注册者覆盖
func (r *ParserRegistry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range p.SupportedTypes() {
		r.parsers[strings.ToLower(ext)] = p
	}
}

// Get 根据文件名获取解析器
func (r *ParserRegistry) Get(filename string) (Parser, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return nil, fmt.Errorf("no file extension in filename: %s", filename)
	}

	r.mu.RLock()
	p, ok := r.parsers[ext]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported file type: %s (supported: %s)", ext, strings.Join(r.SupportedTypes(), ", "))
	}
	return p, nil
}

// Supports 文件扩展名是否已注册
func (r *ParserRegistry) Supports(filename string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.parsers[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// SupportedTypes 返回所有支持的扩展名（排序）
func (r *ParserRegistry) SupportedTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.parsers))
	for ext := range r.parsers {
		types = append(types, ext)
	}
	sort.Strings(types)
	return types
}
