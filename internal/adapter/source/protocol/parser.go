package protocol

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"gopkg.in/yaml.v3"

	applog "crisisrag/internal/platform/log"
)

// ── Parser 接口 ───────────────────────────────────────────────

// ParseResult 预案文档解析结果
type ParseResult struct {
	ID           string         `json:"id,omitempty"`
	Title        string         `json:"title,omitempty"`
	DisasterType string         `json:"disaster_type,omitempty"`
	Content      string         `json:"content"`
	Format       string         `json:"format"`
	Pages        int            `json:"pages,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Parser 文档解析器接口
type Parser interface {
	// Parse 解析文档，返回纯文本内容
	Parse(reader io.Reader, filename string) (*ParseResult, error)
	// SupportedTypes 支持的文件扩展名
	SupportedTypes() []string
}

// ── YAML Parser ──────────────────────────────────────────────

// YAMLParser 结构化预案：标题、灾害类型、概述与步骤
type YAMLParser struct{}

type yamlProtocol struct {
	ID           string    `yaml:"id"`
	Title        string    `yaml:"title"`
	DisasterType string    `yaml:"disaster_type"`
	Summary      string    `yaml:"summary"`
	Body         string    `yaml:"body"`
	Steps        []string  `yaml:"steps"`
	Contacts     []string  `yaml:"contacts"`
	Tags         []string  `yaml:"tags"`
	Agency       string    `yaml:"agency"`
	UpdatedAt    time.Time `yaml:"updated_at"`
}

func (p *YAMLParser) SupportedTypes() []string {
	return []string{".yaml", ".yml"}
}

func (p *YAMLParser) Parse(reader io.Reader, filename string) (*ParseResult, error) {
	var doc yamlProtocol
	if err := yaml.NewDecoder(reader).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode yaml protocol: %w", err)
	}

	var sb strings.Builder
	if s := strings.TrimSpace(doc.Summary); s != "" {
		sb.WriteString(s)
		sb.WriteString("\n\n")
	}
	if b := strings.TrimSpace(doc.Body); b != "" {
		sb.WriteString(b)
		sb.WriteString("\n\n")
	}
	for i, step := range doc.Steps {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, strings.TrimSpace(step))
	}
	if len(doc.Contacts) > 0 {
		sb.WriteString("\nContacts: ")
		sb.WriteString(strings.Join(doc.Contacts, "; "))
	}

	meta := map[string]any{}
	if len(doc.Tags) > 0 {
		meta["tags"] = doc.Tags
	}
	if doc.Agency != "" {
		meta["agency"] = doc.Agency
	}
	if len(doc.Steps) > 0 {
		meta["steps"] = len(doc.Steps)
	}

	return &ParseResult{
		ID:           doc.ID,
		Title:        strings.TrimSpace(doc.Title),
		DisasterType: strings.ToLower(strings.TrimSpace(doc.DisasterType)),
		Content:      strings.TrimSpace(sb.String()),
		Format:       "yaml",
		UpdatedAt:    doc.UpdatedAt,
		Metadata:     meta,
	}, nil
}

// ── Markdown Parser ──────────────────────────────────────────

// MarkdownParser 去除 Markdown 格式标记，首个一级标题作为标题
type MarkdownParser struct{}

var (
	reMarkdownHeader = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reMarkdownBold   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reMarkdownItalic = regexp.MustCompile(`\*(.+?)\*`)
	reMarkdownCode   = regexp.MustCompile("```[\\s\\S]*?```")
	reMarkdownInline = regexp.MustCompile("`([^`]+)`")
	reMarkdownLink   = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	reMarkdownImage  = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	reMarkdownHTML   = regexp.MustCompile(`<[^>]+>`)
	// front matter 中的 disaster_type: xxx
	reFrontMatterType = regexp.MustCompile(`(?mi)^disaster_type:\s*(\w+)\s*$`)
)

func (p *MarkdownParser) SupportedTypes() []string {
	return []string{".md", ".markdown"}
}

func (p *MarkdownParser) Parse(reader io.Reader, filename string) (*ParseResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read markdown: %w", err)
	}
	text := string(data)

	disasterType := ""
	if strings.HasPrefix(text, "---\n") {
		if end := strings.Index(text[4:], "\n---"); end >= 0 {
			front := text[4 : 4+end]
			if m := reFrontMatterType.FindStringSubmatch(front); m != nil {
				disasterType = strings.ToLower(m[1])
			}
			text = text[4+end+4:]
		}
	}

	title := ""
	for _, line := range strings.SplitN(text, "\n", 20) {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
			break
		}
	}

	// 保留代码块内容，去除 ``` 标记
	text = reMarkdownCode.ReplaceAllStringFunc(text, func(s string) string {
		s = strings.TrimPrefix(s, "```")
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		return strings.TrimSpace(strings.TrimSuffix(s, "```"))
	})
	text = reMarkdownImage.ReplaceAllString(text, "$1")
	text = reMarkdownLink.ReplaceAllString(text, "$1")
	text = reMarkdownBold.ReplaceAllString(text, "$1")
	text = reMarkdownItalic.ReplaceAllString(text, "$1")
	text = reMarkdownInline.ReplaceAllString(text, "$1")
	text = reMarkdownHeader.ReplaceAllString(text, "")
	text = reMarkdownHTML.ReplaceAllString(text, "")

	return &ParseResult{
		Title:        title,
		DisasterType: disasterType,
		Content:      strings.TrimSpace(cleanExtraNewlines(text)),
		Format:       "markdown",
	}, nil
}

// ── Plain Text Parser ────────────────────────────────────────

// PlainTextParser 纯文本，首个非空行作为标题
type PlainTextParser struct{}

func (p *PlainTextParser) SupportedTypes() []string {
	return []string{".txt", ".text"}
}

func (p *PlainTextParser) Parse(reader io.Reader, filename string) (*ParseResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	content := strings.TrimSpace(string(data))
	return &ParseResult{
		Title:   firstLine(content),
		Content: content,
		Format:  "text",
	}, nil
}

// ── PDF Parser ───────────────────────────────────────────────

// PDFParser 提取 PDF 文本
type PDFParser struct{}

func (p *PDFParser) SupportedTypes() []string {
	return []string{".pdf"}
}

func (p *PDFParser) Parse(reader io.Reader, filename string) (*ParseResult, error) {
	// pdf 库需要 io.ReaderAt + size，先读到内存
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read pdf data: %w", err)
	}

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	pages := r.NumPage()
	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			applog.Warn("[Protocol/PDF] Failed to extract page text", "file", filename, "page", i, "error", err)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			sb.WriteString(text)
			sb.WriteString("\n\n")
		}
	}

	content := strings.TrimSpace(cleanExtraNewlines(sb.String()))
	return &ParseResult{
		Title:    firstLine(content),
		Content:  content,
		Format:   "pdf",
		Pages:    pages,
		Metadata: map[string]any{"pages": pages},
	}, nil
}

// ── DOCX Parser ──────────────────────────────────────────────

// DOCXParser 提取 Word 文档文本
type DOCXParser struct{}

var (
	reDocxParagraphEnd = regexp.MustCompile(`</w:p>`)
	reDocxTag          = regexp.MustCompile(`<[^>]+>`)
)

func (p *DOCXParser) SupportedTypes() []string {
	return []string{".docx"}
}

func (p *DOCXParser) Parse(reader io.Reader, filename string) (*ParseResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read docx data: %w", err)
	}

	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	defer r.Close()

	// GetContent 返回 document.xml，段落结束处换行后去掉所有标签
	xml := r.Editable().GetContent()
	xml = reDocxParagraphEnd.ReplaceAllString(xml, "\n")
	text := html.UnescapeString(reDocxTag.ReplaceAllString(xml, ""))

	var sb strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}

	content := strings.TrimSpace(cleanExtraNewlines(sb.String()))
	return &ParseResult{
		Title:   firstLine(content),
		Content: content,
		Format:  "docx",
	}, nil
}

// ── 辅助函数 ─────────────────────────────────────────────────

var reMultiNewlines = regexp.MustCompile(`\n{3,}`)

func cleanExtraNewlines(text string) string {
	return reMultiNewlines.ReplaceAllString(text, "\n\n")
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			if len([]rune(line)) > 120 {
				return string([]rune(line)[:120])
			}
			return line
		}
	}
	return ""
}
