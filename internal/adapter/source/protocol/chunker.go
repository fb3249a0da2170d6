package protocol

import (
	"strings"
	"unicode/utf8"
)

// Chunker 预案正文分块器：按段落合并到 chunkSize 以内，块间带 overlap 重叠
type Chunker struct {
	chunkSize int // 每块最大字符数
	overlap   int // 块间重叠字符数
}

// NewChunker 创建分块器
func NewChunker(chunkSize, overlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 1200
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = chunkSize / 8
	}
	return &Chunker{
		chunkSize: chunkSize,
		overlap:   overlap,
	}
}

// Chunk 切分正文；不超过 chunkSize 的正文原样返回一块
func (c *Chunker) Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= c.chunkSize {
		return []string{text}
	}
	return c.mergeParagraphs(splitParagraphs(text))
}

// splitParagraphs 按换行分段，丢弃空行
func splitParagraphs(text string) []string {
	var parts []string
	for _, p := range strings.Split(text, "\n") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// mergeParagraphs 将段落合并为不超过 chunkSize 的块，带 overlap
func (c *Chunker) mergeParagraphs(paragraphs []string) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
		}
		current.Reset()
	}

	for _, para := range paragraphs {
		paraLen := utf8.RuneCountInString(para)

		// 单段超长，硬切分
		if paraLen > c.chunkSize {
			flush()
			runes := []rune(para)
			for i := 0; i < len(runes); i += c.chunkSize - c.overlap {
				end := min(i+c.chunkSize, len(runes))
				chunks = append(chunks, string(runes[i:end]))
				if end >= len(runes) {
					break
				}
			}
			continue
		}

		currentLen := utf8.RuneCountInString(current.String())
		if currentLen > 0 && currentLen+paraLen+1 > c.chunkSize {
			prev := current.String()
			flush()
			// 取前一块尾部作为重叠
			if c.overlap > 0 {
				prevRunes := []rune(prev)
				if len(prevRunes) > c.overlap && c.overlap+paraLen+1 <= c.chunkSize {
					current.WriteString(string(prevRunes[len(prevRunes)-c.overlap:]))
				}
			}
		}

		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(para)
	}
	flush()
	return chunks
}
