package memorydb

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"crisisrag/internal/domain/search"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "at": {}, "be": {}, "for": {}, "from": {}, "in": {},
	"is": {}, "it": {}, "near": {}, "of": {}, "on": {}, "or": {}, "the": {}, "to": {}, "what": {},
	"with": {}, "how": {}, "do": {}, "should": {}, "we": {},
}

// tokenize 小写化并按非字母数字切分，去掉停用词和单字符
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// LexicalSearch 词项重叠打分：每个命中的查询词贡献 1+ln(tf)，标题命中翻倍。返回原始分数。
func (s *Store) LexicalSearch(ctx context.Context, query string, opts search.Options) ([]search.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := uniqueTerms(tokenize(query))
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []search.Hit
	for _, doc := range s.sortedDocs() {
		if !opts.Filter(*doc) {
			continue
		}
		body := termFreq(tokenize(doc.Text))
		title := termFreq(tokenize(doc.Title))

		var score float64
		for _, t := range terms {
			if tf := body[t]; tf > 0 {
				score += 1 + math.Log(float64(tf))
			}
			if title[t] > 0 {
				score += 2
			}
		}
		if score <= 0 {
			continue
		}
		hits = append(hits, search.Hit{
			Document:     copyDocument(doc),
			Score:        score,
			LexicalScore: score,
			Method:       search.MethodLexical,
		})
	}
	return topN(hits, opts.Limit), nil
}

// VectorSearch 余弦相似度，只比较已写入向量且维度一致的文档
func (s *Store) VectorSearch(ctx context.Context, vec []float32, opts search.Options) ([]search.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []search.Hit
	for _, doc := range s.sortedDocs() {
		if len(doc.Embedding) != len(vec) || !opts.Filter(*doc) {
			continue
		}
		sim := cosine(vec, doc.Embedding)
		hits = append(hits, search.Hit{
			Document:    copyDocument(doc),
			Score:       sim,
			VectorScore: sim,
			Method:      search.MethodVector,
		})
	}
	return topN(hits, opts.Limit), nil
}

func uniqueTerms(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func termFreq(tokens []string) map[string]int {
	m := make(map[string]int, len(tokens))
	for _, t := range tokens {
		m[t]++
	}
	return m
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// topN 分数降序，同分按发布时间新者在前，再按 ID
func topN(hits []search.Hit, limit int) []search.Hit {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Document.PublishedAt.Equal(hits[j].Document.PublishedAt) {
			return hits[i].Document.PublishedAt.After(hits[j].Document.PublishedAt)
		}
		return hits[i].Document.ID < hits[j].Document.ID
	})
	if limit <= 0 {
		limit = search.DefaultLimit
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

var _ search.Index = (*Store)(nil)
