package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/samber/lo"

	"crisisrag/internal/domain/search"
	"crisisrag/internal/domain/signal"
)

// LexicalSearch ts_rank_cd 全文检索，查询词之间为 OR 关系。返回原始分数。
func (r *Repository) LexicalSearch(ctx context.Context, query string, opts search.Options) ([]search.Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	// plainto_tsquery 生成的是 AND 连接，改写为 OR 以便只命中部分词的文档也能召回
	tsq := fmt.Sprintf(`NULLIF(replace(plainto_tsquery('%s', $1)::text, '&', '|'), '')::tsquery`, r.tsc)
	where, args := buildFilters(opts, []any{query}, "search_tsv @@ q.query")
	args = append(args, limitOf(opts))

	sqlText := fmt.Sprintf(
		`SELECT %s, ts_rank_cd(search_tsv, q.query) AS score
		 FROM documents, (SELECT %s AS query) q
		 WHERE %s
		 ORDER BY score DESC, published_at DESC, id
		 LIMIT $%d`,
		documentColumns, tsq, where, len(args),
	)
	return r.queryHits(ctx, sqlText, args, search.MethodLexical)
}

// VectorSearch pgvector 余弦距离检索，分数为 1 - distance
func (r *Repository) VectorSearch(ctx context.Context, vec []float32, opts search.Options) ([]search.Hit, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	if r.dims > 0 && len(vec) != r.dims {
		return nil, fmt.Errorf("%w: query vector has %d dims, column has %d", signal.ErrDimensionMismatch, len(vec), r.dims)
	}

	where, args := buildFilters(opts, []any{formatVector(vec)}, "embedding IS NOT NULL")
	args = append(args, limitOf(opts))

	sqlText := fmt.Sprintf(
		`SELECT %s, 1 - (embedding <=> $1::vector) AS score
		 FROM documents
		 WHERE %s
		 ORDER BY embedding <=> $1::vector, published_at DESC, id
		 LIMIT $%d`,
		documentColumns, where, len(args),
	)
	return r.queryHits(ctx, sqlText, args, search.MethodVector)
}

func (r *Repository) queryHits(ctx context.Context, sqlText string, args []any, method string) ([]search.Hit, error) {
	rows, err := r.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("%s search: %w", method, err)
	}
	defer rows.Close()

	var hits []search.Hit
	for rows.Next() {
		var score float64
		doc, err := scanDocument(rows, &score)
		if err != nil {
			return nil, fmt.Errorf("%s search scan: %w", method, err)
		}
		h := search.Hit{Document: doc, Score: score, Method: method}
		if method == search.MethodVector {
			h.VectorScore = score
		} else {
			h.LexicalScore = score
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// buildFilters 追加分类与来源过滤条件，返回 WHERE 子句与参数
func buildFilters(opts search.Options, args []any, base ...string) (string, []any) {
	where := append([]string(nil), base...)

	if cats := lo.Compact(lo.Map(opts.Categories, func(c string, _ int) string {
		return strings.ToLower(strings.TrimSpace(c))
	})); len(cats) > 0 {
		args = append(args, pq.Array(cats))
		where = append(where, fmt.Sprintf("lower(category) = ANY($%d)", len(args)))
	}
	if len(opts.Sources) > 0 {
		args = append(args, pq.Array(sourceStrings(opts.Sources)))
		where = append(where, fmt.Sprintf("source = ANY($%d)", len(args)))
	}
	if len(opts.ExcludeSources) > 0 {
		args = append(args, pq.Array(sourceStrings(opts.ExcludeSources)))
		where = append(where, fmt.Sprintf("NOT (source = ANY($%d))", len(args)))
	}
	if len(where) == 0 {
		return "TRUE", args
	}
	return strings.Join(where, " AND "), args
}

func sourceStrings(srcs []signal.Source) []string {
	return lo.Map(srcs, func(s signal.Source, _ int) string { return string(s) })
}

func limitOf(opts search.Options) int {
	if opts.Limit <= 0 {
		return search.DefaultLimit
	}
	return opts.Limit
}

var _ search.Index = (*Repository)(nil)
