// Package social 拉取 Mastodon 公共话题时间线中的灾害相关帖子
package social

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"golang.org/x/net/html"
	"go.uber.org/multierr"

	"crisisrag/internal/adapter/source"
	"crisisrag/internal/domain/signal"
	applog "crisisrag/internal/platform/log"
)

// Config Mastodon 适配器配置
type Config struct {
	BaseURL        string   // 默认 https://mastodon.social
	AccessToken    string   // 可选
	Tags           []string // 话题标签，不带 #
	Limit          int      // 每个标签拉取条数，默认 20，上限 40
	RatePerSecond  float64
	TimeoutSeconds int
}

// Adapter Mastodon 话题适配器
type Adapter struct {
	baseURL string
	token   string
	tags    []string
	limit   int
	fetcher *source.Fetcher
}

// New 创建适配器
func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://mastodon.social"
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 20
	}
	if cfg.Limit > 40 {
		cfg.Limit = 40
	}
	tags := lo.Uniq(lo.Compact(lo.Map(cfg.Tags, func(t string, _ int) string {
		return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "#"))
	})))
	return &Adapter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.AccessToken,
		tags:    tags,
		limit:   cfg.Limit,
		fetcher: source.NewFetcher(source.HTTPConfig{
			Accept:         "application/json",
			RatePerSecond:  cfg.RatePerSecond,
			TimeoutSeconds: cfg.TimeoutSeconds,
		}),
	}
}

func (a *Adapter) Source() signal.Source { return signal.SourceSocial }

type status struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	Content         string    `json:"content"`
	URL             string    `json:"url"`
	Language        string    `json:"language"`
	ReblogsCount    int       `json:"reblogs_count"`
	FavouritesCount int       `json:"favourites_count"`
	Account         struct {
		Acct string `json:"acct"`
	} `json:"account"`
	Tags []tagRef `json:"tags"`
}

type tagRef struct {
	Name string `json:"name"`
}

// Fetch 逐个标签拉取，同一帖子出现在多个标签下只保留一次。
// 部分标签失败时返回成功部分；全部失败才返回错误。
func (a *Adapter) Fetch(ctx context.Context) ([]signal.RawItem, error) {
	seen := make(map[string]bool)
	var (
		items []signal.RawItem
		errs  error
		okTag int
	)
	for _, tag := range a.tags {
		statuses, err := a.fetchTag(ctx, tag)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("tag %s: %w", tag, err))
			applog.Warn("[Social] Tag fetch failed", "tag", tag, "error", err)
			continue
		}
		okTag++
		for _, s := range statuses {
			if s.ID == "" || seen[s.ID] {
				continue
			}
			seen[s.ID] = true
			items = append(items, signal.SocialPost{
				ID:         s.ID,
				Author:     s.Account.Acct,
				Content:    StripHTML(s.Content),
				URL:        s.URL,
				Language:   s.Language,
				Tags:       lo.Map(s.Tags, func(t tagRef, _ int) string { return t.Name }),
				Reblogs:    s.ReblogsCount,
				Favourites: s.FavouritesCount,
				CreatedAt:  s.CreatedAt,
			})
		}
	}
	if okTag == 0 && errs != nil {
		return nil, errs
	}
	applog.Info("[Social] Posts fetched", "tags", len(a.tags), "count", len(items))
	return items, nil
}

func (a *Adapter) fetchTag(ctx context.Context, tag string) ([]status, error) {
	endpoint := fmt.Sprintf("%s/api/v1/timelines/tag/%s?limit=%s",
		a.baseURL, url.PathEscape(tag), strconv.Itoa(a.limit))
	var headers map[string]string
	if a.token != "" {
		headers = map[string]string{"Authorization": "Bearer " + a.token}
	}
	body, err := a.fetcher.Get(ctx, "social.timeline", endpoint, headers)
	if err != nil {
		return nil, err
	}
	var out []status
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode timeline: %w", err)
	}
	return out, nil
}

// StripHTML 提取 HTML 片段中的纯文本，<br> 与 </p> 视为换行
func StripHTML(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapse(b.String())
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			if name, _ := z.TagName(); string(name) == "br" {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "p" {
				b.WriteByte('\n')
			}
		}
	}
}

func collapse(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
