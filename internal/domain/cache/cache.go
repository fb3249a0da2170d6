// Package cache 生成结果缓存：确定性 key、TTL、按严重程度的模糊查找。
// 后端异常一律降级为未命中 / 空操作，不向调用方抛错。
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	applog "crisisrag/internal/platform/log"
)

const (
	DefaultNamespace = "disaster_plan"
	defaultSeverity  = "medium"
	metadataField    = "metadata"
)

// SimilarSeverities FindSimilar 依次尝试的严重程度
var SimilarSeverities = []string{"high", "medium", "critical", "low"}

// Value 缓存的 JSON 对象
type Value = map[string]any

// Backend 缓存存储后端
type Backend interface {
	Name() string
	// Get 未命中返回 ok=false 且 err=nil
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Options 缓存配置
type Options struct {
	Namespace  string
	DefaultTTL time.Duration
}

// Service 缓存服务，backend 为 nil 时整体禁用
type Service struct {
	backend    Backend
	namespace  string
	defaultTTL time.Duration
}

// NewService 创建缓存服务
func NewService(backend Backend, opts Options) *Service {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	return &Service{backend: backend, namespace: opts.Namespace, defaultTTL: opts.DefaultTTL}
}

// Enabled 是否配置了后端
func (s *Service) Enabled() bool { return s != nil && s.backend != nil }

// BackendName 后端名称，禁用时为 "disabled"
func (s *Service) BackendName() string {
	if !s.Enabled() {
		return "disabled"
	}
	return s.backend.Name()
}

// DefaultTTL 默认过期时间
func (s *Service) DefaultTTL() time.Duration { return s.defaultTTL }

// Key 计算本服务命名空间下的缓存 key
func (s *Service) Key(query, typ, location, severity string) string {
	return Key(s.namespace, query, typ, location, severity)
}

// Key namespace + ":" + sha256(JSON([query, type, location, severity]))。
// 各字段小写并去除首尾空白，severity 缺省为 medium。
func Key(namespace, query, typ, location, severity string) string {
	sev := norm(severity)
	if sev == "" {
		sev = defaultSeverity
	}
	tuple := []string{norm(query), norm(typ), norm(location), sev}
	raw, _ := json.Marshal(tuple)
	sum := sha256.Sum256(raw)
	return namespace + ":" + hex.EncodeToString(sum[:])
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Get 读取缓存，命中时返回带 metadata.cached=true 的副本
func (s *Service) Get(ctx context.Context, key string) (Value, bool) {
	v, ok := s.load(ctx, key)
	if !ok {
		return nil, false
	}
	tag(v, map[string]any{"cached": true, "cache_source": s.backend.Name()})
	return v, true
}

// Set 写入缓存，ttl<=0 使用默认值
func (s *Service) Set(ctx context.Context, key string, v Value, ttl time.Duration) {
	if !s.Enabled() || v == nil {
		return
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	data, err := json.Marshal(v)
	if err != nil {
		applog.Warn("[Cache] Value not serializable, skipped", "key", key, "error", err)
		return
	}
	err = guard(func() error { return s.backend.Set(ctx, key, data, ttl) })
	if err != nil {
		applog.Warn("[Cache] Set failed", "backend", s.backend.Name(), "key", key, "error", err)
		return
	}
	applog.Debug("[Cache] Set", "backend", s.backend.Name(), "key", key, "ttl_s", int(ttl.Seconds()))
}

// Delete 删除缓存项
func (s *Service) Delete(ctx context.Context, key string) {
	if !s.Enabled() {
		return
	}
	if err := guard(func() error { return s.backend.Delete(ctx, key) }); err != nil {
		applog.Warn("[Cache] Delete failed", "backend", s.backend.Name(), "key", key, "error", err)
	}
}

// FindSimilar 忽略严重程度的模糊查找：按 high, medium, critical, low 顺序返回第一个命中
func (s *Service) FindSimilar(ctx context.Context, query, typ, location string) (Value, bool) {
	for _, sev := range SimilarSeverities {
		v, ok := s.load(ctx, s.Key(query, typ, location, sev))
		if !ok {
			continue
		}
		tag(v, map[string]any{
			"cached":           true,
			"cache_source":     s.backend.Name() + ":similar",
			"matched_severity": sev,
		})
		applog.Debug("[Cache] Similar hit", "severity", sev)
		return v, true
	}
	return nil, false
}

// load 读取并反序列化为新的 map（天然是深拷贝）
func (s *Service) load(ctx context.Context, key string) (Value, bool) {
	if !s.Enabled() {
		return nil, false
	}
	var (
		data []byte
		ok   bool
	)
	err := guard(func() error {
		var err error
		data, ok, err = s.backend.Get(ctx, key)
		return err
	})
	if err != nil {
		applog.Warn("[Cache] Get failed", "backend", s.backend.Name(), "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var v Value
	if err := json.Unmarshal(data, &v); err != nil || v == nil {
		applog.Warn("[Cache] Corrupt entry dropped", "key", key, "error", err)
		s.Delete(ctx, key)
		return nil, false
	}
	return v, true
}

// tag 把来源标记合并进 metadata，保留原有字段
func tag(v Value, fields map[string]any) {
	meta, ok := v[metadataField].(map[string]any)
	if !ok {
		meta = make(map[string]any, len(fields)+1)
		if old, exists := v[metadataField]; exists && old != nil {
			meta["original"] = old
		}
	}
	for k, f := range fields {
		meta[k] = f
	}
	v[metadataField] = meta
}

// guard 把后端 panic 转为错误
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cache backend panic: %v", r)
		}
	}()
	return fn()
}
