// 本文件实现了进程内向量库，用关键词重叠近似相似度检索。
// 主要功能：
// 1. 集合化的文档写入和更新
// 2. 基于词元重叠和子串匹配的相关性打分
// 3. topK 截断和按分数排序
// 4. 并发安全

package vector

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/Anniext/sqlpilot/core"
)

// MemoryStore 进程内向量库。文档量在 Schema 规模（几十到几百条）时
// 线性扫描足够快，不需要真正的向量索引。
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]*core.Document // 集合名 -> 文档ID -> 文档
	logger      core.Logger
	metrics     core.MetricsCollector
}

// NewMemoryStore 创建进程内向量库。
func NewMemoryStore(logger core.Logger, metrics core.MetricsCollector) *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]*core.Document),
		logger:      logger,
		metrics:     metrics,
	}
}

// Upsert 写入或更新文档，同 ID 覆盖。
func (s *MemoryStore) Upsert(ctx context.Context, collection string, docs []*core.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]*core.Document)
		s.collections[collection] = coll
	}

	for _, doc := range docs {
		if doc.ID == "" {
			doc.ID = core.GenerateRequestID()
		}
		coll[doc.ID] = doc
	}

	s.logger.Debug("向量库文档写入完成", "collection", collection, "count", len(docs))
	return nil
}

// Query 按相关性检索文档，返回按分数降序的前 topK 条，零分文档不返回。
func (s *MemoryStore) Query(ctx context.Context, collection string, query string, topK int) ([]*core.ScoredDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = core.DefaultTopK
	}

	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	coll := s.collections[collection]
	scored := make([]*core.ScoredDocument, 0, len(coll))
	for _, doc := range coll {
		score := relevance(queryTokens, query, doc.Content)
		if score > 0 {
			scored = append(scored, &core.ScoredDocument{Document: doc, Score: score})
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Document.ID < scored[j].Document.ID
	})

	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// Count 返回集合中的文档数。
func (s *MemoryStore) Count(ctx context.Context, collection string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection]), nil
}

// Clear 清空集合，重建索引前使用。
func (s *MemoryStore) Clear(collection string) {
	s.mu.Lock()
	delete(s.collections, collection)
	s.mu.Unlock()
}

// relevance 计算查询与文档内容的相关性分数。
// 词元重叠数除以文档词元数的平方根，整句子串命中加固定加成。
func relevance(queryTokens []string, rawQuery, content string) float64 {
	contentLower := strings.ToLower(content)
	contentTokens := tokenize(content)
	if len(contentTokens) == 0 {
		return 0
	}

	tokenSet := make(map[string]bool, len(contentTokens))
	for _, token := range contentTokens {
		tokenSet[token] = true
	}

	overlap := 0
	for _, token := range queryTokens {
		if tokenSet[token] {
			overlap++
		}
	}

	score := float64(overlap) / math.Sqrt(float64(len(contentTokens)))
	if overlap == 0 {
		return 0
	}

	if strings.Contains(contentLower, strings.ToLower(strings.TrimSpace(rawQuery))) {
		score += 1.0
	}
	return score
}

// tokenize 切分为小写词元，数字字母之外的字符都是分隔符。
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var tokens []string
	for _, field := range fields {
		if len(field) > 1 {
			tokens = append(tokens, field)
		}
	}
	return tokens
}
