// 本文件实现了 Schema 管理器，持有加载好的表结构并提供并发安全的查询。
// 主要功能：
// 1. 启动时加载并缓存全库表结构
// 2. 表、关系的并发安全查询
// 3. 按需重新加载
// 4. 提示词用的整库序列化

package schema

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Anniext/sqlpilot/core"
)

// Manager Schema 管理器
type Manager struct {
	mu       sync.RWMutex
	loader   *Loader
	tables   map[string]*core.TableInfo // 表名 -> 表结构
	order    []string                   // 表的加载顺序
	loadedAt time.Time                  // 最近一次加载时间
	logger   core.Logger
}

// NewManager 创建 Schema 管理器，调用 Load 之前查询方法返回空结果。
func NewManager(loader *Loader, logger core.Logger) *Manager {
	return &Manager{
		loader: loader,
		tables: make(map[string]*core.TableInfo),
		logger: logger,
	}
}

// Load 加载全库表结构并替换当前缓存。
func (m *Manager) Load(ctx context.Context) error {
	tables, err := m.loader.LoadTables(ctx)
	if err != nil {
		return err
	}

	tableMap := make(map[string]*core.TableInfo, len(tables))
	order := make([]string, 0, len(tables))
	for _, table := range tables {
		tableMap[table.Name] = table
		order = append(order, table.Name)
	}

	m.mu.Lock()
	m.tables = tableMap
	m.order = order
	m.loadedAt = time.Now()
	m.mu.Unlock()

	return nil
}

// GetTable 按表名查询表结构，大小写不敏感。
func (m *Manager) GetTable(name string) (*core.TableInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if table, ok := m.tables[name]; ok {
		return table, true
	}
	lower := strings.ToLower(name)
	for tableName, table := range m.tables {
		if strings.ToLower(tableName) == lower {
			return table, true
		}
	}
	return nil, false
}

// Tables 返回全部表结构，按加载顺序。
func (m *Manager) Tables() []*core.TableInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.TableInfo, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.tables[name])
	}
	return out
}

// TableNames 返回全部表名。
func (m *Manager) TableNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// HasTable 判断表是否存在。
func (m *Manager) HasTable(name string) bool {
	_, ok := m.GetTable(name)
	return ok
}

// HasColumn 判断表中是否存在指定列。
func (m *Manager) HasColumn(tableName, columnName string) bool {
	table, ok := m.GetTable(tableName)
	if !ok {
		return false
	}
	lower := strings.ToLower(columnName)
	for _, column := range table.Columns {
		if strings.ToLower(column.Name) == lower {
			return true
		}
	}
	return false
}

// Relationships 从外键推导表之间的关系。
func (m *Manager) Relationships() []*core.Relationship {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.Relationship
	for _, name := range m.order {
		table := m.tables[name]
		for _, fk := range table.ForeignKeys {
			out = append(out, &core.Relationship{
				FromTable:  table.Name,
				FromColumn: fk.Column,
				ToTable:    fk.ReferencedTable,
				ToColumn:   fk.ReferencedColumn,
			})
		}
	}
	return out
}

// LoadedAt 返回最近一次加载时间。
func (m *Manager) LoadedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadedAt
}

// FormatForPrompt 将指定的表序列化为提示词文本，tables 为空时输出全库。
func (m *Manager) FormatForPrompt(tables []string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := tables
	if len(names) == 0 {
		names = m.order
	}

	var builder strings.Builder
	for _, name := range names {
		table, ok := m.tables[name]
		if !ok {
			continue
		}
		builder.WriteString(FormatTable(table))
		builder.WriteString("\n")
	}
	return strings.TrimRight(builder.String(), "\n")
}
