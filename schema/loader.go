// 本文件实现了 MySQL Schema 加载器，从 information_schema 读取表结构信息。
// 主要功能：
// 1. 加载表、列、索引、外键的元数据
// 2. 表注释和列注释的采集
// 3. 单表加载和全库加载

package schema

import (
	"context"
	"database/sql"
	"strings"

	"github.com/Anniext/sqlpilot/core"
)

// Loader MySQL Schema 加载器
type Loader struct {
	db       *sql.DB     // 数据库连接
	database string      // 数据库名
	logger   core.Logger // 日志记录器
}

// NewLoader 创建 Schema 加载器，复用调用方传入的连接池。
func NewLoader(db *sql.DB, database string, logger core.Logger) *Loader {
	return &Loader{
		db:       db,
		database: database,
		logger:   logger,
	}
}

// LoadTables 加载数据库中全部基表的结构信息。
func (l *Loader) LoadTables(ctx context.Context) ([]*core.TableInfo, error) {
	l.logger.Info("开始加载数据库表结构", "database", l.database)

	rows, err := l.db.QueryContext(ctx, `
		SELECT TABLE_NAME, COALESCE(TABLE_COMMENT, ''), COALESCE(TABLE_ROWS, 0)
		FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME`, l.database)
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeSchema, core.CodeDatabaseError, "查询表信息失败", err)
	}
	defer rows.Close()

	var tables []*core.TableInfo
	for rows.Next() {
		table := &core.TableInfo{}
		if err := rows.Scan(&table.Name, &table.Comment, &table.RowCount); err != nil {
			return nil, core.WrapError(core.ErrorTypeSchema, core.CodeDatabaseError, "扫描表信息失败", err)
		}
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.ErrorTypeSchema, core.CodeDatabaseError, "遍历表信息失败", err)
	}

	for _, table := range tables {
		if err := l.loadTableDetails(ctx, table); err != nil {
			l.logger.Error("加载表详细信息失败", "table", table.Name, "error", err)
			return nil, err
		}
	}

	l.logger.Info("数据库表结构加载完成", "tables", len(tables))
	return tables, nil
}

// LoadTable 加载单个表的结构信息，表不存在时返回 not_found 错误。
func (l *Loader) LoadTable(ctx context.Context, tableName string) (*core.TableInfo, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT TABLE_NAME, COALESCE(TABLE_COMMENT, ''), COALESCE(TABLE_ROWS, 0)
		FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND TABLE_TYPE = 'BASE TABLE'`,
		l.database, tableName)

	table := &core.TableInfo{}
	if err := row.Scan(&table.Name, &table.Comment, &table.RowCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, core.NewError(core.ErrorTypeNotFound, core.CodeTableNotFound, "表不存在: "+tableName)
		}
		return nil, core.WrapError(core.ErrorTypeSchema, core.CodeDatabaseError, "查询表信息失败", err)
	}

	if err := l.loadTableDetails(ctx, table); err != nil {
		return nil, err
	}
	return table, nil
}

func (l *Loader) loadTableDetails(ctx context.Context, table *core.TableInfo) error {
	columns, err := l.loadColumns(ctx, table.Name)
	if err != nil {
		return err
	}
	table.Columns = columns

	indexes, err := l.loadIndexes(ctx, table.Name)
	if err != nil {
		return err
	}
	table.Indexes = indexes

	foreignKeys, err := l.loadForeignKeys(ctx, table.Name)
	if err != nil {
		return err
	}
	table.ForeignKeys = foreignKeys

	return nil
}

func (l *Loader) loadColumns(ctx context.Context, tableName string) ([]*core.Column, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, COALESCE(COLUMN_COMMENT, ''), COLUMN_KEY
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, l.database, tableName)
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeSchema, core.CodeDatabaseError, "查询列信息失败", err)
	}
	defer rows.Close()

	var columns []*core.Column
	for rows.Next() {
		column := &core.Column{}
		var nullable, columnKey string
		if err := rows.Scan(&column.Name, &column.Type, &nullable, &column.Comment, &columnKey); err != nil {
			return nil, core.WrapError(core.ErrorTypeSchema, core.CodeDatabaseError, "扫描列信息失败", err)
		}
		column.Nullable = nullable == "YES"
		column.IsPrimaryKey = columnKey == "PRI"
		columns = append(columns, column)
	}
	return columns, rows.Err()
}

func (l *Loader) loadIndexes(ctx context.Context, tableName string) ([]*core.Index, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT INDEX_NAME, NON_UNIQUE, COLUMN_NAME
		FROM information_schema.STATISTICS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY INDEX_NAME, SEQ_IN_INDEX`, l.database, tableName)
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeSchema, core.CodeDatabaseError, "查询索引信息失败", err)
	}
	defer rows.Close()

	indexMap := make(map[string]*core.Index)
	var order []string
	for rows.Next() {
		var indexName, columnName string
		var nonUnique int
		if err := rows.Scan(&indexName, &nonUnique, &columnName); err != nil {
			return nil, core.WrapError(core.ErrorTypeSchema, core.CodeDatabaseError, "扫描索引信息失败", err)
		}

		index, ok := indexMap[indexName]
		if !ok {
			index = &core.Index{Name: indexName, IsUnique: nonUnique == 0}
			indexMap[indexName] = index
			order = append(order, indexName)
		}
		index.Columns = append(index.Columns, columnName)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	indexes := make([]*core.Index, 0, len(order))
	for _, name := range order {
		indexes = append(indexes, indexMap[name])
	}
	return indexes, nil
}

func (l *Loader) loadForeignKeys(ctx context.Context, tableName string) ([]*core.ForeignKey, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT CONSTRAINT_NAME, COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
		FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND REFERENCED_TABLE_NAME IS NOT NULL
		ORDER BY CONSTRAINT_NAME`, l.database, tableName)
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeSchema, core.CodeDatabaseError, "查询外键信息失败", err)
	}
	defer rows.Close()

	var foreignKeys []*core.ForeignKey
	for rows.Next() {
		fk := &core.ForeignKey{}
		if err := rows.Scan(&fk.Name, &fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn); err != nil {
			return nil, core.WrapError(core.ErrorTypeSchema, core.CodeDatabaseError, "扫描外键信息失败", err)
		}
		foreignKeys = append(foreignKeys, fk)
	}
	return foreignKeys, rows.Err()
}

// FormatTable 将表结构序列化为提示词使用的紧凑文本。
func FormatTable(table *core.TableInfo) string {
	var builder strings.Builder
	builder.WriteString("Table ")
	builder.WriteString(table.Name)
	if table.Comment != "" {
		builder.WriteString(" (")
		builder.WriteString(table.Comment)
		builder.WriteString(")")
	}
	builder.WriteString(":\n")

	for _, column := range table.Columns {
		builder.WriteString("  - ")
		builder.WriteString(column.Name)
		builder.WriteString(" ")
		builder.WriteString(column.Type)
		if column.IsPrimaryKey {
			builder.WriteString(" PRIMARY KEY")
		}
		if !column.Nullable {
			builder.WriteString(" NOT NULL")
		}
		if column.Comment != "" {
			builder.WriteString(" -- ")
			builder.WriteString(column.Comment)
		}
		builder.WriteString("\n")
	}

	for _, fk := range table.ForeignKeys {
		builder.WriteString("  FOREIGN KEY ")
		builder.WriteString(fk.Column)
		builder.WriteString(" REFERENCES ")
		builder.WriteString(fk.ReferencedTable)
		builder.WriteString("(")
		builder.WriteString(fk.ReferencedColumn)
		builder.WriteString(")\n")
	}

	return builder.String()
}
