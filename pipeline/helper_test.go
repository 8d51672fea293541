package pipeline

import (
	"github.com/Anniext/sqlpilot/core"
)

// fakeCatalog 测试用的银行 Schema 目录。
type fakeCatalog struct {
	tables []*core.TableInfo
}

func newBankingCatalog() *fakeCatalog {
	return &fakeCatalog{tables: []*core.TableInfo{
		{
			Name: "customers",
			Columns: []*core.Column{
				{Name: "id", Type: "bigint", IsPrimaryKey: true},
				{Name: "first_name", Type: "varchar(64)"},
				{Name: "last_name", Type: "varchar(64)"},
				{Name: "email", Type: "varchar(128)"},
			},
		},
		{
			Name: "accounts",
			Columns: []*core.Column{
				{Name: "id", Type: "bigint", IsPrimaryKey: true},
				{Name: "customer_id", Type: "bigint"},
				{Name: "account_number", Type: "varchar(32)"},
				{Name: "type", Type: "enum('checking','savings')"},
				{Name: "balance", Type: "decimal(12,2)"},
				{Name: "branch_id", Type: "bigint"},
			},
			ForeignKeys: []*core.ForeignKey{
				{Name: "fk_accounts_customer", Column: "customer_id", ReferencedTable: "customers", ReferencedColumn: "id"},
				{Name: "fk_accounts_branch", Column: "branch_id", ReferencedTable: "branches", ReferencedColumn: "id"},
			},
		},
		{
			Name: "transactions",
			Columns: []*core.Column{
				{Name: "id", Type: "bigint", IsPrimaryKey: true},
				{Name: "account_id", Type: "bigint"},
				{Name: "amount", Type: "decimal(12,2)"},
				{Name: "transaction_date", Type: "datetime"},
			},
			ForeignKeys: []*core.ForeignKey{
				{Name: "fk_transactions_account", Column: "account_id", ReferencedTable: "accounts", ReferencedColumn: "id"},
			},
		},
		{
			Name: "branches",
			Columns: []*core.Column{
				{Name: "id", Type: "bigint", IsPrimaryKey: true},
				{Name: "name", Type: "varchar(64)"},
				{Name: "city", Type: "varchar(64)"},
				{Name: "state", Type: "char(2)"},
				{Name: "manager_id", Type: "bigint"},
			},
			ForeignKeys: []*core.ForeignKey{
				{Name: "fk_branches_manager", Column: "manager_id", ReferencedTable: "employees", ReferencedColumn: "id"},
			},
		},
		{
			Name: "employees",
			Columns: []*core.Column{
				{Name: "id", Type: "bigint", IsPrimaryKey: true},
				{Name: "name", Type: "varchar(64)"},
				{Name: "position", Type: "varchar(64)"},
				{Name: "salary", Type: "decimal(12,2)"},
				{Name: "branch_id", Type: "bigint"},
			},
			ForeignKeys: []*core.ForeignKey{
				{Name: "fk_employees_branch", Column: "branch_id", ReferencedTable: "branches", ReferencedColumn: "id"},
			},
		},
	}}
}

func (f *fakeCatalog) TableNames() []string {
	names := make([]string, 0, len(f.tables))
	for _, table := range f.tables {
		names = append(names, table.Name)
	}
	return names
}

func (f *fakeCatalog) HasTable(name string) bool {
	for _, table := range f.tables {
		if table.Name == name {
			return true
		}
	}
	return false
}

func (f *fakeCatalog) Tables() []*core.TableInfo {
	return f.tables
}

func (f *fakeCatalog) Relationships() []*core.Relationship {
	var relationships []*core.Relationship
	for _, table := range f.tables {
		for _, fk := range table.ForeignKeys {
			relationships = append(relationships, &core.Relationship{
				FromTable:  table.Name,
				FromColumn: fk.Column,
				ToTable:    fk.ReferencedTable,
				ToColumn:   fk.ReferencedColumn,
			})
		}
	}
	return relationships
}
