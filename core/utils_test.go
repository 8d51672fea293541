package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSQL(t *testing.T) {
	t.Run("去除行注释", func(t *testing.T) {
		sql := "SELECT * FROM accounts -- all rows\nWHERE balance > 0"
		assert.Equal(t, "SELECT * FROM accounts WHERE balance > 0", NormalizeSQL(sql))
	})

	t.Run("去除块注释", func(t *testing.T) {
		sql := "SELECT /* hint */ name FROM customers"
		assert.Equal(t, "SELECT name FROM customers", NormalizeSQL(sql))
	})

	t.Run("压缩空白", func(t *testing.T) {
		sql := "  SELECT   1\n\t FROM   dual  "
		assert.Equal(t, "SELECT 1 FROM dual", NormalizeSQL(sql))
	})
}

func TestValidIdentifier(t *testing.T) {
	assert.True(t, ValidIdentifier("accounts"))
	assert.True(t, ValidIdentifier("_tmp_01"))
	assert.False(t, ValidIdentifier(""))
	assert.False(t, ValidIdentifier("1table"))
	assert.False(t, ValidIdentifier("accounts; DROP"))
}

func TestUniqueStrings(t *testing.T) {
	got := UniqueStrings([]string{"accounts", "customers", "accounts", "branches", "customers"})
	assert.Equal(t, []string{"accounts", "customers", "branches"}, got)
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10))
	assert.Equal(t, "abcdefg...", TruncateString("abcdefghijk", 10))
	assert.Equal(t, "ab", TruncateString("abcdef", 2))
}

func TestGenerateIDs(t *testing.T) {
	reqID := GenerateRequestID()
	sessID := GenerateSessionID()
	assert.True(t, strings.HasPrefix(reqID, "req_"))
	assert.True(t, strings.HasPrefix(sessID, "sess_"))
	assert.NotEqual(t, GenerateRequestID(), reqID)
}
