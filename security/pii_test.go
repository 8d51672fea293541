package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Anniext/sqlpilot/monitor"
)

func newTestProtector() *PIIProtector {
	return NewPIIProtector(nil, nil, nil, monitor.NewNoopLogger(), monitor.NewMetrics())
}

func TestPIIProtector_DetectPII(t *testing.T) {
	protector := newTestProtector()

	t.Run("检测多种PII类型", func(t *testing.T) {
		text := "Name: John Smith, Email: john.doe@example.com, Phone: (555) 123-4567, SSN: 123-45-6789"
		detection := protector.DetectPII(text, "customer_data")

		assert.True(t, detection.Detected)
		assert.Contains(t, detection.PIITypes, "email")
		assert.Contains(t, detection.PIITypes, "phone")
		assert.Contains(t, detection.PIITypes, "ssn")
		assert.Equal(t, PIIRiskHigh, detection.RiskLevel)
	})

	t.Run("仅中风险时整体风险为medium", func(t *testing.T) {
		detection := protector.DetectPII("contact me at jane@example.com", "test")
		assert.True(t, detection.Detected)
		assert.Equal(t, PIIRiskMedium, detection.RiskLevel)
	})

	t.Run("无PII时返回空报告", func(t *testing.T) {
		detection := protector.DetectPII("查询所有支行的交易总额", "test")
		assert.False(t, detection.Detected)
		assert.Empty(t, detection.PIITypes)
		assert.Empty(t, detection.SensitiveData)
	})

	t.Run("逐条结果携带风险等级", func(t *testing.T) {
		detection := protector.DetectPII("card 1234-5678-9012-3456", "test")
		require.Len(t, detection.SensitiveData, 1)
		assert.Equal(t, "credit_card", detection.SensitiveData[0].Type)
		assert.Equal(t, PIIRiskHigh, detection.SensitiveData[0].RiskLevel)
		assert.Equal(t, "1234-5678-9012-3456", detection.SensitiveData[0].Value)
	})
}

func TestPIIProtector_SanitizeForEmbedding(t *testing.T) {
	t.Run("邮箱保格式脱敏", func(t *testing.T) {
		protector := newTestProtector()
		sanitized, report := protector.SanitizeForEmbedding("sess_1", "email john.doe@example.com", "test")
		assert.Contains(t, sanitized, "jo**@example.com")
		assert.NotContains(t, sanitized, "john.doe")
		assert.Equal(t, 1, report.PIIMasked)
		assert.Equal(t, 0, report.PIIRemoved)
	})

	t.Run("电话保留区号和末四位", func(t *testing.T) {
		protector := newTestProtector()
		sanitized, _ := protector.SanitizeForEmbedding("sess_1", "call (555) 123-4567", "test")
		assert.Contains(t, sanitized, "(555) ***-4567")
	})

	t.Run("银行卡整体移除不留数字", func(t *testing.T) {
		protector := newTestProtector()
		sanitized, report := protector.SanitizeForEmbedding("sess_1", "card 1234-5678-9012-3456", "test")
		assert.Contains(t, sanitized, "[CREDIT_CARD_REMOVED_1]")
		assert.NotContains(t, sanitized, "3456")
		assert.Equal(t, 1, report.PIIRemoved)
	})

	t.Run("SSN替换为带序号的占位符", func(t *testing.T) {
		protector := newTestProtector()
		sanitized, report := protector.SanitizeForEmbedding("sess_1", "ssn 123-45-6789", "test")
		assert.Contains(t, sanitized, "[SSN_REMOVED_1]")
		assert.NotContains(t, sanitized, "123-45-6789")
		assert.Equal(t, 1, report.PIIRemoved)
	})

	t.Run("出生日期保留年份", func(t *testing.T) {
		protector := newTestProtector()
		sanitized, _ := protector.SanitizeForEmbedding("sess_1", "dob 01/15/1990", "test")
		assert.Contains(t, sanitized, "**/**/1990")
	})

	t.Run("报告记录长度变化", func(t *testing.T) {
		protector := newTestProtector()
		text := "contact jane.roe@example.com"
		sanitized, report := protector.SanitizeForEmbedding("sess_1", text, "test")
		assert.Equal(t, len(text), report.OriginalLength)
		assert.Equal(t, len(sanitized), report.SanitizedLength)
	})
}

func TestPIIProtector_UnmaskRoundTrip(t *testing.T) {
	t.Run("同会话脱敏后可完整还原", func(t *testing.T) {
		protector := newTestProtector()
		sessionID := protector.CreateMappingSession("sess_roundtrip")

		original := "Customer john.doe@example.com, phone (555) 123-4567, card 1234-5678-9012-3456, ssn 123-45-6789"
		sanitized, sanReport := protector.SanitizeForEmbedding(sessionID, original, "customer_data")
		require.NotEqual(t, original, sanitized)
		assert.Equal(t, 2, sanReport.PIIRemoved)
		assert.Equal(t, 2, sanReport.PIIMasked)

		restored, report := protector.UnmaskPII(sessionID, sanitized)
		assert.Equal(t, original, restored)
		assert.Equal(t, 4, report.UnmaskedCount)
		assert.Empty(t, report.Errors)
		assert.Equal(t, sessionID, report.SessionID)
	})

	t.Run("同类型多个值映射保持双射", func(t *testing.T) {
		protector := newTestProtector()
		sessionID := protector.CreateMappingSession("sess_two_ssn")

		original := "primary ssn 123-45-6789 and spouse ssn 987-65-4321"
		sanitized, sanReport := protector.SanitizeForEmbedding(sessionID, original, "customer_data")
		assert.NotContains(t, sanitized, "123-45-6789")
		assert.NotContains(t, sanitized, "987-65-4321")
		assert.Contains(t, sanitized, "[SSN_REMOVED_1]")
		assert.Contains(t, sanitized, "[SSN_REMOVED_2]")
		assert.Equal(t, 2, sanReport.PIIRemoved)

		restored, report := protector.UnmaskPII(sessionID, sanitized)
		assert.Equal(t, original, restored)
		assert.Equal(t, 2, report.UnmaskedCount)
	})

	t.Run("清空映射后无法还原", func(t *testing.T) {
		protector := newTestProtector()
		sessionID := protector.CreateMappingSession("sess_clear")

		sanitized, _ := protector.SanitizeForEmbedding(sessionID, "email jane@example.com", "test")
		protector.ClearMappings(sessionID)

		restored, report := protector.UnmaskPII(sessionID, sanitized)
		assert.Equal(t, sanitized, restored)
		assert.Equal(t, 0, report.UnmaskedCount)
		assert.NotEmpty(t, report.Errors)
	})

	t.Run("跨会话映射互相隔离", func(t *testing.T) {
		protector := newTestProtector()
		protector.CreateMappingSession("sess_a")
		protector.CreateMappingSession("sess_b")

		sanitized, _ := protector.SanitizeForEmbedding("sess_a", "email jane@example.com", "test")

		restored, report := protector.UnmaskPII("sess_b", sanitized)
		assert.Equal(t, sanitized, restored)
		assert.Equal(t, 0, report.UnmaskedCount)
	})
}

func TestPIIProtector_GetMappings(t *testing.T) {
	protector := newTestProtector()
	sessionID := protector.CreateMappingSession("sess_filter")

	protector.SanitizeForEmbedding(sessionID, "email jane@example.com ssn 123-45-6789", "customer_data")
	protector.SanitizeForEmbedding(sessionID, "email bob.lee@example.com", "employee_data")

	t.Run("按类型过滤", func(t *testing.T) {
		emails := protector.GetMappings(sessionID, "email", "")
		assert.Len(t, emails, 2)
		ssns := protector.GetMappings(sessionID, "ssn", "")
		assert.Len(t, ssns, 1)
	})

	t.Run("按上下文过滤", func(t *testing.T) {
		mappings := protector.GetMappings(sessionID, "", "employee_data")
		assert.Len(t, mappings, 1)
		assert.Equal(t, "email", mappings[0].PIIType)
	})

	t.Run("未知会话返回空", func(t *testing.T) {
		assert.Empty(t, protector.GetMappings("sess_missing", "", ""))
	})
}
