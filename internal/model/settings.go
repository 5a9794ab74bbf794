package model

// UserSettings 是持久化的用户偏好记录。
// 新增字段时旧数据仍可加载：缺失的字段保留默认值。
type UserSettings struct {
	Language string `json:"language"`
}

// SettingsPatch 描述一次部分更新，nil 字段表示不修改。
type SettingsPatch struct {
	Language *string `json:"language,omitempty"`
}

// Apply 将 patch 合并到 s 上并返回合并结果。
func (p SettingsPatch) Apply(s UserSettings) UserSettings {
	if p.Language != nil {
		s.Language = *p.Language
	}
	return s
}

// SupportedLanguages 列出应答方支持的回复语言代码。
var SupportedLanguages = []string{"pt", "en", "es", "fr", "de"}

// IsSupportedLanguage 判断语言代码是否受支持。
func IsSupportedLanguage(code string) bool {
	for _, l := range SupportedLanguages {
		if l == code {
			return true
		}
	}
	return false
}
