package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxDisplayNameLength は表示名として保存する最大文字数。
const MaxDisplayNameLength = 100

// NameSanitizer は外部IdPから受け取った表示名を保存用に整形する。
type NameSanitizer interface {
	// SanitizeName はHTMLタグを除去し、空白を正規化し、長さを制限したプレーンテキストを返す。
	SanitizeName(raw string) string
}

// nameSanitizer はNameSanitizerの実装。
// bluemondayのStrictPolicyですべてのタグを除去する。
type nameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はNameSanitizerの新しいインスタンスを生成する。
func NewNameSanitizer() *nameSanitizer {
	return &nameSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeName は表示名を整形する。
// StrictPolicyはテキストをエスケープして返すため、保存前にアンエスケープする。
func (s *nameSanitizer) SanitizeName(raw string) string {
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) > MaxDisplayNameLength {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:MaxDisplayNameLength]))
	}
	return text
}
