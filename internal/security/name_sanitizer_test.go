package security

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeName(t *testing.T) {
	s := NewNameSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "Taro Yamada", "Taro Yamada"},
		{"japanese", "山田 太郎", "山田 太郎"},
		{"empty", "", ""},
		{"script tag", `<script>alert(1)</script>Taro`, "Taro"},
		{"bold tag", `<b>Taro</b> Yamada`, "Taro Yamada"},
		{"ampersand", "Tom & Jerry", "Tom & Jerry"},
		{"whitespace", "  Taro \n\t Yamada  ", "Taro Yamada"},
		{"event attribute", `<img src=x onerror=alert(1)>Hanako`, "Hanako"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.SanitizeName(tt.input); got != tt.want {
				t.Errorf("SanitizeName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeName_TruncatesLongNames(t *testing.T) {
	s := NewNameSanitizer()

	got := s.SanitizeName(strings.Repeat("あ", MaxDisplayNameLength+20))
	if n := utf8.RuneCountInString(got); n != MaxDisplayNameLength {
		t.Errorf("length = %d, want %d", n, MaxDisplayNameLength)
	}
}

func TestSanitizeName_Idempotent(t *testing.T) {
	s := NewNameSanitizer()

	first := s.SanitizeName(`<i>A</i> &amp; B`)
	if second := s.SanitizeName(first); second != first {
		t.Errorf("not idempotent: %q -> %q", first, second)
	}
}

func TestNameSanitizerInterface(t *testing.T) {
	var _ NameSanitizer = NewNameSanitizer()
}
