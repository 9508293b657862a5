// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/idna"
)

// MaxInputLength は自由入力テキストの最大文字数。
const MaxInputLength = 1000

// emailPattern はメールアドレスの簡易形式チェック。
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// strictPolicy は全てのタグを除去するポリシー。並行利用して安全。
var strictPolicy = bluemonday.StrictPolicy()

// SanitizeText は利用者・管理者の自由入力テキスト（ブラックリスト理由など）を無害化する。
// HTMLタグを除去し、前後の空白を取り除き、MaxInputLength文字で切り詰める。
func SanitizeText(s string) string {
	cleaned := html.UnescapeString(strictPolicy.Sanitize(s))
	cleaned = strings.NewReplacer("<", "", ">", "").Replace(cleaned)
	cleaned = strings.TrimSpace(cleaned)
	if utf8.RuneCountInString(cleaned) > MaxInputLength {
		cleaned = string([]rune(cleaned)[:MaxInputLength])
	}
	return cleaned
}

// NormalizeEmail はメールアドレスを比較用の正規形にする。
// 前後空白除去・小文字化に加え、ドメイン部の国際化ドメイン名をPunycodeに変換する。
// 形式が不正な場合はokがfalseになる。
func NormalizeEmail(raw string) (string, bool) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || utf8.RuneCountInString(email) > 320 {
		return "", false
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", false
	}
	local, domain := email[:at], email[at+1:]

	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", false
	}
	email = local + "@" + strings.ToLower(ascii)
	if !emailPattern.MatchString(email) {
		return "", false
	}
	return email, true
}

// IsValidEmail はメールアドレスの形式が有効かを返す。
func IsValidEmail(raw string) bool {
	_, ok := NormalizeEmail(raw)
	return ok
}
