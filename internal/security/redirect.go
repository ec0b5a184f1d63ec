package security

import (
	"net/url"
	"strings"
)

// SafeRedirectTarget はログイン後のリダイレクト先として安全な場合にtargetを返し、
// そうでない場合はbaseURLを返す。
//
// 許可するのは次のいずれか。
//   - "/" で始まる同一オリジン内の相対パス（"//" や "/\" で始まるものは除く）
//   - baseURLとスキーム・ホストが一致する絶対URL
func SafeRedirectTarget(baseURL, target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return baseURL
	}
	if strings.ContainsAny(target, "\r\n\t") {
		return baseURL
	}

	if strings.HasPrefix(target, "/") {
		if strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
			return baseURL
		}
		parsed, err := url.Parse(target)
		if err != nil || parsed.Scheme != "" || parsed.Host != "" {
			return baseURL
		}
		return target
	}

	parsed, err := url.Parse(target)
	if err != nil || !isAllowedScheme(parsed.Scheme) {
		return baseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}
	if !strings.EqualFold(parsed.Scheme, base.Scheme) || !strings.EqualFold(parsed.Host, base.Host) {
		return baseURL
	}
	return target
}

// isAllowedScheme はURLスキームが許可リストに含まれるかを検証する。
func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}
