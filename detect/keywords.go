package detect

import "strings"

// keywords is the fixed multilingual marker set checked against class/id
// attributes, source URLs, accessible text, and input names. Includes
// transliterated terms (yzm/yanzhengma for 验证码, kod for Slavic languages).
var keywords = []string{
	"captcha",
	"kaptcha",
	"capcha",
	"securimage",
	"seccode",
	"checkcode",
	"check_code",
	"vcode",
	"valicode",
	"validatecode",
	"validate_code",
	"verifycode",
	"verify_code",
	"verification",
	"verify",
	"authcode",
	"auth_code",
	"authimg",
	"imgcode",
	"imgverify",
	"randcode",
	"rand_code",
	"safecode",
	"yzm",
	"yanzhengma",
	"yanzheng",
	"codigo", // es/pt "código"
	"kod",    // pl/tr/ru transliteration
	"securitycode",
	"security_code",
}

// matchesKeyword reports whether s contains any CAPTCHA marker,
// case-insensitively.
func matchesKeyword(s string) bool {
	if s == "" {
		return false
	}
	s = strings.ToLower(s)
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// matchesAnyKeyword reports whether any of the given strings matches.
func matchesAnyKeyword(ss ...string) bool {
	for _, s := range ss {
		if matchesKeyword(s) {
			return true
		}
	}
	return false
}
