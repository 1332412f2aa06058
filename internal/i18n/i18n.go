package i18n

import "strings"

type Lang string

const (
	RU Lang = "ru"
	EN Lang = "en"
)

const Default = RU

func FromLanguageCode(code string) Lang {
	code = strings.ToLower(strings.TrimSpace(code))
	if strings.HasPrefix(code, "ru") || strings.HasPrefix(code, "uk") || strings.HasPrefix(code, "be") {
		return RU
	}
	if code == "" {
		return Default
	}
	return EN
}

func Parse(s string) Lang {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "ru":
		return RU
	case "en":
		return EN
	default:
		return Default
	}
}

func Supported(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == string(RU) || s == string(EN)
}
