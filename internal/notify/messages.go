package notify

import (
	"os"
	"strings"
)

type locale string

const (
	localeEnglish locale = "en"
)

type messages struct {
	connectionFailed string
	connectionLost   string
	configuration    string
}

func messagesFromEnv() messages {
	return messagesFor(resolveLocale(os.Getenv("LANG")))
}

func resolveLocale(raw string) locale {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if strings.HasPrefix(raw, "en") {
		return localeEnglish
	}
	return localeEnglish
}

func messagesFor(tag locale) messages {
	switch tag {
	case localeEnglish:
		fallthrough
	default:
		return messages{
			connectionFailed: "Unable to connect to device",
			connectionLost:   "Device connection was lost",
			configuration:    "Adapter configuration rejected",
		}
	}
}
