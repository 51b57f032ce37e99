package claude

import (
	"regexp"
	"strings"
)

// systemTags are the injected tag regions stripped from user text before it
// is shown as a session name. The CLI wraps IDE context, git status, and
// reminder blocks in these tags.
var systemTags = []string{
	"system-reminder",
	"ide_opened_file",
	"ide_selection",
	"ide_context",
	"gitStatus",
	"command-name",
	"claudeMd",
}

var (
	pairedTagRes []*regexp.Regexp
	orphanTagRes []*regexp.Regexp
	anyOpenTagRe = regexp.MustCompile(`<[A-Za-z][A-Za-z0-9_-]*>`)
)

func init() {
	for _, tag := range systemTags {
		quoted := regexp.QuoteMeta(tag)
		pairedTagRes = append(pairedTagRes,
			regexp.MustCompile(`(?s)<`+quoted+`>.*?</`+quoted+`>`))
		// An opening tag with no close swallows the rest of the text.
		orphanTagRes = append(orphanTagRes,
			regexp.MustCompile(`(?s)<`+quoted+`>.*$`))
	}
}

// stripSystemTags removes injected tag regions from user text. Paired tags
// drop their span; an unclosed opening tag (known or not) drops everything
// from the tag to the end of the text.
func stripSystemTags(s string) string {
	for _, re := range pairedTagRes {
		s = re.ReplaceAllString(s, "")
	}
	for _, re := range orphanTagRes {
		s = re.ReplaceAllString(s, "")
	}
	if loc := anyOpenTagRe.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}
	return strings.TrimSpace(s)
}

// truncate limits s to max runes, appending "..." when trimmed.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
