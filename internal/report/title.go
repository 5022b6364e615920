package report

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// maxTitleLength caps the title kept in reports and history.
const maxTitleLength = 200

// PageTitle returns the text of the first <title> element of an HTML body,
// with whitespace collapsed. It returns an empty string when body has no
// title. A body cut short by the deadline is tokenized as far as it goes.
func PageTitle(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	z := html.NewTokenizer(bytes.NewReader(body))
	inTitle := false
	var sb strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return finishTitle(sb.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			if string(name) == "title" {
				inTitle = true
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if inTitle && string(name) == "title" {
				return finishTitle(sb.String())
			}
		case html.TextToken:
			if inTitle {
				sb.Write(z.Text())
			}
		}
	}
}

func finishTitle(s string) string {
	return truncateString(strings.Join(strings.Fields(s), " "), maxTitleLength)
}
