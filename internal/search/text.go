package search

import (
	"strings"

	"golang.org/x/net/html"
)

// plainText reduces a provider snippet to readable text. Providers
// return highlight markup (<strong>, <b>) and entities in titles and
// descriptions; both are stripped and whitespace is collapsed.
func plainText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}
	tokenizer := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.WriteString(tokenizer.Token().Data)
		case html.StartTagToken, html.SelfClosingTagToken:
			if name, _ := tokenizer.TagName(); string(name) == "br" {
				b.WriteByte(' ')
			}
		}
	}
}
