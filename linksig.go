package statescan

import (
	"strings"

	"golang.org/x/net/html"
)

// extractLinksAndForms renders a compact, order-preserving signature of a
// response body's <a> and <form> elements for the links-only interaction
// projection (§3): just enough structure that two responses offering the
// same set of next actions hash identically, without pulling in the whole
// body the way whole-response does.
func extractLinksAndForms(body []byte) string {
	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(string(body)))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return sb.String()
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, hasAttr := z.TagName()
		tag := string(name)
		switch tag {
		case "a":
			sb.WriteString("a:")
			sb.WriteString(attrValue(z, hasAttr, "href"))
			sb.WriteByte(';')
		case "form":
			sb.WriteString("form:")
			sb.WriteString(attrValue(z, hasAttr, "action"))
			sb.WriteByte(':')
			sb.WriteString(attrValue(z, hasAttr, "method"))
			sb.WriteByte(';')
		}
	}
}

func attrValue(z *html.Tokenizer, hasAttr bool, want string) string {
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = z.TagAttr()
		if string(key) == want {
			return string(val)
		}
	}
	return ""
}
