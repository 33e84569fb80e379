package step

import (
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/valyala/fasttemplate"

	"github.com/LENAX/crm-automation/pkg/core/condition"
)

// Render 用 FactSheet 替换模板中的 {{field}} 合并标签
// {{field|默认值}} 在字段缺失时使用默认值，缺失且无默认值时替换为空串。
func Render(template string, facts condition.FactSheet) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return fasttemplate.ExecuteFuncString(template, "{{", "}}", func(w io.Writer, tag string) (int, error) {
		field, fallback, _ := strings.Cut(tag, "|")
		value := facts.String(strings.TrimSpace(field))
		if value == "" {
			value = strings.TrimSpace(fallback)
		}
		return w.Write([]byte(value))
	})
}

var (
	htmlTagPattern = regexp.MustCompile(`<[a-zA-Z][^>]*>`)
	spacePattern   = regexp.MustCompile(`[ \t\r\f]+`)
)

// LooksLikeHTML 正文是否包含HTML标签
func LooksLikeHTML(body string) bool {
	return htmlTagPattern.MatchString(body)
}

// HTMLToText 生成邮件的纯文本备选正文
func HTMLToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script, style, head").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, tr, h1, h2, h3, h4").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href != "" && strings.TrimSpace(s.Text()) != href {
			s.AppendHtml(" (" + href + ")")
		}
	})

	lines := strings.Split(doc.Text(), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(spacePattern.ReplaceAllString(line, " "))
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
