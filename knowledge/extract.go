package knowledge

import (
	"bytes"
	"fmt"
	"mime"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

type extractedContent struct {
	Title string
	Text  string
}

type extractor struct {
	converter *md.Converter
}

func newExtractor() *extractor {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &extractor{converter: converter}
}

// extract turns a fetched response into retrievable text. HTML is reduced to
// markdown, plain text passes through, anything else is an extraction error.
func (e *extractor) extract(body []byte, contentType string) (*extractedContent, error) {
	mediaType := normalizeMediaType(contentType)
	switch {
	case mediaType == "text/html", mediaType == "application/xhtml+xml", mediaType == "":
		return e.extractHTML(body)
	case strings.HasPrefix(mediaType, "text/"), mediaType == "application/json", mediaType == "application/xml":
		text := strings.TrimSpace(string(body))
		if text == "" {
			return nil, fmt.Errorf("no usable text in %q response", mediaType)
		}
		return &extractedContent{Text: text}, nil
	default:
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}
}

func (e *extractor) extractHTML(body []byte) (*extractedContent, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	title := findTitle(doc)
	pruneNodes(doc, map[string]struct{}{
		"script": {}, "style": {}, "noscript": {}, "iframe": {},
		"nav": {}, "header": {}, "footer": {}, "aside": {}, "form": {},
	})

	content := doc
	if main := findElement(doc, "main"); main != nil {
		content = main
	} else if article := findElement(doc, "article"); article != nil {
		content = article
	} else if bodyNode := findElement(doc, "body"); bodyNode != nil {
		content = bodyNode
	}

	var rendered strings.Builder
	if err := html.Render(&rendered, content); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}

	markdown, err := e.converter.ConvertString(rendered.String())
	if err != nil {
		return nil, fmt.Errorf("convert html: %w", err)
	}

	markdown = strings.TrimSpace(collapseBlankLines(markdown))
	if markdown == "" {
		return nil, fmt.Errorf("no usable text after conversion")
	}

	return &extractedContent{Title: title, Text: markdown}, nil
}

// extractLinks returns absolute same-host http(s) links found in the body,
// fragment-stripped and deduplicated, in document order.
func extractLinks(body []byte, base *url.URL) []string {
	if base == nil {
		return nil
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				resolved := resolveSameHostLink(base, attr.Val)
				if resolved == "" {
					continue
				}
				if _, ok := seen[resolved]; ok {
					continue
				}
				seen[resolved] = struct{}{}
				links = append(links, resolved)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

func resolveSameHostLink(base *url.URL, href string) string {
	trimmed := strings.TrimSpace(href)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ""
	}
	parsed, err := base.Parse(trimmed)
	if err != nil {
		return ""
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ""
	}
	if !strings.EqualFold(parsed.Hostname(), base.Hostname()) {
		return ""
	}
	parsed.Fragment = ""
	return parsed.String()
}

func normalizeMediaType(contentType string) string {
	trimmed := strings.TrimSpace(contentType)
	if trimmed == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(trimmed)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(trimmed, ";", 2)[0]))
	}
	return strings.ToLower(mediaType)
}

func findTitle(doc *html.Node) string {
	node := findElement(doc, "title")
	if node == nil || node.FirstChild == nil {
		return ""
	}
	return strings.TrimSpace(node.FirstChild.Data)
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func pruneNodes(n *html.Node, tags map[string]struct{}) {
	var toRemove []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			if _, ok := tags[c.Data]; ok {
				toRemove = append(toRemove, c)
				continue
			}
		}
		pruneNodes(c, tags)
	}
	for _, node := range toRemove {
		n.RemoveChild(node)
	}
}

func collapseBlankLines(text string) string {
	lines := strings.Split(text, "\n")
	result := make([]string, 0, len(lines))
	blanks := 0
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if strings.TrimSpace(trimmed) == "" {
			blanks++
			if blanks > 2 {
				continue
			}
			result = append(result, "")
			continue
		}
		blanks = 0
		result = append(result, trimmed)
	}
	return strings.Join(result, "\n")
}
