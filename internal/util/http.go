package util

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// snippetLimit bounds how much of an error body ends up in an error message.
const snippetLimit = 4096

// DefaultHTTPClient creates a default http.Client with a reasonable timeout.
// Large asset downloads stream through it, so the timeout is generous.
func DefaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &http.Client{Timeout: timeout}
}

// ErrorSnippet reads a bounded part of a failed response's body and returns it
// as a single readable line. HTML error pages (gateways, proxies) are reduced to
// their title or visible text.
func ErrorSnippet(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, snippetLimit))
	ct := resp.Header.Get("Content-Type")
	trimmed := bytes.TrimSpace(body)
	if strings.Contains(ct, "html") || (bytes.HasPrefix(trimmed, []byte("<")) && !strings.Contains(ct, "json")) {
		if s := SummarizeHTML(trimmed); s != "" {
			return s
		}
	}
	return truncate(collapse(string(trimmed)), 512)
}

// SummarizeHTML returns the page title, or failing that its visible text.
func SummarizeHTML(page []byte) string {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return ""
	}
	var title string
	var text strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style":
				return
			case "title":
				if n.FirstChild != nil && title == "" {
					title = n.FirstChild.Data
				}
				return
			}
		}
		if n.Type == html.TextNode {
			text.WriteString(n.Data)
			text.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if t := collapse(title); t != "" {
		return truncate(t, 200)
	}
	return truncate(collapse(text.String()), 200)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
