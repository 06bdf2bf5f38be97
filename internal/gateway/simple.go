package gateway

import (
	"bytes"
	"context"
	"fmt"
	"html"
)

// RenderSimple 生成 PEP 503 项目页，链接指向网关的 /files/ 并携带 sha256 片段。
func (r *Reader) RenderSimple(ctx context.Context, name, baseURL string) ([]byte, error) {
	links, err := r.ListSpecs(ctx, name)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	title := html.EscapeString(name)
	fmt.Fprintf(&buf, "<!DOCTYPE html>\n<html>\n  <head>\n    <title>Links for %s</title>\n  </head>\n  <body>\n    <h1>Links for %s</h1>\n", title, title)
	for _, link := range links {
		href := r.FileURL(baseURL, link.Spec) + "#" + link.Digest.Fragment()
		fmt.Fprintf(&buf, "    <a href=\"%s\">%s</a><br/>\n", html.EscapeString(href), html.EscapeString(link.Spec))
	}
	buf.WriteString("  </body>\n</html>\n")
	return buf.Bytes(), nil
}

// RenderIndex 生成 /simple 根页面，列出全部配置的项目。
func (r *Reader) RenderIndex(baseURL string) []byte {
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html>\n  <head>\n    <title>Simple index</title>\n  </head>\n  <body>\n")
	prefix := r.BaseURL(baseURL) + "/simple/"
	for _, name := range r.Names() {
		fmt.Fprintf(&buf, "    <a href=\"%s\">%s</a><br/>\n", html.EscapeString(prefix+name+"/"), html.EscapeString(name))
	}
	buf.WriteString("  </body>\n</html>\n")
	return buf.Bytes()
}
