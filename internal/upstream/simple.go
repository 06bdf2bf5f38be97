package upstream

import (
	"errors"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/any-hub/pypi-gateway/internal/digest"
)

// anchorState 是 simple 页面解析的显式状态：idle 或位于某个 <a> 内部。
type anchorState int

const (
	stateIdle anchorState = iota
	stateInAnchor
)

// simplePageParser 由 tokenizer 事件驱动：start tag 进入 inAnchor，text 累积文件名，
// end tag 提交链接并回到 idle。
type simplePageParser struct {
	pageURL *url.URL
	state   anchorState
	href    string
	digest  digest.Digest
	text    strings.Builder
	links   Links
}

// parseSimplePage 解析 PEP 503 simple 页面；任何 href 缺少可解析的 sha256 片段都会返回 *ParseError。
func parseSimplePage(pageURL string, r io.Reader) (Links, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, &ParseError{URL: pageURL, Reason: "invalid page url", Err: err}
	}
	p := &simplePageParser{pageURL: base, links: Links{}}

	z := html.NewTokenizer(r)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return p.links, nil
			}
			return nil, &ParseError{URL: pageURL, Reason: "read html", Err: z.Err()}
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.DataAtom != atom.A {
				continue
			}
			if err := p.startAnchor(tok.Attr); err != nil {
				return nil, err
			}
			if tt == html.SelfClosingTagToken {
				p.endAnchor()
			}
		case html.TextToken:
			if p.state == stateInAnchor {
				p.text.Write(z.Text())
			}
		case html.EndTagToken:
			tok := z.Token()
			if tok.DataAtom == atom.A {
				p.endAnchor()
			}
		}
	}
}

func (p *simplePageParser) startAnchor(attrs []html.Attribute) error {
	p.reset()
	for _, attr := range attrs {
		if !strings.EqualFold(attr.Key, "href") {
			continue
		}
		target, fragment, _ := strings.Cut(attr.Val, "#")
		d, err := digest.ParseFragment(fragment)
		if err != nil {
			return &ParseError{URL: p.pageURL.String(), Reason: "anchor without sha256 digest: " + attr.Val, Err: err}
		}
		resolved, err := p.pageURL.Parse(target)
		if err != nil {
			return &ParseError{URL: p.pageURL.String(), Reason: "invalid href: " + attr.Val, Err: err}
		}
		p.state = stateInAnchor
		p.href = resolved.String()
		p.digest = d
		return nil
	}
	return nil
}

func (p *simplePageParser) endAnchor() {
	if p.state == stateInAnchor {
		if name := strings.TrimSpace(p.text.String()); name != "" {
			p.links[name] = Link{URL: p.href, Digest: p.digest}
		}
	}
	p.reset()
}

func (p *simplePageParser) reset() {
	p.state = stateIdle
	p.href = ""
	p.digest = digest.Digest{}
	p.text.Reset()
}
