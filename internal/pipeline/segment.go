package pipeline

import (
	"bytes"
	"fmt"
	"strings"

	"knowledge-ingest-go/internal/model"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Segment 是从 Tika XHTML 中切出的一段内容，Page 从 1 开始，非分页文档为 nil。
type Segment struct {
	Type model.ChunkType
	Text string
	HTML string
	Page *int
}

type segmenter struct {
	chunkSize    int
	chunkOverlap int
	buf          strings.Builder
	pageNo       int
	page         *int
	out          []Segment
}

// SegmentXHTML 把 Tika 输出切分为文本与表格片段。表格整体作为一个 Table 片段，
// 其余文本按页聚合后以 chunkSize/chunkOverlap 切分。
func SegmentXHTML(doc string, chunkSize, chunkOverlap int) ([]Segment, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse xhtml: %w", err)
	}
	s := &segmenter{chunkSize: chunkSize, chunkOverlap: chunkOverlap}
	start := findElement(root, atom.Body)
	if start == nil {
		start = root
	}
	s.walk(start)
	s.flush()
	return s.out, nil
}

func (s *segmenter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		s.buf.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Head, atom.Title:
			return
		case atom.Table:
			s.flush()
			s.emitTable(n)
			return
		case atom.Br:
			s.buf.WriteString("\n")
			return
		case atom.Div:
			if hasClass(n, "page") {
				s.flush()
				s.pageNo++
				p := s.pageNo
				s.page = &p
				s.walkChildren(n)
				s.flush()
				return
			}
		}
	}
	s.walkChildren(n)
	if n.Type == html.ElementNode && isBlock(n.DataAtom) {
		s.buf.WriteString("\n")
	}
}

func (s *segmenter) walkChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		s.walk(c)
	}
}

func (s *segmenter) flush() {
	text := normalize(s.buf.String())
	s.buf.Reset()
	if text == "" {
		return
	}
	for _, part := range splitText(text, s.chunkSize, s.chunkOverlap) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		s.out = append(s.out, Segment{Type: model.ChunkTypeText, Text: part, Page: s.pageCopy()})
	}
}

func (s *segmenter) emitTable(n *html.Node) {
	var rendered bytes.Buffer
	if err := html.Render(&rendered, n); err != nil {
		return
	}
	var rows []string
	forEachElement(n, atom.Tr, func(tr *html.Node) {
		var cells []string
		for c := tr.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
				cells = append(cells, normalizeInline(textContent(c)))
			}
		}
		if len(cells) > 0 {
			rows = append(rows, strings.Join(cells, "\t"))
		}
	})
	s.out = append(s.out, Segment{
		Type: model.ChunkTypeTable,
		Text: strings.Join(rows, "\n"),
		HTML: rendered.String(),
		Page: s.pageCopy(),
	})
}

func (s *segmenter) pageCopy() *int {
	if s.page == nil {
		return nil
	}
	p := *s.page
	return &p
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

func forEachElement(n *html.Node, a atom.Atom, fn func(*html.Node)) {
	if n.Type == html.ElementNode && n.DataAtom == a {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		forEachElement(c, a, fn)
	}
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return b.String()
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Li, atom.Ul, atom.Ol, atom.Pre, atom.Blockquote, atom.Section, atom.Article:
		return true
	}
	return false
}

// normalize 压缩行内空白并去掉空行。
func normalize(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = normalizeInline(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func normalizeInline(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// splitText 将长文本按指定大小和重叠进行切分。
func splitText(text string, chunkSize int, chunkOverlap int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		return []string{text}
	}
	step := chunkSize - chunkOverlap
	if step <= 0 {
		step = chunkSize
	}

	var chunks []string
	for i := 0; i < len(runes); i += step {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
