package engine

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// ExtractProgram returns the body of the first fenced code block whose
// info string is go, golang or empty. Blocks in other languages are
// skipped. Fences follow CommonMark, so an unterminated fence runs to
// the end of the reply.
func ExtractProgram(reply string) (string, bool) {
	src := []byte(reply)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var program string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		block, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		switch strings.ToLower(string(block.Language(src))) {
		case "", "go", "golang":
		default:
			return ast.WalkSkipChildren, nil
		}
		body := strings.TrimSpace(blockText(block, src))
		if body == "" {
			return ast.WalkSkipChildren, nil
		}
		program = body
		return ast.WalkStop, nil
	})
	return program, program != ""
}

func blockText(block *ast.FencedCodeBlock, src []byte) string {
	var buf bytes.Buffer
	lines := block.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(src))
	}
	return buf.String()
}
