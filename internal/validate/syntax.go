package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
	"gopkg.in/yaml.v3"
)

const maxSyntaxIssues = 10

// languageFor maps an extension to its tree-sitter grammar.
func languageFor(ext string) *sitter.Language {
	switch ext {
	case ".py":
		return python.GetLanguage()
	case ".js", ".jsx":
		return javascript.GetLanguage()
	case ".ts":
		return typescript.GetLanguage()
	case ".tsx":
		return tsx.GetLanguage()
	}
	return nil
}

// CheckSyntax parses content according to the file extension. Formats
// without a parser (.txt, .md) always pass.
func CheckSyntax(ctx context.Context, p string, content []byte) []Issue {
	ext := strings.ToLower(path.Ext(p))
	switch ext {
	case ".json":
		return checkJSON(p, content)
	case ".yaml", ".yml":
		return checkYAML(p, content)
	}
	lang := languageFor(ext)
	if lang == nil {
		return nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return []Issue{{Path: p, Kind: KindSyntax, Message: fmt.Sprintf("parse failed: %v", err)}}
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil
	}
	var issues []Issue
	collectErrors(root, content, p, &issues, 0)
	if len(issues) == 0 {
		issues = append(issues, Issue{Path: p, Line: int(root.StartPoint().Row) + 1, Kind: KindSyntax, Message: "syntax error"})
	}
	return issues
}

func collectErrors(n *sitter.Node, content []byte, p string, issues *[]Issue, depth int) {
	if depth > 1000 || len(*issues) >= maxSyntaxIssues {
		return
	}
	if n.IsError() || n.IsMissing() {
		msg := "syntax error"
		if n.IsMissing() {
			msg = "missing " + n.Type()
		} else if start, end := n.StartByte(), n.EndByte(); end > start && int(end) <= len(content) && end-start < 60 {
			msg = fmt.Sprintf("unexpected %q", strings.TrimSpace(string(content[start:end])))
		}
		*issues = append(*issues, Issue{Path: p, Line: int(n.StartPoint().Row) + 1, Kind: KindSyntax, Message: msg})
		return
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		collectErrors(n.Child(i), content, p, issues, depth+1)
	}
}

func checkJSON(p string, content []byte) []Issue {
	var v any
	err := json.Unmarshal(content, &v)
	if err == nil {
		return nil
	}
	line := 0
	var se *json.SyntaxError
	if errors.As(err, &se) {
		line = lineAt(content, se.Offset)
	}
	return []Issue{{Path: p, Line: line, Kind: KindSyntax, Message: err.Error()}}
}

var yamlLine = regexp.MustCompile(`line (\d+)`)

func checkYAML(p string, content []byte) []Issue {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	for {
		var v any
		err := dec.Decode(&v)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		line := 0
		if m := yamlLine.FindStringSubmatch(err.Error()); m != nil {
			line, _ = strconv.Atoi(m[1])
		}
		return []Issue{{Path: p, Line: line, Kind: KindSyntax, Message: err.Error()}}
	}
}

func lineAt(content []byte, offset int64) int {
	if offset > int64(len(content)) {
		offset = int64(len(content))
	}
	return bytes.Count(content[:offset], []byte("\n")) + 1
}
