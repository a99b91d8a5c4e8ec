package validate

import (
	"context"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// blockingCalls are synchronous calls that stall the event loop when made
// inside an async def.
var blockingCalls = []struct {
	re  *regexp.Regexp
	msg string
}{
	{regexp.MustCompile(`\btime\.sleep\(`), "time.sleep() blocks the event loop; use await asyncio.sleep()"},
	{regexp.MustCompile(`\brequests\.\w+\(`), "requests is synchronous; use an async HTTP client"},
	{regexp.MustCompile(`(^|[^\w.])open\(`), "open() blocks in async code; use aiofiles"},
}

// checkAsync walks Python async functions. Blocking calls are errors; an
// async function without await is a warning.
func checkAsync(ctx context.Context, p string, content []byte) (errs, warns []Issue) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, nil
	}
	defer tree.Close()

	usesAiofiles := strings.Contains(string(content), "aiofiles")
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "function_definition" && isAsync(n) {
			body := n.ChildByFieldName("body")
			name := "function"
			if nm := n.ChildByFieldName("name"); nm != nil {
				name = nm.Content(content)
			}
			if body != nil {
				errs = append(errs, blockingIn(p, body, content, usesAiofiles)...)
				if !hasDescendant(body, "await") {
					warns = append(warns, Issue{
						Path:    p,
						Line:    int(n.StartPoint().Row) + 1,
						Kind:    KindAsync,
						Message: "async function " + name + " never awaits; consider making it sync",
					})
				}
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(tree.RootNode())
	return errs, warns
}

func isAsync(fn *sitter.Node) bool {
	for i := 0; i < int(fn.ChildCount()); i++ {
		c := fn.Child(i)
		if c.Type() == "async" {
			return true
		}
		if c.Type() == "def" {
			return false
		}
	}
	return false
}

func hasDescendant(n *sitter.Node, typ string) bool {
	if n.Type() == typ {
		return true
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if hasDescendant(n.NamedChild(i), typ) {
			return true
		}
	}
	return false
}

func blockingIn(p string, body *sitter.Node, content []byte, usesAiofiles bool) []Issue {
	var issues []Issue
	firstLine := int(body.StartPoint().Row) + 1
	for i, line := range strings.Split(body.Content(content), "\n") {
		code := line
		if j := strings.Index(code, "#"); j >= 0 {
			code = code[:j]
		}
		for k, bc := range blockingCalls {
			if k == 2 && usesAiofiles {
				continue
			}
			if bc.re.MatchString(code) {
				issues = append(issues, Issue{Path: p, Line: firstLine + i, Kind: KindAsync, Message: bc.msg})
			}
		}
	}
	return issues
}
