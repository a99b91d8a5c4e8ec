package autofix

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ppiankov/changegate/internal/llm"
	"github.com/ppiankov/changegate/internal/model"
)

// ErrUnparseable is returned when a repair response has no usable JSON.
var ErrUnparseable = errors.New("autofix: unparseable repair response")

// Change is one file in a repair response.
type Change struct {
	File   string
	Action model.ChangeAction
	Code   string
	Reason string
}

// Repair is the model's answer to a repair prompt.
type Repair struct {
	Unfixable   bool
	Reason      string
	Explanation string
	Changes     []Change
}

// ParseRepair extracts the first JSON object from text and reads it as a
// repair. "path" and "content" are accepted for "file" and "code".
func ParseRepair(text string) (*Repair, error) {
	raw, err := llm.ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	doc := gjson.Parse(raw)
	rep := &Repair{
		Unfixable:   doc.Get("unfixable").Bool(),
		Reason:      doc.Get("reason").String(),
		Explanation: doc.Get("explanation").String(),
	}
	doc.Get("changes").ForEach(func(_, c gjson.Result) bool {
		file := firstString(c, "file", "path")
		code := c.Get("code")
		if !code.Exists() {
			code = c.Get("content")
		}
		if file == "" || !code.Exists() {
			return true
		}
		ch := Change{File: file, Code: code.String(), Reason: c.Get("reason").String()}
		switch a := model.ChangeAction(strings.ToLower(c.Get("action").String())); a {
		case model.ChangeCreate, model.ChangeModify:
			ch.Action = a
		}
		rep.Changes = append(rep.Changes, ch)
		return true
	})
	if !rep.Unfixable && len(rep.Changes) == 0 {
		return nil, fmt.Errorf("%w: no changes", ErrUnparseable)
	}
	return rep, nil
}

func firstString(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// merge applies changes over files: matching paths are replaced in place,
// new paths are appended in response order.
func merge(files []model.FileChange, changes []Change) []model.FileChange {
	out := append([]model.FileChange(nil), files...)
	index := make(map[string]int, len(out))
	for i, f := range out {
		index[path.Clean(f.Path)] = i
	}
	for _, ch := range changes {
		key := path.Clean(ch.File)
		if i, ok := index[key]; ok {
			out[i].Content = ch.Code
			if ch.Reason != "" {
				out[i].Reason = ch.Reason
			}
			continue
		}
		index[key] = len(out)
		out = append(out, model.FileChange{Path: ch.File, Content: ch.Code, Action: ch.Action, Reason: ch.Reason})
	}
	return out
}
