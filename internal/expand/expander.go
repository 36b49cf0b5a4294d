// Package expand turns fetched parent pages into child task specs. It
// maps each level of the content tree (index page, section list, item
// detail) to the selector that yields the next level's links.
package expand

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/edusync/harvester/internal/core"
)

// Rule describes how one task kind expands into children.
type Rule struct {
	// Selector matches the anchors pointing at the child resources.
	Selector string
	// ChildKind is the task kind assigned to matched links.
	ChildKind core.TaskKind
	// Priority is assigned to every produced child spec.
	Priority int
}

// Expander implements core.Expander over a per-kind rule table.
type Expander struct {
	rules map[core.TaskKind]Rule
}

// New builds an Expander with the default hierarchy rules: index pages
// expand into section lists, section lists into item details, and item
// details into file downloads. Leaf kinds produce no children.
func New() *Expander {
	return NewWithRules(map[core.TaskKind]Rule{
		core.KindIndexPage: {
			Selector:  "a.course-link, .course-list a[href]",
			ChildKind: core.KindSectionList,
			Priority:  5,
		},
		core.KindSectionList: {
			Selector:  "a.item-link, .section a[href], li.activity a[href]",
			ChildKind: core.KindItemDetail,
			Priority:  3,
		},
		core.KindItemDetail: {
			Selector:  "a.resource-link, a[href$='.pdf'], a[href*='/file/']",
			ChildKind: core.KindFile,
			Priority:  1,
		},
	})
}

// NewWithRules builds an Expander with an explicit rule table.
func NewWithRules(rules map[core.TaskKind]Rule) *Expander {
	return &Expander{rules: rules}
}

// Expand parses content and returns child specs for the task's kind.
// Kinds without a rule (leaf kinds) return no children.
func (e *Expander) Expand(task core.Task, content []byte) ([]core.TaskSpec, error) {
	rule, ok := e.rules[task.Kind]
	if !ok {
		return nil, nil
	}
	base, err := url.Parse(task.URL)
	if err != nil {
		return nil, fmt.Errorf("parse parent url %q: %w", task.URL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse html for %q: %w", task.URL, err)
	}

	seen := make(map[string]struct{})
	var specs []core.TaskSpec
	doc.Find(rule.Selector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		resolved, ok := resolveLink(base, href)
		if !ok {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		specs = append(specs, core.TaskSpec{
			Kind:     rule.ChildKind,
			URL:      resolved,
			ParentID: task.ID,
			Priority: rule.Priority,
		})
	})
	return specs, nil
}

func resolveLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	resolved.Fragment = ""
	return resolved.String(), true
}
