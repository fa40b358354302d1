// Package markdown strips Markdown decoration that chat models tend to wrap
// around plain-text answers.
package markdown

import (
	"regexp"
	"strings"
)

// Options configures the filtering behavior.
type Options struct {
	// StripListLeaders removes list markers (*, -, +, 1.).
	StripListLeaders bool
	// KeepUnderscores leaves _text_ untouched. Dictated identifiers such as
	// snake_case names survive only with this set.
	KeepUnderscores bool
}

// Filter removes Markdown formatting with the options used for dictation:
// list leaders are kept and underscores are left alone.
func Filter(text string) string {
	return FilterWithOptions(text, Options{KeepUnderscores: true})
}

var patterns struct {
	fence            *regexp.Regexp // ```lang\ncode```
	inlineCode       *regexp.Regexp // `code`
	boldAsterisk     *regexp.Regexp // **text**
	boldUnderscore   *regexp.Regexp // __text__
	italicAsterisk   *regexp.Regexp // *text*
	italicUnderscore *regexp.Regexp // _text_
	strikeThrough    *regexp.Regexp // ~~text~~
	headerAtx        *regexp.Regexp // # Heading
	link             *regexp.Regexp // [text](url)
	blockquote       *regexp.Regexp // > quote
	listLeader       *regexp.Regexp // * item
	multipleNewlines *regexp.Regexp
}

func init() {
	patterns.fence = regexp.MustCompile("```[a-zA-Z0-9_-]*\\n?([\\s\\S]*?)\\n?```")
	patterns.inlineCode = regexp.MustCompile("`([^`\n]+)`")
	patterns.boldAsterisk = regexp.MustCompile(`\*\*([^\n*]+)\*\*`)
	patterns.boldUnderscore = regexp.MustCompile(`__([^\n_]+)__`)
	patterns.italicAsterisk = regexp.MustCompile(`\*([^\n*]+)\*`)
	patterns.italicUnderscore = regexp.MustCompile(`(^|\s)_([^\n_]+)_(\s|$)`)
	patterns.strikeThrough = regexp.MustCompile(`~~([^\n~]+)~~`)
	patterns.headerAtx = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	patterns.link = regexp.MustCompile(`\[([^\]]+)\]\([^\)]+\)`)
	patterns.blockquote = regexp.MustCompile(`(?m)^\s*>\s*`)
	patterns.listLeader = regexp.MustCompile(`(?m)^\s*([*\-+]|\d+\.)\s+`)
	patterns.multipleNewlines = regexp.MustCompile(`\n{3,}`)
}

// FilterWithOptions removes Markdown formatting. Fenced code keeps its body.
func FilterWithOptions(text string, opts Options) string {
	result := patterns.fence.ReplaceAllString(text, "$1")
	result = patterns.headerAtx.ReplaceAllString(result, "$1")

	// Bold before italic.
	result = patterns.boldAsterisk.ReplaceAllString(result, "$1")
	result = patterns.strikeThrough.ReplaceAllString(result, "$1")
	result = patterns.italicAsterisk.ReplaceAllString(result, "$1")
	if !opts.KeepUnderscores {
		result = patterns.boldUnderscore.ReplaceAllString(result, "$1")
		result = patterns.italicUnderscore.ReplaceAllString(result, "$1$2$3")
	}

	result = patterns.inlineCode.ReplaceAllString(result, "$1")
	result = patterns.link.ReplaceAllString(result, "$1")
	result = patterns.blockquote.ReplaceAllString(result, "")
	if opts.StripListLeaders {
		result = patterns.listLeader.ReplaceAllString(result, "")
	}
	result = patterns.multipleNewlines.ReplaceAllString(result, "\n\n")

	return strings.TrimSpace(result)
}
