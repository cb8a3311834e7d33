package searchdoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseQuery(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty input matches everything",
			input:    "",
			expected: "",
		},
		{
			name:     "whitespace only matches everything",
			input:    "   \t ",
			expected: "",
		},
		{
			name:     "single term gets prefix wildcard",
			input:    "rep",
			expected: "'rep':*",
		},
		{
			name:     "quoted term is an exact match without wildcard",
			input:    `"rep"`,
			expected: "'rep'",
		},
		{
			name:     "unterminated quote is an in-progress phrase",
			input:    `"rep`,
			expected: "'rep'",
		},
		{
			name:     "multiple terms are AND-ed, last one prefixed",
			input:    "sales report",
			expected: "'sales' & 'report':*",
		},
		{
			name:     "quoted phrase uses adjacency",
			input:    `"sales overview"`,
			expected: "('sales' <-> 'overview')",
		},
		{
			name:     "unterminated multi-word phrase has no wildcard",
			input:    `"sales over`,
			expected: "('sales' <-> 'over')",
		},
		{
			name:     "phrase negation and required term",
			input:    `"hello world" -foo bar`,
			expected: "('hello' <-> 'world') & !'foo' & 'bar':*",
		},
		{
			name:     "negated phrase",
			input:    `-"foo bar" baz`,
			expected: "!('foo' <-> 'bar') & 'baz':*",
		},
		{
			name:     "or separates clause groups",
			input:    "quarterly or monthly",
			expected: "('quarterly') | ('monthly':*)",
		},
		{
			name:     "and is an implicit joiner",
			input:    "sales and report",
			expected: "'sales' & 'report':*",
		},
		{
			name:     "or groups keep multi-term clauses together",
			input:    "sales report or revenue",
			expected: "('sales' & 'report') | ('revenue':*)",
		},
		{
			name:     "embedded single quote is escaped",
			input:    "it's",
			expected: "'it''s':*",
		},
		{
			name:     "backslash is escaped",
			input:    `a\b`,
			expected: `'a\\b':*`,
		},
		{
			name:     "hyphen inside a word is not negation",
			input:    "x-ray",
			expected: "'x-ray':*",
		},
		{
			name:     "lone or matches everything",
			input:    "or",
			expected: "",
		},
		{
			name:     "trailing or keeps a single group unparenthesized",
			input:    "sales or",
			expected: "'sales':*",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseQuery(tt.input))
		})
	}
}

func TestParseQueryNegatedTrailingTerm(t *testing.T) {
	// The trailing token still completes as the user types, even when
	// negated.
	assert.Equal(t, "'sales' & !'draft':*", ParseQuery("sales -draft"))
}
