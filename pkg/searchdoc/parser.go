package searchdoc

import (
	"strings"
	"unicode"
)

// ParseQuery converts free text typed by a user into a PostgreSQL tsquery
// expression suitable for to_tsquery. The grammar is small:
//
//	sales report     both terms required (AND), "report" matched as a prefix
//	"sales report"   adjacent-phrase match, no prefix wildcard
//	-foo             excludes documents containing "foo"
//	a or b           alternation between clause groups
//
// The final token is treated as a prefix match to support search-as-you-type,
// unless it is a quoted phrase or the input ends inside an open quote (an
// in-progress phrase, matched without a wildcard). Empty or whitespace-only
// input returns "", which callers interpret as "match everything".
func ParseQuery(input string) string {
	tokens := tokenize(input)
	if len(tokens) == 0 {
		return ""
	}

	// Split into OR groups at top level. "and" joiners are dropped: terms
	// within a group are AND-ed by default.
	var groups [][]queryToken
	current := make([]queryToken, 0, len(tokens))
	for _, tok := range tokens {
		if !tok.phrase && !tok.negated {
			switch strings.ToLower(strings.Join(tok.words, " ")) {
			case "or":
				if len(current) > 0 {
					groups = append(groups, current)
					current = nil
				}
				continue
			case "and":
				continue
			}
		}
		current = append(current, tok)
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	if len(groups) == 0 {
		return ""
	}

	// The very last token of the input carries the prefix wildcard.
	last := &groups[len(groups)-1][len(groups[len(groups)-1])-1]
	if !last.phrase {
		last.prefix = true
	}

	parts := make([]string, 0, len(groups))
	for _, group := range groups {
		clause := renderGroup(group)
		if clause == "" {
			continue
		}
		if len(groups) > 1 {
			clause = "(" + clause + ")"
		}
		parts = append(parts, clause)
	}
	return strings.Join(parts, " | ")
}

type queryToken struct {
	words   []string // multiple words only for quoted phrases
	phrase  bool
	negated bool
	prefix  bool
}

// tokenize splits input into tokens, keeping quoted segments together. A
// quote still open at the end of input is an in-progress phrase, not an
// error.
func tokenize(input string) []queryToken {
	var tokens []queryToken
	var word strings.Builder
	var phrase []string
	inQuote := false
	negateNext := false

	flushWord := func() {
		if word.Len() == 0 {
			return
		}
		if inQuote {
			phrase = append(phrase, word.String())
		} else {
			tokens = append(tokens, queryToken{
				words:   []string{word.String()},
				negated: negateNext,
			})
			negateNext = false
		}
		word.Reset()
	}
	flushPhrase := func() {
		flushWord()
		if len(phrase) > 0 {
			tokens = append(tokens, queryToken{
				words:   phrase,
				phrase:  true,
				negated: negateNext,
			})
		}
		phrase = nil
		negateNext = false
	}

	for _, r := range input {
		switch {
		case r == '"':
			if inQuote {
				inQuote = false
				flushPhrase()
			} else {
				flushWord()
				inQuote = true
			}
		case unicode.IsSpace(r):
			flushWord()
		case r == '-' && !inQuote && word.Len() == 0:
			negateNext = true
		default:
			word.WriteRune(r)
		}
	}
	if inQuote {
		// Unterminated quote: treat what we have as a phrase.
		inQuote = false
		flushPhrase()
	} else {
		flushWord()
	}

	return tokens
}

// renderGroup renders one AND clause of tokens.
func renderGroup(group []queryToken) string {
	parts := make([]string, 0, len(group))
	for _, tok := range group {
		expr := renderToken(tok)
		if expr == "" {
			continue
		}
		parts = append(parts, expr)
	}
	return strings.Join(parts, " & ")
}

func renderToken(tok queryToken) string {
	lexemes := make([]string, 0, len(tok.words))
	for _, w := range tok.words {
		lex := escapeLexeme(w)
		if lex == "" {
			continue
		}
		lexemes = append(lexemes, lex)
	}
	if len(lexemes) == 0 {
		return ""
	}

	expr := strings.Join(lexemes, " <-> ")
	if tok.prefix {
		expr += ":*"
	}
	if len(lexemes) > 1 {
		expr = "(" + expr + ")"
	}
	if tok.negated {
		expr = "!" + expr
	}
	return expr
}

// escapeLexeme quotes a single lexeme so that characters with meaning in the
// tsquery grammar (quotes, backslashes, operators) are matched literally
// instead of being passed through raw.
func escapeLexeme(word string) string {
	word = strings.TrimSpace(word)
	if word == "" {
		return ""
	}
	word = strings.ReplaceAll(word, `\`, `\\`)
	word = strings.ReplaceAll(word, `'`, `''`)
	return "'" + word + "'"
}
