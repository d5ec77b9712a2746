package policyfile

import (
	"github.com/viant/parsly"
	"github.com/viant/parsly/matcher"
)

// Token codes. Zero is left unused, so that a failed match is never mistaken
// for a token.
const (
	whitespaceCode = iota + 1
	commentCode
	iriCode
	literalCode
	facetCode
	commaCode
	openBracketCode
	closeBracketCode
	openParenCode
	closeParenCode
	wordCode
)

var (
	whitespaceToken   = parsly.NewToken(whitespaceCode, "Whitespace", matcher.NewWhiteSpace())
	commentToken      = parsly.NewToken(commentCode, "Comment", &commentMatcher{})
	iriToken          = parsly.NewToken(iriCode, "IRI", &iriMatcher{})
	literalToken      = parsly.NewToken(literalCode, "Literal", &literalMatcher{})
	facetToken        = parsly.NewToken(facetCode, "Facet", &facetMatcher{})
	commaToken        = parsly.NewToken(commaCode, ",", matcher.NewByte(','))
	openBracketToken  = parsly.NewToken(openBracketCode, "[", matcher.NewByte('['))
	closeBracketToken = parsly.NewToken(closeBracketCode, "]", matcher.NewByte(']'))
	openParenToken    = parsly.NewToken(openParenCode, "(", matcher.NewByte('('))
	closeParenToken   = parsly.NewToken(closeParenCode, ")", matcher.NewByte(')'))
	wordToken         = parsly.NewToken(wordCode, "Word", &wordMatcher{})
)

// tokens are tried in this order, so the IRI matcher must come before the
// facet matcher, which would otherwise claim the opening '<'.
var allTokens = []*parsly.Token{
	whitespaceToken,
	commentToken,
	iriToken,
	literalToken,
	facetToken,
	commaToken,
	openBracketToken,
	closeBracketToken,
	openParenToken,
	closeParenToken,
	wordToken,
}

// commentMatcher matches from a '#' to the end of the line. This is not part
// of the Manchester syntax, but hand-edited policy files sometimes have them.
type commentMatcher struct{}

func (m *commentMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize

	if pos >= size || input[pos] != '#' {
		return 0
	}

	matched := 1
	for i := pos + 1; i < size && input[i] != '\n'; i++ {
		matched++
	}

	return matched
}

// iriMatcher matches a full IRI in angle brackets, e.g. <http://example.org/>
type iriMatcher struct{}

func (m *iriMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize

	if pos >= size || input[pos] != '<' {
		return 0
	}

	for i := pos + 1; i < size; i++ {
		switch input[i] {
		case '>':
			if i == pos+1 {
				return 0
			}
			return i - pos + 1
		case ' ', '\t', '\r', '\n', '<', '"':
			return 0
		}
	}

	return 0
}

// literalMatcher matches a quoted string, with an optional datatype (^^xsd:int)
// or language tag (@en).
type literalMatcher struct{}

func (m *literalMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize

	if pos >= size || input[pos] != '"' {
		return 0
	}

	i := pos + 1
	for ; i < size; i++ {
		if input[i] == '\\' {
			i++
			continue
		}
		if input[i] == '"' {
			break
		}
	}

	if i >= size {
		// Unterminated.
		return 0
	}

	i++ // closing quote

	switch {
	case i+1 < size && input[i] == '^' && input[i+1] == '^':
		i += 2
		if i < size && input[i] == '<' {
			for i < size && input[i] != '>' {
				i++
			}
			i++
		} else {
			for i < size && isWordByte(input[i]) {
				i++
			}
		}

	case i < size && input[i] == '@':
		i++
		for i < size && isWordByte(input[i]) {
			i++
		}
	}

	if i > size {
		return 0
	}

	return i - pos
}

// facetMatcher matches the comparison operators of a datatype restriction.
type facetMatcher struct{}

func (m *facetMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize

	if pos >= size || (input[pos] != '<' && input[pos] != '>') {
		return 0
	}

	if pos+1 < size && input[pos+1] == '=' {
		return 2
	}

	return 1
}

// wordMatcher matches keywords, prefixed names and numbers; anything up to the
// next whitespace or delimiter.
type wordMatcher struct{}

func (m *wordMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize

	matched := 0
	for i := pos; i < size && isWordByte(input[i]); i++ {
		matched++
	}

	return matched
}

func isWordByte(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', ',', '[', ']', '(', ')', '{', '}', '<', '>', '"':
		return false
	}

	return true
}
