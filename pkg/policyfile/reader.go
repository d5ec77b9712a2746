package policyfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/adammck/dicer/pkg/api"
	"github.com/adammck/dicer/pkg/registry"
	"github.com/viant/parsly"
)

// ErrInvalidPolicy is returned (wrapped) when a document can be parsed but
// does not describe a valid ID policy.
var ErrInvalidPolicy = errors.New("invalid ID policy")

func invalid(format string, a ...interface{}) error {
	return api.Errorf(ErrInvalidPolicy, format, a...)
}

// Keywords which start a new frame. Everything up to the next one of these
// belongs to the current frame.
var frameKeywords = map[string]bool{
	"Prefix:":               true,
	"Ontology:":             true,
	"Import:":               true,
	"AnnotationProperty:":   true,
	"Datatype:":             true,
	"Class:":                true,
	"ObjectProperty:":       true,
	"DataProperty:":         true,
	"Individual:":           true,
	"EquivalentClasses:":    true,
	"DisjointClasses:":      true,
	"EquivalentProperties:": true,
	"DisjointProperties:":   true,
	"SameIndividual:":       true,
	"DifferentIndividuals:": true,
}

// Keywords which start a section within a frame.
var sectionKeywords = map[string]bool{
	"Annotations:":      true,
	"EquivalentTo:":     true,
	"SubClassOf:":       true,
	"DisjointWith:":     true,
	"DisjointUnionOf:":  true,
	"HasKey:":           true,
	"Domain:":           true,
	"Range:":            true,
	"Characteristics:":  true,
	"SubPropertyOf:":    true,
	"SubPropertyChain:": true,
	"InverseOf:":        true,
	"Types:":            true,
	"Facts:":            true,
	"SameAs:":           true,
	"DifferentFrom:":    true,
}

// Prefixes which are always available, without being declared.
var builtinPrefixes = map[string]string{
	"rdf":  "http://www.w3.org/1999/02/22-rdf-syntax-ns#",
	"rdfs": "http://www.w3.org/2000/01/rdf-schema#",
	"xsd":  "http://www.w3.org/2001/XMLSchema#",
	"owl":  "http://www.w3.org/2002/07/owl#",
}

type token struct {
	code int
	text string
	pos  int
}

func (t token) isKeyword() bool {
	return t.code == wordCode && (frameKeywords[t.text] || sectionKeywords[t.text])
}

// lex splits the whole input into tokens, dropping whitespace and comments.
func lex(input []byte) ([]token, error) {
	cursor := parsly.NewCursor("", input, 0)
	out := []token{}

	for cursor.Pos < cursor.InputSize {
		pos := cursor.Pos
		matched := cursor.MatchAny(allTokens...)

		switch matched.Code {
		case whitespaceCode, commentCode:
			continue

		case iriCode, literalCode, facetCode, commaCode, openBracketCode,
			closeBracketCode, openParenCode, closeParenCode, wordCode:
			out = append(out, token{code: matched.Code, text: matched.Text(cursor), pos: pos})

		default:
			return nil, invalid("cannot parse ID policy: %v", cursor.NewError(allTokens...))
		}
	}

	return out, nil
}

// parser walks the token stream produced by lex. It understands just enough
// of the OWL Manchester syntax to extract a policy, and skips frames which it
// doesn't care about.
type parser struct {
	toks     []token
	i        int
	prefixes map[string]string
}

func (p *parser) done() bool {
	return p.i >= len(p.toks)
}

func (p *parser) peek() token {
	return p.toks[p.i]
}

func (p *parser) next() token {
	t := p.toks[p.i]
	p.i += 1
	return t
}

// skipFrame advances to the next frame keyword.
func (p *parser) skipFrame() {
	for !p.done() {
		t := p.peek()
		if t.code == wordCode && frameKeywords[t.text] {
			return
		}
		p.i += 1
	}
}

// skipSection advances to the next frame or section keyword.
func (p *parser) skipSection() {
	for !p.done() && !p.peek().isKeyword() {
		p.i += 1
	}
}

// expand returns the full IRI of an entity, which may be given as a full IRI
// in angle brackets or as a prefixed name.
func (p *parser) expand(t token) (string, error) {
	switch t.code {
	case iriCode:
		return t.text[1 : len(t.text)-1], nil

	case wordCode:
		i := strings.IndexByte(t.text, ':')
		if i == -1 {
			// Default prefix, which is "" in Manchester syntax.
			if base, ok := p.prefixes[""]; ok {
				return base + t.text, nil
			}
			return "", invalid("unknown prefix in name: %s", t.text)
		}

		pfx, local := t.text[:i], t.text[i+1:]
		if base, ok := p.prefixes[pfx]; ok {
			return base + local, nil
		}

		if base, ok := builtinPrefixes[pfx]; ok {
			return base + local, nil
		}

		return "", invalid("unknown prefix in name: %s", t.text)
	}

	return "", invalid("expected a name, got: %s", t.text)
}

// annotation is one (property, value) pair. Value is only set for literals,
// since that's all that a policy uses.
type annotation struct {
	property  string
	value     string
	isLiteral bool
}

// annotations parses a comma-separated list of annotations, stopping at the
// next keyword.
func (p *parser) annotations() ([]annotation, error) {
	out := []annotation{}

	for !p.done() && !p.peek().isKeyword() {
		prop, err := p.expand(p.next())
		if err != nil {
			return nil, err
		}

		if p.done() {
			return nil, invalid("missing value for annotation: %s", prop)
		}

		a := annotation{property: prop}
		v := p.next()
		switch v.code {
		case literalCode:
			a.value = unquote(v.text)
			a.isLiteral = true

		case wordCode:
			// Bare numbers (iddigits: 7) are integer literals. Anything else
			// is a name, which is not a literal.
			if _, err := strconv.Atoi(v.text); err == nil {
				a.value = v.text
				a.isLiteral = true
			}

		case iriCode:

		default:
			return nil, invalid("unexpected %q in annotations", v.text)
		}

		out = append(out, a)

		if !p.done() && p.peek().code == commaCode {
			p.i += 1
		}
	}

	return out, nil
}

// restriction parses a datatype restriction like: xsd:integer[>= 0, < 10000]
// and returns the equivalent half-open bounds. A missing bound is -1.
func (p *parser) restriction() (int, int, error) {
	lower, upper := -1, -1

	if p.done() || p.peek().code != wordCode || p.peek().isKeyword() {
		return lower, upper, nil
	}

	dt, err := p.expand(p.next())
	if err != nil {
		return lower, upper, err
	}

	if p.done() || p.peek().code != openBracketCode {
		// Some other kind of data range; not ours.
		p.skipSection()
		return lower, upper, nil
	}

	p.i += 1

	for {
		if p.done() {
			return lower, upper, invalid("unterminated restriction on %s", dt)
		}

		t := p.next()
		if t.code == closeBracketCode {
			break
		}

		if t.code == commaCode {
			continue
		}

		if t.code != facetCode || p.done() {
			return lower, upper, invalid("unexpected %q in restriction on %s", t.text, dt)
		}

		v := p.next()
		s := v.text
		if v.code == literalCode {
			s = unquote(s)
		}

		n, err := strconv.Atoi(s)
		if err != nil {
			// Not an integer facet. Ignore it, like the OWL API does.
			continue
		}

		switch t.text {
		case ">=":
			lower = n
		case ">":
			lower = n + 1
		case "<":
			upper = n
		case "<=":
			upper = n + 1
		}
	}

	return lower, upper, nil
}

// document is everything extracted from one policy file, before it has been
// turned into a registry.
type document struct {
	ontologyIRI string
	annotations []annotation
	ranges      []rangeFrame
}

type rangeFrame struct {
	iri     string
	owner   string
	comment string
	lower   int
	upper   int
}

func (p *parser) parse() (*document, error) {
	doc := &document{}

	for !p.done() {
		t := p.next()

		if t.code != wordCode || !frameKeywords[t.text] {
			return nil, invalid("expected a frame, got: %s", t.text)
		}

		var err error
		switch t.text {
		case "Prefix:":
			err = p.prefix()

		case "Ontology:":
			err = p.ontology(doc)

		case "Datatype:":
			err = p.datatype(doc)

		default:
			p.skipFrame()
		}

		if err != nil {
			return nil, err
		}
	}

	return doc, nil
}

func (p *parser) prefix() error {
	if p.i+1 >= len(p.toks) {
		return invalid("incomplete prefix declaration")
	}

	name, iri := p.next(), p.next()
	if name.code != wordCode || !strings.HasSuffix(name.text, ":") || iri.code != iriCode {
		return invalid("invalid prefix declaration: %s %s", name.text, iri.text)
	}

	p.prefixes[strings.TrimSuffix(name.text, ":")] = iri.text[1 : len(iri.text)-1]
	return nil
}

func (p *parser) ontology(doc *document) error {
	if !p.done() && p.peek().code == iriCode {
		doc.ontologyIRI = strings.Trim(p.next().text, "<>")

		// Version IRI.
		if !p.done() && p.peek().code == iriCode {
			p.i += 1
		}
	}

	for !p.done() {
		t := p.peek()
		if t.code == wordCode && frameKeywords[t.text] {
			return nil
		}

		p.i += 1
		if t.text != "Annotations:" {
			p.skipSection()
			continue
		}

		annots, err := p.annotations()
		if err != nil {
			return err
		}

		doc.annotations = append(doc.annotations, annots...)
	}

	return nil
}

func (p *parser) datatype(doc *document) error {
	if p.done() {
		return invalid("missing datatype name")
	}

	iri, err := p.expand(p.next())
	if err != nil {
		return err
	}

	rf := rangeFrame{iri: iri, lower: -1, upper: -1}

	for !p.done() {
		t := p.peek()
		if t.code == wordCode && frameKeywords[t.text] {
			break
		}

		p.i += 1
		switch t.text {
		case "Annotations:":
			annots, err := p.annotations()
			if err != nil {
				return err
			}

			for _, a := range annots {
				if !a.isLiteral {
					continue
				}

				switch a.property {
				case AllocatedToIRI:
					rf.owner = a.value
				case CommentIRI:
					rf.comment = a.value
				}
			}

		case "EquivalentTo:":
			lower, upper, err := p.restriction()
			if err != nil {
				return err
			}
			if lower != -1 || upper != -1 {
				rf.lower, rf.upper = lower, upper
			}
			p.skipSection()

		default:
			p.skipSection()
		}
	}

	doc.ranges = append(doc.ranges, rf)
	return nil
}

// unquote returns the lexical value of a literal token, without the quotes,
// escapes, datatype or language tag.
func unquote(s string) string {
	end := strings.LastIndexByte(s, '"')
	if end <= 0 {
		return s
	}

	var sb strings.Builder
	body := s[1:end]
	for i := 0; i < len(body); i++ {
		if body[i] == '\\' && i+1 < len(body) {
			i++
		}
		sb.WriteByte(body[i])
	}

	return sb.String()
}

// Read parses a policy in OWL Manchester syntax.
func Read(r io.Reader) (*registry.Registry, error) {
	input, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	return Parse(input)
}

// ReadFile parses the policy in the given file.
func ReadFile(path string) (*registry.Registry, error) {
	input, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read ID policy: %w", err)
	}

	return Parse(input)
}

// Parse parses a policy from a byte slice.
func Parse(input []byte) (*registry.Registry, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}

	p := &parser{
		toks:     toks,
		prefixes: map[string]string{},
	}

	doc, err := p.parse()
	if err != nil {
		return nil, err
	}

	return build(doc)
}

// build validates a parsed document and turns it into a registry.
func build(doc *document) (*registry.Registry, error) {
	name, err := policyName(doc.ontologyIRI)
	if err != nil {
		return nil, err
	}

	var prefix, prefixName string
	width := registry.DefaultWidth

	for _, a := range doc.annotations {
		if !a.isLiteral {
			continue
		}

		switch a.property {
		case IDPrefixIRI:
			prefix = a.value
		case IDsForIRI:
			prefixName = a.value
		case IDDigitsIRI:
			width, err = strconv.Atoi(a.value)
			if err != nil {
				return nil, invalid("invalid ID width: %s", a.value)
			}
		}
	}

	if prefix == "" {
		return nil, invalid("missing IRI prefix")
	}

	if prefixName == "" {
		return nil, invalid("missing prefix name")
	}

	reg, err := registry.NewPolicy(name, prefix, prefixName, width)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}

	for _, rf := range doc.ranges {

		// Datatypes which aren't allocated to anyone aren't ranges.
		if rf.owner == "" {
			continue
		}

		id, err := rangeID(rf.iri)
		if err != nil {
			return nil, err
		}

		// Likewise those with no lower bound.
		if rf.lower < 0 {
			continue
		}

		_, err = reg.Add(id, rf.owner, rf.comment, rf.lower, rf.upper)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
		}
	}

	return reg, nil
}

// policyName returns the name of a policy, given the IRI of its document,
// e.g. http://purl.obolibrary.org/obo/uberon/uberon-idranges.owl returns
// http://purl.obolibrary.org/obo/uberon.
func policyName(ontologyIRI string) (string, error) {
	if ontologyIRI == "" {
		return "", invalid("missing policy name")
	}

	i := strings.LastIndexByte(ontologyIRI, '/')
	if !strings.HasSuffix(ontologyIRI, Suffix) || i == -1 {
		return "", invalid("invalid policy name: %s", ontologyIRI)
	}

	return ontologyIRI[:i], nil
}

// rangeID extracts the numeric ID of a range from the IRI of its datatype.
func rangeID(iri string) (api.RangeID, error) {
	i := strings.LastIndexByte(iri, '/')
	if i == -1 {
		return api.ZeroRange, invalid("invalid range ID: %s", iri)
	}

	n, err := strconv.ParseUint(iri[i+1:], 10, 64)
	if err != nil {
		return api.ZeroRange, invalid("invalid range ID: %s", iri)
	}

	return api.RangeID(n), nil
}
