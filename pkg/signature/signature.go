package signature

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/adammck/dicer/pkg/registry"
	"github.com/knakk/rdf"
	"golang.org/x/sync/errgroup"
)

// Signature is the set of entity IRIs mentioned by one or more ontologies.
// It implements idgen.ExistenceChecker, so that generators skip IDs which are
// already in use.
type Signature struct {
	mu   sync.RWMutex
	iris map[string]struct{}
}

func New() *Signature {
	return &Signature{
		iris: map[string]struct{}{},
	}
}

func (s *Signature) Exists(iri string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.iris[iri]
	return ok
}

func (s *Signature) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.iris)
}

func (s *Signature) Add(iri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iris[iri] = struct{}{}
}

func (s *Signature) merge(iris map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for iri := range iris {
		s.iris[iri] = struct{}{}
	}
}

// Load reads every given ontology file concurrently, and returns the union
// of their signatures. Fails if any of them can't be read.
func Load(ctx context.Context, log *slog.Logger, paths ...string) (*Signature, error) {
	sig := New()

	g, ctx := errgroup.WithContext(ctx)
	for i := range paths {
		path := paths[i]

		g.Go(func() error {
			iris, err := readFile(ctx, path)
			if err != nil {
				return fmt.Errorf("cannot read ontology %s: %w", path, err)
			}

			log.Debug("loaded ontology", "path", path, "iris", len(iris))
			sig.merge(iris)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return sig, nil
}

// syntax is the serialization of an ontology document.
type syntax int

const (
	// Manchester, functional and OWL/XML. These are scanned for IRIs, rather
	// than decoded.
	lexical syntax = iota
	turtle
	ntriples
	rdfXML
	oboSyntax
)

// sniffLen is how much of a document is examined to guess its syntax.
const sniffLen = 4096

// syntaxOf guesses the syntax of a document from its file extension or, if
// that's ambiguous (e.g. .owl), from the start of its content.
func syntaxOf(path string, head []byte) syntax {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".obo":
		return oboSyntax
	case ".ttl":
		return turtle
	case ".nt":
		return ntriples
	case ".omn", ".ofn", ".owx":
		return lexical
	}

	text := strings.TrimLeft(strings.TrimPrefix(string(head), "\ufeff"), " \t\r\n")

	switch {
	case strings.HasPrefix(text, "<"):
		if strings.Contains(text, "rdf:RDF") || strings.Contains(text, "<RDF") {
			return rdfXML
		}
		if strings.HasPrefix(text, "<http") || strings.HasPrefix(text, "<urn") {
			return turtle
		}
		return lexical

	case strings.HasPrefix(text, "@prefix"), strings.HasPrefix(text, "@base"),
		strings.HasPrefix(text, "PREFIX "), strings.HasPrefix(text, "BASE "):
		return turtle

	case strings.HasPrefix(text, "format-version:"):
		return oboSyntax
	}

	return lexical
}

func (s syntax) format() rdf.Format {
	switch s {
	case ntriples:
		return rdf.NTriples
	case rdfXML:
		return rdf.RDFXML
	}

	return rdf.Turtle
}

func readFile(ctx context.Context, path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)

	// Peek returns what it can along with an error if the file is short.
	head, _ := br.Peek(sniffLen)

	return read(ctx, br, syntaxOf(path, head))
}

// Read extracts the signature of a single document. OBO documents must say
// so, since they can't always be told apart from the content alone. The
// syntax of anything else is guessed from its content.
func Read(r io.Reader, obo bool) (*Signature, error) {
	var syn syntax

	if obo {
		syn = oboSyntax
	} else {
		br := bufio.NewReader(r)
		head, _ := br.Peek(sniffLen)
		syn = syntaxOf("", head)
		r = br
	}

	iris, err := read(context.Background(), r, syn)
	if err != nil {
		return nil, err
	}

	sig := New()
	sig.merge(iris)
	return sig, nil
}

func read(ctx context.Context, r io.Reader, syn syntax) (map[string]struct{}, error) {
	switch syn {
	case oboSyntax:
		return readOBO(ctx, r)
	case lexical:
		return readLexical(ctx, r)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	out, err := decode(ctx, bytes.NewReader(data), syn.format())
	if err == nil {
		return out, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// The decoder doesn't support every construct which appears in the wild.
	// Whatever it decoded before giving up is kept, plus anything which looks
	// like an IRI.
	more, err := readLexical(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	for iri := range more {
		out[iri] = struct{}{}
	}

	return out, nil
}

// decode returns every IRI used as the subject, predicate or object of a
// triple in an RDF document. Relative IRIs are resolved by the decoder, so
// xml:base and @base are honored.
func decode(ctx context.Context, r io.Reader, f rdf.Format) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	dec := rdf.NewTripleDecoder(r, f)

	for n := 1; ; n++ {
		if n%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return out, err
			}
		}

		tr, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}

		for _, term := range []rdf.Term{tr.Subj, tr.Pred, tr.Obj} {
			if term.Type() == rdf.TermIRI {
				out[term.String()] = struct{}{}
			}
		}
	}
}

var (
	fullIRI = regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9+.-]*:[^<>"{}|^\x60\\\s]*)>`)

	// Turtle (@prefix), SPARQL (PREFIX) and Manchester (Prefix:) syntaxes.
	prefixDecl = regexp.MustCompile(`(?i)(?:@prefix|prefix:?)\s+([A-Za-z][\w.-]*)?:\s*<([^<>\s]*)>`)

	// OWL/XML, and RDF/XML which the decoder rejected.
	xmlnsDecl = regexp.MustCompile(`xmlns:([A-Za-z][\w.-]*)="([^"]*)"`)
	xmlBase   = regexp.MustCompile(`xml:base="([^"]*)"`)
	xmlAttr   = regexp.MustCompile(`(?:rdf:about|rdf:resource|IRI)="([^"]+)"`)

	curie = regexp.MustCompile(`(?:^|[\s(\[,;</])([A-Za-z][\w.-]*)?:([A-Za-z0-9_][\w.-]*)`)
)

// readLexical extracts entity IRIs from the OWL serializations which aren't
// RDF: full IRIs in angle brackets, IRI-valued XML attributes (resolved
// against xml:base if they're relative), and prefixed names whose prefix was
// declared earlier in the document. This is a superset of the true signature
// (it also picks up annotation values which happen to be IRIs), which errs on
// the side of not reusing IDs.
func readLexical(ctx context.Context, r io.Reader) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	prefixes := map[string]string{}
	base := ""

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	n := 0
	for scanner.Scan() {
		n += 1
		if n%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		line := scanner.Text()

		for _, m := range prefixDecl.FindAllStringSubmatch(line, -1) {
			prefixes[m[1]] = m[2]
		}

		for _, m := range xmlnsDecl.FindAllStringSubmatch(line, -1) {
			prefixes[m[1]] = m[2]
		}

		for _, m := range fullIRI.FindAllStringSubmatch(line, -1) {
			out[m[1]] = struct{}{}
		}

		for _, m := range xmlBase.FindAllStringSubmatch(line, -1) {
			base = m[1]
		}

		for _, m := range xmlAttr.FindAllStringSubmatch(line, -1) {
			if strings.Contains(m[1], ":") {
				out[m[1]] = struct{}{}
			} else if base != "" {
				out[resolve(base, m[1])] = struct{}{}
			}
		}

		// Strip quoted literals first, so that words in labels and
		// definitions aren't mistaken for prefixed names.
		for _, m := range curie.FindAllStringSubmatch(stripLiterals(line), -1) {
			if base, ok := prefixes[m[1]]; ok {
				// Turtle local names can't end with a dot; that's the end of
				// the statement.
				out[base+strings.TrimRight(m[2], ".")] = struct{}{}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// resolve returns ref relative to base. Only the forms which appear in
// ontologies are handled: fragments, and paths relative to a base ending in
// a slash or hash.
func resolve(base, ref string) string {
	if strings.HasPrefix(ref, "#") {
		if i := strings.IndexByte(base, '#'); i != -1 {
			base = base[:i]
		}
		return base + ref
	}

	if strings.HasSuffix(base, "/") || strings.HasSuffix(base, "#") {
		return base + ref
	}

	return base[:strings.LastIndexByte(base, '/')+1] + ref
}

// stripLiterals blanks out anything between double quotes.
func stripLiterals(line string) string {
	if !strings.Contains(line, `"`) {
		return line
	}

	b := []byte(line)
	in := false
	for i := 0; i < len(b); i++ {
		switch {
		case b[i] == '\\' && in:
			b[i] = ' '
			if i+1 < len(b) {
				i++
				b[i] = ' '
			}
		case b[i] == '"':
			in = !in
		case in:
			b[i] = ' '
		}
	}

	return string(b)
}

// readOBO extracts the IDs of the frames in an OBO flat file, expanded to
// their OBO PURL. Only "id:" tags are considered, since references to other
// ontologies don't count as being in use in this one.
func readOBO(ctx context.Context, r io.Reader) (map[string]struct{}, error) {
	out := map[string]struct{}{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	n := 0
	for scanner.Scan() {
		n += 1
		if n%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "id:") {
			continue
		}

		id := strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		if i := strings.IndexAny(id, " \t!"); i != -1 {
			id = id[:i]
		}

		if iri := OBOIRI(id); iri != "" {
			out[iri] = struct{}{}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// OBOIRI returns the PURL of an OBO-style short ID, e.g. FOO:0000001 becomes
// http://purl.obolibrary.org/obo/FOO_0000001. Returns the empty string if id
// isn't a prefixed ID.
func OBOIRI(id string) string {
	i := strings.IndexByte(id, ':')
	if i <= 0 || i == len(id)-1 {
		return ""
	}

	return registry.OBOPrefix + id[:i] + "_" + id[i+1:]
}
