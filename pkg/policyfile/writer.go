package policyfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/adammck/dicer/pkg/registry"
)

// Write renders the policy in OWL Manchester syntax. The output only depends
// on the contents of the registry, so writing the same policy twice produces
// identical documents.
func Write(w io.Writer, reg *registry.Registry) error {
	bw := bufio.NewWriter(w)
	name := reg.Name()

	fmt.Fprintf(bw, "Prefix: idrange: <%s/idrange/>\n", name)
	fmt.Fprintf(bw, "Prefix: allocatedto: <%s>\n", AllocatedToIRI)
	fmt.Fprintf(bw, "Prefix: iddigits: <%s>\n", IDDigitsIRI)
	fmt.Fprintf(bw, "Prefix: idprefix: <%s>\n", IDPrefixIRI)
	fmt.Fprintf(bw, "Prefix: idsfor: <%s>\n", IDsForIRI)
	fmt.Fprintf(bw, "Prefix: comment: <%s>\n", CommentIRI)
	fmt.Fprintf(bw, "\n")

	fmt.Fprintf(bw, "Ontology: <%s/%s%s>\n", name, strings.ToLower(reg.PrefixName()), Suffix)
	fmt.Fprintf(bw, "\n")

	fmt.Fprintf(bw, "Annotations:\n")
	fmt.Fprintf(bw, "    idprefix: \"%s\",\n", quote(reg.Prefix()))
	fmt.Fprintf(bw, "    iddigits: %d,\n", reg.Width())
	fmt.Fprintf(bw, "    idsfor: \"%s\"\n", quote(reg.PrefixName()))
	fmt.Fprintf(bw, "\n")

	props := []string{"allocatedto", "idprefix", "iddigits", "idsfor", "comment"}
	for i, p := range props {
		if i > 0 {
			fmt.Fprintf(bw, "\n")
		}
		fmt.Fprintf(bw, "AnnotationProperty: %s:\n", p)
	}

	for _, r := range reg.RangesByID() {
		fmt.Fprintf(bw, "\nDatatype: idrange:%d\n", r.ID)
		fmt.Fprintf(bw, "    Annotations:\n")

		if r.Comment != "" {
			fmt.Fprintf(bw, "        allocatedto: \"%s\",\n", quote(r.Owner))
			fmt.Fprintf(bw, "        comment: \"%s\"\n", quote(r.Comment))
		} else {
			fmt.Fprintf(bw, "        allocatedto: \"%s\"\n", quote(r.Owner))
		}

		fmt.Fprintf(bw, "    EquivalentTo:\n")
		fmt.Fprintf(bw, "        xsd:integer[>= %d, < %d]\n", r.Start, r.End)
	}

	return bw.Flush()
}

// WriteFile writes the policy to the given path, replacing it if it exists.
// The document is written to a temporary file first, so a failed write never
// leaves a truncated policy behind.
func WriteFile(path string, reg *registry.Registry) error {
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("cannot write ID policy: %w", err)
	}

	err = Write(f, reg)
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cannot write ID policy: %w", err)
	}

	err = os.Rename(tmp, path)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cannot write ID policy: %w", err)
	}

	return nil
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
