package policyfile

import "github.com/adammck/dicer/pkg/registry"

// Annotation properties used by OBO ID policy documents.
const (
	IDPrefixIRI    = registry.OBOPrefix + "IAO_0000599"
	IDsForIRI      = registry.OBOPrefix + "IAO_0000598"
	IDDigitsIRI    = registry.OBOPrefix + "IAO_0000596"
	AllocatedToIRI = registry.OBOPrefix + "IAO_0000597"
	CommentIRI     = "http://www.w3.org/2000/01/rdf-schema#comment"
)

// Suffix is the end of the filename (and ontology IRI) of every policy.
const Suffix = "-idranges.owl"
