package vocab

import "fmt"

// Kind identifies a vocabulary class. The set is closed: configuration refers
// to vocabularies by these class names, and unknown names are rejected at
// construction time rather than resolved dynamically.
type Kind int

const (
	KindIDIndex Kind = iota
	KindForm
	KindLemma
	KindUPOS
	KindXPOS
	KindDephead
	KindDeprel
	KindSemrel
)

// kindNames are the configuration-facing class names, in Kind order.
var kindNames = [...]string{
	"IDIndexVocab",
	"FormTokenVocab",
	"LemmaTokenVocab",
	"UPOSTokenVocab",
	"XPOSTokenVocab",
	"DepheadIndexVocab",
	"DeprelTokenVocab",
	"SemrelGraphTokenVocab",
}

// kindFields are the CoNLL-U columns each vocabulary reads and predicts.
var kindFields = [...]string{
	"id",
	"form",
	"lemma",
	"upos",
	"xpos",
	"dephead",
	"deprel",
	"semrel",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Field returns the CoNLL-U column the vocabulary is defined over.
func (k Kind) Field() string {
	if k < 0 || int(k) >= len(kindFields) {
		return ""
	}
	return kindFields[k]
}

// ParseKind resolves a configured class name to its Kind. Unknown names are
// a configuration error.
func ParseKind(name string) (Kind, error) {
	for i, known := range kindNames {
		if known == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown vocabulary class %q", name)
}

// ParseKinds resolves a list of configured class names.
func ParseKinds(names []string) ([]Kind, error) {
	kinds := make([]Kind, 0, len(names))
	for _, name := range names {
		k, err := ParseKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
