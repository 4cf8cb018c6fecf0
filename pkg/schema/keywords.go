package schema

import "encoding/json"

// NodeID identifies a node inside an entity graph. IDs are assigned on
// insertion and immutable afterwards.
type NodeID int

// Detached is the id of a node not yet owned by a graph.
const Detached NodeID = -1

// ValueKind discriminates the variants of a KeywordValue.
type ValueKind string

const (
	// KindLiteral is a plain scalar (string, number, bool).
	KindLiteral ValueKind = "lit"
	// KindReference points at another command's result.
	KindReference ValueKind = "ref"
	// KindNewResult declares an additional named output of a macro command.
	// The produced type is inferred later from context.
	KindNewResult ValueKind = "new"
	// KindGroup is a nested keyword set (factor keyword).
	KindGroup ValueKind = "group"
	// KindList is an ordered sequence of values.
	KindList ValueKind = "list"
)

// KeywordValue is one value in a command's keyword tree. A value is a
// literal, a reference to another command, a new-result marker, or a nested
// structure of the same.
type KeywordValue struct {
	Kind    ValueKind
	Literal any
	// Ref is the resolved target id; Detached while unresolved. RefName is
	// the textual name the reference was written with, kept so a broken
	// reference can be repaired by name after its target is gone.
	Ref     NodeID
	RefName string
	// Marker is the declared output name of a new-result value.
	Marker string
	Group  KeywordSet
	List   []KeywordValue
}

// Lit builds a literal value.
func Lit(v any) KeywordValue { return KeywordValue{Kind: KindLiteral, Literal: v} }

// Ref builds an unresolved reference by name.
func Ref(name string) KeywordValue {
	return KeywordValue{Kind: KindReference, Ref: Detached, RefName: name}
}

// RefTo builds a resolved reference.
func RefTo(id NodeID, name string) KeywordValue {
	return KeywordValue{Kind: KindReference, Ref: id, RefName: name}
}

// NewResult builds a new-result marker declaring an output named name.
func NewResult(name string) KeywordValue {
	return KeywordValue{Kind: KindNewResult, Marker: name}
}

// Group builds a nested keyword set value.
func Group(kws KeywordSet) KeywordValue { return KeywordValue{Kind: KindGroup, Group: kws} }

// List builds a list value.
func List(vs ...KeywordValue) KeywordValue { return KeywordValue{Kind: KindList, List: vs} }

// Keyword is one named entry of a command's keyword tree.
type Keyword struct {
	Name  string
	Value KeywordValue
}

// KeywordSet is the ordered keyword tree of a command. Order is declaration
// order; it is the only stable ordering guarantee for new-result markers.
type KeywordSet []Keyword

// Get returns the value of the named keyword at the top level.
func (ks KeywordSet) Get(name string) (KeywordValue, bool) {
	for _, kw := range ks {
		if kw.Name == name {
			return kw.Value, true
		}
	}
	return KeywordValue{}, false
}

// Has reports whether the named keyword is present at the top level.
func (ks KeywordSet) Has(name string) bool {
	_, ok := ks.Get(name)
	return ok
}

// Set replaces the named keyword or appends it, preserving order.
func (ks KeywordSet) Set(name string, v KeywordValue) KeywordSet {
	for i := range ks {
		if ks[i].Name == name {
			ks[i].Value = v
			return ks
		}
	}
	return append(ks, Keyword{Name: name, Value: v})
}

// Delete removes the named keyword if present.
func (ks KeywordSet) Delete(name string) KeywordSet {
	for i := range ks {
		if ks[i].Name == name {
			return append(ks[:i:i], ks[i+1:]...)
		}
	}
	return ks
}

// WalkValues visits every value in the tree depth-first, declaration order.
// The visitor receives a pointer so it may mutate values in place.
func (ks KeywordSet) WalkValues(visit func(v *KeywordValue)) {
	for i := range ks {
		walkValue(&ks[i].Value, visit)
	}
}

func walkValue(v *KeywordValue, visit func(v *KeywordValue)) {
	visit(v)
	switch v.Kind {
	case KindGroup:
		v.Group.WalkValues(visit)
	case KindList:
		for i := range v.List {
			walkValue(&v.List[i], visit)
		}
	}
}

// References collects every reference value in declaration order.
func (ks KeywordSet) References() []*KeywordValue {
	var refs []*KeywordValue
	ks.WalkValues(func(v *KeywordValue) {
		if v.Kind == KindReference {
			refs = append(refs, v)
		}
	})
	return refs
}

// Markers collects every new-result marker in declaration order.
func (ks KeywordSet) Markers() []*KeywordValue {
	var markers []*KeywordValue
	ks.WalkValues(func(v *KeywordValue) {
		if v.Kind == KindNewResult {
			markers = append(markers, v)
		}
	})
	return markers
}

// Clone returns a deep copy of the keyword set.
func (ks KeywordSet) Clone() KeywordSet {
	if ks == nil {
		return nil
	}
	out := make(KeywordSet, len(ks))
	for i, kw := range ks {
		out[i] = Keyword{Name: kw.Name, Value: kw.Value.Clone()}
	}
	return out
}

// Clone returns a deep copy of the value.
func (v KeywordValue) Clone() KeywordValue {
	c := v
	c.Group = v.Group.Clone()
	if v.List != nil {
		c.List = make([]KeywordValue, len(v.List))
		for i, item := range v.List {
			c.List[i] = item.Clone()
		}
	}
	return c
}

// CommandSpec is the parser/renderer boundary shape: one command as an
// ordered (title, name, keywords) tuple. References inside Keywords are
// carried by name; ids are an in-memory concern.
type CommandSpec struct {
	Title    string     `json:"title"`
	Name     string     `json:"name"`
	Keywords KeywordSet `json:"keywords,omitempty"`
}

// keywordValueJSON is the wire form of KeywordValue.
type keywordValueJSON struct {
	Kind    ValueKind          `json:"k"`
	Literal any                `json:"v,omitempty"`
	Ref     *NodeID            `json:"id,omitempty"`
	RefName string             `json:"name,omitempty"`
	Marker  string             `json:"new,omitempty"`
	Group   KeywordSet         `json:"group,omitempty"`
	List    []KeywordValue     `json:"list,omitempty"`
}

// MarshalJSON encodes the value in tagged form.
func (v KeywordValue) MarshalJSON() ([]byte, error) {
	w := keywordValueJSON{Kind: v.Kind}
	switch v.Kind {
	case KindLiteral:
		w.Literal = v.Literal
	case KindReference:
		id := v.Ref
		w.Ref = &id
		w.RefName = v.RefName
	case KindNewResult:
		w.Marker = v.Marker
	case KindGroup:
		w.Group = v.Group
	case KindList:
		w.List = v.List
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the tagged form.
func (v *KeywordValue) UnmarshalJSON(data []byte) error {
	var w keywordValueJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	v.Kind = w.Kind
	switch w.Kind {
	case KindLiteral:
		v.Literal = w.Literal
	case KindReference:
		v.Ref = Detached
		if w.Ref != nil {
			v.Ref = *w.Ref
		}
		v.RefName = w.RefName
	case KindNewResult:
		v.Marker = w.Marker
	case KindGroup:
		v.Group = w.Group
	case KindList:
		v.List = w.List
	}
	return nil
}

// keywordJSON is the wire form of Keyword.
type keywordJSON struct {
	Name  string       `json:"n"`
	Value KeywordValue `json:"val"`
}

// MarshalJSON encodes the keyword as a compact pair.
func (k Keyword) MarshalJSON() ([]byte, error) {
	return json.Marshal(keywordJSON{Name: k.Name, Value: k.Value})
}

// UnmarshalJSON decodes the compact pair.
func (k *Keyword) UnmarshalJSON(data []byte) error {
	var w keywordJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	k.Name = w.Name
	k.Value = w.Value
	return nil
}
