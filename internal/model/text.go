package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/studygraph/pkg/schema"
)

// Text-mode stages. A stage is either graphical (structured command list)
// or text (raw command text); conversion between the two is explicit and
// validated, never implicit. The renderer and parser here cover exactly
// the command syntax the model itself emits: populating a stage from
// boundary tuples and re-rendering them is byte-stable modulo formatting.

// Render writes boundary tuples in command-text form, one command per line.
func Render(specs []schema.CommandSpec) string {
	var b strings.Builder
	for _, spec := range specs {
		switch spec.Title {
		case CommentTitle:
			text, _ := spec.Keywords.Get("TEXT")
			s, _ := text.Literal.(string)
			for _, line := range strings.Split(s, "\n") {
				b.WriteString("# ")
				b.WriteString(line)
				b.WriteString("\n")
			}
		case VariableTitle:
			expr, _ := spec.Keywords.Get("EXPR")
			s, _ := expr.Literal.(string)
			fmt.Fprintf(&b, "%s = %s\n", spec.Name, s)
		default:
			if spec.Name != "" {
				fmt.Fprintf(&b, "%s = %s(%s)\n", spec.Name, spec.Title, renderKeywords(spec.Keywords))
			} else {
				fmt.Fprintf(&b, "%s(%s)\n", spec.Title, renderKeywords(spec.Keywords))
			}
		}
	}
	return b.String()
}

func renderKeywords(kws schema.KeywordSet) string {
	parts := make([]string, 0, len(kws))
	for _, kw := range kws {
		parts = append(parts, kw.Name+"="+renderValue(kw.Value))
	}
	return strings.Join(parts, ", ")
}

func renderValue(v schema.KeywordValue) string {
	switch v.Kind {
	case schema.KindLiteral:
		return renderLiteral(v.Literal)
	case schema.KindReference:
		return v.RefName
	case schema.KindNewResult:
		return "CO('" + v.Marker + "')"
	case schema.KindGroup:
		return "_F(" + renderKeywords(v.Group) + ")"
	case schema.KindList:
		items := make([]string, len(v.List))
		for i, item := range v.List {
			items[i] = renderValue(item)
		}
		return "[" + strings.Join(items, ", ") + "]"
	}
	return ""
}

func renderLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "\\'") + "'"
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// ParseText parses command text back into boundary tuples. It fails with
// NOT_FOUND-style user messages on malformed lines; references stay names
// until Populate resolves them.
func ParseText(text string) ([]schema.CommandSpec, error) {
	var specs []schema.CommandSpec
	for lineNo, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			specs = append(specs, schema.CommandSpec{
				Title: CommentTitle,
				Keywords: schema.KeywordSet{
					{Name: "TEXT", Value: schema.Lit(strings.TrimSpace(strings.TrimPrefix(line, "#")))},
				},
			})
			continue
		}
		spec, err := parseLine(line)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"line %d: %s", lineNo+1, err.Error()).WithCause(err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseLine(line string) (schema.CommandSpec, error) {
	name := ""
	rest := line
	if eq := strings.Index(line, "="); eq > 0 {
		lhs := strings.TrimSpace(line[:eq])
		if isIdent(lhs) {
			name = lhs
			rest = strings.TrimSpace(line[eq+1:])
		}
	}
	// A command is TITLE(args); anything else on the right-hand side of an
	// assignment is a variable expression. An upper-case call shape must be
	// a complete command, never a variable fallback.
	if open := strings.Index(rest, "("); open > 0 && isTitle(strings.TrimSpace(rest[:open])) {
		title, args, ok := splitCall(rest)
		if !ok {
			return schema.CommandSpec{}, fmt.Errorf("unterminated command call %q", rest)
		}
		p := &argParser{src: args}
		kws, err := p.parseKeywords()
		if err != nil {
			return schema.CommandSpec{}, err
		}
		return schema.CommandSpec{Title: title, Name: name, Keywords: kws}, nil
	}
	if name == "" {
		return schema.CommandSpec{}, fmt.Errorf("cannot parse %q", line)
	}
	return schema.CommandSpec{
		Title:    VariableTitle,
		Name:     name,
		Keywords: schema.KeywordSet{{Name: "EXPR", Value: schema.Lit(rest)}},
	}, nil
}

// splitCall splits "TITLE( ... )" into title and argument text.
func splitCall(s string) (title, args string, ok bool) {
	open := strings.Index(s, "(")
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return "", "", false
	}
	return strings.TrimSpace(s[:open]), s[open+1 : len(s)-1], true
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// isTitle matches catalog-style command titles: upper-case identifiers.
func isTitle(s string) bool {
	return isIdent(s) && strings.ToUpper(s) == s
}

// argParser is a small recursive-descent parser over keyword arguments.
type argParser struct {
	src string
	pos int
}

func (p *argParser) parseKeywords() (schema.KeywordSet, error) {
	var kws schema.KeywordSet
	for {
		p.skipSpace()
		if p.eof() {
			return kws, nil
		}
		name := p.readIdent()
		if name == "" {
			return nil, fmt.Errorf("expected keyword name at %q", p.rest())
		}
		p.skipSpace()
		if !p.consume('=') {
			return nil, fmt.Errorf("expected '=' after %s", name)
		}
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		kws = append(kws, schema.Keyword{Name: name, Value: val})
		p.skipSpace()
		if !p.consume(',') {
			p.skipSpace()
			if !p.eof() {
				return nil, fmt.Errorf("expected ',' at %q", p.rest())
			}
			return kws, nil
		}
	}
}

func (p *argParser) parseValue() (schema.KeywordValue, error) {
	p.skipSpace()
	switch {
	case p.eof():
		return schema.KeywordValue{}, fmt.Errorf("missing value")
	case p.peek() == '\'':
		s, err := p.readString()
		if err != nil {
			return schema.KeywordValue{}, err
		}
		return schema.Lit(s), nil
	case p.peek() == '[':
		p.pos++
		var items []schema.KeywordValue
		for {
			p.skipSpace()
			if p.consume(']') {
				return schema.List(items...), nil
			}
			item, err := p.parseValue()
			if err != nil {
				return schema.KeywordValue{}, err
			}
			items = append(items, item)
			p.skipSpace()
			if p.consume(']') {
				return schema.List(items...), nil
			}
			if !p.consume(',') {
				return schema.KeywordValue{}, fmt.Errorf("expected ',' or ']' at %q", p.rest())
			}
		}
	default:
		tok := p.readToken()
		if tok == "" {
			return schema.KeywordValue{}, fmt.Errorf("cannot read value at %q", p.rest())
		}
		switch {
		case tok == "_F" && p.peek() == '(':
			inner, err := p.readParens()
			if err != nil {
				return schema.KeywordValue{}, err
			}
			sub := &argParser{src: inner}
			kws, err := sub.parseKeywords()
			if err != nil {
				return schema.KeywordValue{}, err
			}
			return schema.Group(kws), nil
		case tok == "CO" && p.peek() == '(':
			inner, err := p.readParens()
			if err != nil {
				return schema.KeywordValue{}, err
			}
			marker := strings.Trim(strings.TrimSpace(inner), "'")
			if marker == "" {
				return schema.KeywordValue{}, fmt.Errorf("empty new-result marker")
			}
			return schema.NewResult(marker), nil
		case tok == "True":
			return schema.Lit(true), nil
		case tok == "False":
			return schema.Lit(false), nil
		case tok == "None":
			return schema.Lit(nil), nil
		default:
			if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
				return schema.Lit(int(n)), nil
			}
			if f, err := strconv.ParseFloat(tok, 64); err == nil {
				return schema.Lit(f), nil
			}
			if isIdent(tok) {
				return schema.Ref(tok), nil
			}
			return schema.KeywordValue{}, fmt.Errorf("cannot interpret %q", tok)
		}
	}
}

func (p *argParser) skipSpace() {
	for !p.eof() && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *argParser) eof() bool { return p.pos >= len(p.src) }

func (p *argParser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *argParser) consume(c byte) bool {
	if !p.eof() && p.src[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

func (p *argParser) rest() string { return p.src[p.pos:] }

func (p *argParser) readIdent() string {
	start := p.pos
	for !p.eof() {
		c := p.src[p.pos]
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(p.pos > start && c >= '0' && c <= '9') {
			p.pos++
			continue
		}
		break
	}
	return p.src[start:p.pos]
}

// readToken reads up to a delimiter, leaving parens intact for _F/CO.
func (p *argParser) readToken() string {
	start := p.pos
	for !p.eof() {
		c := p.src[p.pos]
		if c == ',' || c == ')' || c == ']' || c == '(' || c == ' ' {
			break
		}
		p.pos++
	}
	return p.src[start:p.pos]
}

// readParens consumes a balanced parenthesized span, returning its inside.
func (p *argParser) readParens() (string, error) {
	if !p.consume('(') {
		return "", fmt.Errorf("expected '(' at %q", p.rest())
	}
	depth := 1
	start := p.pos
	inString := false
	for !p.eof() {
		c := p.src[p.pos]
		switch {
		case inString:
			if c == '\'' && p.src[p.pos-1] != '\\' {
				inString = false
			}
		case c == '\'':
			inString = true
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				inner := p.src[start:p.pos]
				p.pos++
				return inner, nil
			}
		}
		p.pos++
	}
	return "", fmt.Errorf("unbalanced parentheses")
}

func (p *argParser) readString() (string, error) {
	if !p.consume('\'') {
		return "", fmt.Errorf("expected string at %q", p.rest())
	}
	var b strings.Builder
	for !p.eof() {
		c := p.src[p.pos]
		if c == '\\' && p.pos+1 < len(p.src) && p.src[p.pos+1] == '\'' {
			b.WriteByte('\'')
			p.pos += 2
			continue
		}
		if c == '\'' {
			p.pos++
			return b.String(), nil
		}
		b.WriteByte(c)
		p.pos++
	}
	return "", fmt.Errorf("unterminated string")
}

// ToText converts a graphical stage to text mode: the structured command
// list is rendered and dropped. Dependents in later stages surface
// Dependency until the stage is converted back.
func (st *Stage) ToText() error {
	st = st.forWrite()
	if st.mode == schema.ModeText {
		return nil
	}
	st.text = Render(st.Specs())
	for _, cmd := range st.Commands() {
		st.removeNodeEdgesOnly(cmd)
		st.study.g.Remove(cmd.ID())
	}
	st.commands = nil
	st.mode = schema.ModeText
	st.study.bump()
	st.study.emit(schema.EventStageConverted, caseName(st.ParentCase()), st.name, st.ID(),
		map[string]any{"mode": string(schema.ModeText)})
	return nil
}

// ToGraphical converts a text stage back to graphical mode. The text must
// parse completely; a rejected text leaves the stage untouched in text
// mode.
func (st *Stage) ToGraphical() error {
	st = st.forWrite()
	if st.mode == schema.ModeGraphical {
		return nil
	}
	specs, err := ParseText(st.text)
	if err != nil {
		return err
	}
	st.mode = schema.ModeGraphical
	st.text = ""
	if err := st.Populate(specs); err != nil {
		return err
	}
	st.study.emit(schema.EventStageConverted, caseName(st.ParentCase()), st.name, st.ID(),
		map[string]any{"mode": string(schema.ModeGraphical)})
	return nil
}
