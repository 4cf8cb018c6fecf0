package model

// Name resolution. A stage sees its own commands plus all commands of
// preceding stages in the same case; within one stage, the last command by
// dependency order wins for duplicate names. Resolution is always live:
// there is no name index to keep in sync with renames.

// visibleStages returns the scope stage and its predecessors, nearest first.
func (s *Study) visibleStages(scope *Stage) []*Stage {
	c := scope.ParentCase()
	if c == nil {
		return []*Stage{scope}
	}
	idx := -1
	for i, cs := range c.stages {
		if cs == scope {
			idx = i
			break
		}
	}
	if idx < 0 {
		return []*Stage{scope}
	}
	out := make([]*Stage, 0, idx+1)
	for i := idx; i >= 0; i-- {
		out = append(out, c.stages[i])
	}
	return out
}

// matches walks every visible command with the given name, most recent
// first, calling visit until it returns false.
func (s *Study) matches(scope *Stage, name string, visit func(c *Command) bool) {
	for _, st := range s.visibleStages(scope) {
		sorted := st.Sorted()
		for i := len(sorted) - 1; i >= 0; i-- {
			c := sorted[i]
			if c.name != name || !c.producesResult() {
				continue
			}
			if !visit(c) {
				return
			}
		}
	}
}

// Resolve returns the visible command with the given name; for duplicates
// the most recent one wins. The boolean follows the map-lookup idiom:
// not-found is an expected condition here, not an error.
func (s *Study) Resolve(scope *Stage, name string) (*Command, bool) {
	var found *Command
	s.matches(scope, name, func(c *Command) bool {
		found = c
		return false
	})
	return found, found != nil
}

// ResolveIndexed returns the index-th match (0-based) counting from the
// most recent backward.
func (s *Study) ResolveIndexed(scope *Stage, name string, index int) (*Command, bool) {
	var found *Command
	n := 0
	s.matches(scope, name, func(c *Command) bool {
		if n == index {
			found = c
			return false
		}
		n++
		return true
	})
	return found, found != nil
}

// ResolveExcluding returns the most recent visible match that does not
// transitively depend on exclude: the version of the name before a given
// edit.
func (s *Study) ResolveExcluding(scope *Stage, name string, exclude *Command) (*Command, bool) {
	var found *Command
	s.matches(scope, name, func(c *Command) bool {
		if c == exclude || s.g.HasPath(exclude.ID(), c.ID()) {
			return true
		}
		found = c
		return false
	})
	return found, found != nil
}

// resolveSkipping is Resolve with one candidate excluded by identity; used
// while editing that candidate's own keywords.
func (s *Study) resolveSkipping(scope *Stage, name string, skip *Command) (*Command, bool) {
	var found *Command
	s.matches(scope, name, func(c *Command) bool {
		if c == skip {
			return true
		}
		found = c
		return false
	})
	return found, found != nil
}

// ExistsInScope reports whether any command with the name is visible.
func (s *Study) ExistsInScope(scope *Stage, name string) bool {
	_, ok := s.Resolve(scope, name)
	return ok
}
