/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"fmt"
	"strconv"
	"strings"

	packrat "github.com/launix-de/go-packrat/v2"
)

// Clause is one `field op value` term of a selector, e.g.
// `version > 3` or `collection = "widgets"`.
type Clause struct {
	Field string
	Op    string
	Value string
}

// Selector is a chain of clauses joined by "and"/"or", used to filter
// the collections/versions the REPL's `list` command prints.
type Selector struct {
	Clauses []Clause
	Joiners []string // len(Clauses)-1, each "and" or "or"
}

func selectorGrammar() packrat.Parser {
	field := packrat.NewRegexParser(`[A-Za-z_][A-Za-z0-9_]*`, false, true)
	op := packrat.NewRegexParser(`!=|>=|<=|=|>|<`, false, true)
	str := packrat.NewRegexParser(`"[^"]*"`, false, true)
	num := packrat.NewRegexParser(`[0-9]+`, false, true)
	value := packrat.NewOrParser(str, num)
	clause := packrat.NewAndParser(field, op, value)
	joiner := packrat.NewOrParser(
		packrat.NewAtomParser("and", true, true),
		packrat.NewAtomParser("or", true, true),
	)
	return packrat.NewKleeneParser(clause, joiner)
}

// ParseSelector parses a selector expression like
// `collection = "widgets" and version > 3`.
func ParseSelector(input string) (*Selector, error) {
	if strings.TrimSpace(input) == "" {
		return &Selector{}, nil
	}
	scanner := packrat.NewScanner(input, packrat.SkipWhitespaceAndCommentsRegex)
	node, err := packrat.Parse(selectorGrammar(), scanner)
	if err != nil {
		return nil, fmt.Errorf("corectl: parse selector: %w", err)
	}

	sel := &Selector{}
	for i, child := range node.Children {
		if i%2 == 0 {
			if len(child.Children) != 3 {
				return nil, fmt.Errorf("corectl: malformed selector clause %q", child.Matched)
			}
			sel.Clauses = append(sel.Clauses, Clause{
				Field: child.Children[0].Matched,
				Op:    child.Children[1].Matched,
				Value: strings.Trim(child.Children[2].Matched, `"`),
			})
		} else {
			sel.Joiners = append(sel.Joiners, strings.ToLower(child.Matched))
		}
	}
	return sel, nil
}

// Match evaluates the selector against a single field lookup function,
// evaluating every clause and combining left to right ("and" binds no
// tighter than "or" —
// this is a flat chain, not a precedence grammar, which matches the
// CLI's one-line filter use case).
func (s *Selector) Match(field func(name string) (string, bool)) bool {
	if len(s.Clauses) == 0 {
		return true
	}
	result := matchClause(s.Clauses[0], field)
	for i, j := range s.Joiners {
		next := matchClause(s.Clauses[i+1], field)
		if j == "or" {
			result = result || next
		} else {
			result = result && next
		}
	}
	return result
}

func matchClause(c Clause, field func(name string) (string, bool)) bool {
	got, ok := field(c.Field)
	if !ok {
		return false
	}
	if gotN, err1 := strconv.ParseFloat(got, 64); err1 == nil {
		if wantN, err2 := strconv.ParseFloat(c.Value, 64); err2 == nil {
			switch c.Op {
			case "=":
				return gotN == wantN
			case "!=":
				return gotN != wantN
			case ">":
				return gotN > wantN
			case "<":
				return gotN < wantN
			case ">=":
				return gotN >= wantN
			case "<=":
				return gotN <= wantN
			}
		}
	}
	switch c.Op {
	case "=":
		return got == c.Value
	case "!=":
		return got != c.Value
	default:
		return false
	}
}
