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
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
)

const newprompt = "\033[32mcorectl>\033[0m "
const resultprompt = "\033[31m=\033[0m "

// repl drives an interactive session: inspect the manifest, list
// cursors, trigger a compaction or GC pass, all against this node's
// single collection.
func (n *node) repl() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            newprompt,
		HistoryFile:       ".corectl-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Println("corectl: readline:", err)
		return
	}
	defer l.Close()
	l.CaptureExitSignal()

	fmt.Println("corestore operator console — type \"help\" for commands")
	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			return
		} else if err != nil {
			fmt.Println("corectl:", err)
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if n.dispatchREPLLine(line) {
			return
		}
	}
}

// dispatchREPLLine runs one command, reporting whether the REPL
// should exit. A per-command recover keeps one bad command (e.g. a
// malformed selector) from taking down the whole session.
func (n *node) dispatchREPLLine(line string) (quit bool) {
	fields := strings.Fields(line)
	cmd, rest := fields[0], fields[1:]

	if cmd == "quit" || cmd == "exit" {
		return true
	}

	defer func() {
		if r := recover(); r != nil {
			fmt.Println("panic:", r)
		}
	}()
	switch cmd {
	case "help":
		fmt.Println("commands: manifest, cursors, list [selector], compact, gc, quit")
	case "manifest":
		n.replManifest()
	case "cursors":
		n.replCursors()
	case "list":
		n.replList(strings.Join(rest, " "))
	case "compact":
		n.runCompact(rest)
	case "gc":
		n.runGC(rest)
	default:
		fmt.Printf("corectl: unknown command %q\n", cmd)
	}
	return false
}

func (n *node) replManifest() {
	ctx := context.Background()
	if err := n.mgr.Reload(ctx); err != nil {
		fmt.Println("corectl:", err)
		return
	}
	m := n.mgr.Current()
	fmt.Print(resultprompt)
	fmt.Printf("oldest=%d newest=%d fragments=%d snapshots=%d setsum=%x\n",
		m.OldestTimestamp(), m.NewestTimestamp(), len(m.Fragments), len(m.Snapshots), m.Setsum)
}

func (n *node) replCursors() {
	ctx := context.Background()
	entries, err := n.store.List(ctx, "cursor/")
	if err != nil {
		fmt.Println("corectl:", err)
		return
	}
	fmt.Print(resultprompt)
	if len(entries) == 0 {
		fmt.Println("no cursors saved yet")
		return
	}
	for _, e := range entries {
		fmt.Println(e.Path)
	}
}

func (n *node) replList(selectorExpr string) {
	ctx := context.Background()
	sel, err := ParseSelector(selectorExpr)
	if err != nil {
		fmt.Println("corectl:", err)
		return
	}
	cols, err := n.cat.GetCollections(ctx, n.tenant)
	if err != nil {
		fmt.Println("corectl:", err)
		return
	}
	fmt.Print(resultprompt)
	for _, c := range cols {
		match := sel.Match(func(name string) (string, bool) {
			switch name {
			case "collection":
				return c.CollectionID, true
			case "version":
				return strconv.FormatInt(c.CollectionVersion, 10), true
			case "log_position":
				return strconv.FormatUint(c.LogPosition, 10), true
			default:
				return "", false
			}
		})
		if match {
			fmt.Printf("%s\tversion=%d\tlog_position=%d\n", c.CollectionID, c.CollectionVersion, c.LogPosition)
		}
	}
}
