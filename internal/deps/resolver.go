// Package deps finds call relationships between accepted functions and orders
// them so every function runs after the functions it calls.
package deps

import (
	"fmt"
	"go/ast"
	"go/token"
	"regexp"
	"sort"
	"strings"

	"recleaner/internal/library"
	"recleaner/internal/types"
)

// Resolution is the result of ordering a function set.
type Resolution struct {
	// Ordered holds every input function exactly once, with OrderIndex and
	// Dependencies filled in.
	Ordered []types.AcceptedFunction
	// Cycles lists the names of each cyclic group, in generation order.
	Cycles   [][]string
	Warnings []string
}

// Detect returns the names from known that fn's code calls. Calls are found on
// the syntax tree; code that does not parse falls back to a textual match.
func Detect(fn types.AcceptedFunction, known []string) []string {
	candidates := make(map[string]struct{}, len(known))
	for _, n := range known {
		if n != fn.Name {
			candidates[n] = struct{}{}
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	found := make(map[string]struct{})
	file, _, err := library.ParseSource(token.NewFileSet(), fn.Name+".go", fn.Code)
	if err == nil {
		selected := make(map[*ast.Ident]bool)
		ast.Inspect(file, func(n ast.Node) bool {
			switch x := n.(type) {
			case *ast.SelectorExpr:
				selected[x.Sel] = true
			case *ast.Ident:
				// Unresolved identifiers only: a local declaration shadows the
				// library function. References that are not calls still count.
				if _, ok := candidates[x.Name]; ok && x.Obj == nil && !selected[x] {
					found[x.Name] = struct{}{}
				}
			}
			return true
		})
	} else {
		for name := range candidates {
			if callPattern(name).MatchString(fn.Code) {
				found[name] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(found))
	for n := range found {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func callPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\s*\(`)
}

// Resolve computes a dependency order over fns, which are given in generation
// order. Functions with no relationship keep their relative order. Functions on
// a cycle are placed together in generation order once nothing outside the cycle
// blocks them, and a warning is recorded. Resolve never fails.
func Resolve(fns []types.AcceptedFunction) Resolution {
	n := len(fns)
	index := make(map[string]int, n)
	names := make([]string, n)
	for i, fn := range fns {
		index[fn.Name] = i
		names[i] = fn.Name
	}

	// edges[i] are the functions i calls.
	edges := make([][]int, n)
	detected := make([][]string, n)
	for i, fn := range fns {
		detected[i] = Detect(fn, names)
		for _, dep := range detected[i] {
			edges[i] = append(edges[i], index[dep])
		}
	}

	var res Resolution
	comps := stronglyConnected(edges)
	compOf := make([]int, n)
	for c, members := range comps {
		sort.Ints(members)
		for _, i := range members {
			compOf[i] = c
		}
		if len(members) > 1 {
			group := make([]string, len(members))
			for k, i := range members {
				group[k] = names[i]
			}
			res.Cycles = append(res.Cycles, group)
		}
	}
	sort.Slice(res.Cycles, func(a, b int) bool { return index[res.Cycles[a][0]] < index[res.Cycles[b][0]] })
	for _, group := range res.Cycles {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("circular dependency among %s; keeping generation order for them", strings.Join(group, ", ")))
	}

	// Kahn's algorithm over the condensed graph, always taking the component
	// whose earliest member was generated first. A cyclic component is emitted
	// as a block in generation order.
	indegree := make([]int, len(comps))
	dependents := make([][]int, len(comps))
	seen := make(map[[2]int]bool)
	for i := range fns {
		for _, j := range edges[i] {
			a, b := compOf[i], compOf[j]
			if a == b || seen[[2]int{a, b}] {
				continue
			}
			seen[[2]int{a, b}] = true
			indegree[a]++
			dependents[b] = append(dependents[b], a)
		}
	}

	// comps members are sorted, so the first member identifies the component.
	byFirst := make(map[int]int, len(comps))
	ready := &minQueue{}
	for c, members := range comps {
		byFirst[members[0]] = c
		if indegree[c] == 0 {
			ready.push(members[0])
		}
	}
	for ready.len() > 0 {
		c := byFirst[ready.pop()]
		for _, i := range comps[c] {
			fn := fns[i]
			fn.SetDependencies(detected[i])
			fn.OrderIndex = len(res.Ordered)
			res.Ordered = append(res.Ordered, fn)
		}
		for _, d := range dependents[c] {
			indegree[d]--
			if indegree[d] == 0 {
				ready.push(comps[d][0])
			}
		}
	}
	return res
}

// stronglyConnected returns the strongly connected components of the graph (Tarjan).
func stronglyConnected(edges [][]int) [][]int {
	n := len(edges)
	idx := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range idx {
		idx[i] = -1
	}
	var (
		stack   []int
		counter int
		comps   [][]int
		visit   func(v int)
	)
	visit = func(v int) {
		idx[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true
		for _, w := range edges[v] {
			if idx[w] < 0 {
				visit(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], idx[w])
			}
		}
		if low[v] == idx[v] {
			var comp []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			comps = append(comps, comp)
		}
	}
	for v := 0; v < n; v++ {
		if idx[v] < 0 {
			visit(v)
		}
	}
	return comps
}

// minQueue is a tiny ordered set of indices; the graphs here are small.
type minQueue struct{ items []int }

func (q *minQueue) len() int { return len(q.items) }

func (q *minQueue) push(i int) {
	pos := sort.SearchInts(q.items, i)
	q.items = append(q.items, 0)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = i
}

func (q *minQueue) pop() int {
	i := q.items[0]
	q.items = q.items[1:]
	return i
}

// Support returns the code of every function in fns that fn calls, directly or
// through other functions in fns, in the order of fns. fn itself and any
// function sharing its name are left out.
func Support(fn types.AcceptedFunction, fns []types.AcceptedFunction) []string {
	byName := make(map[string]types.AcceptedFunction, len(fns))
	names := make([]string, 0, len(fns))
	for _, f := range fns {
		if f.Name == fn.Name {
			continue
		}
		byName[f.Name] = f
		names = append(names, f.Name)
	}

	needed := make(map[string]bool)
	queue := Detect(fn, names)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if needed[name] {
			continue
		}
		needed[name] = true
		queue = append(queue, Detect(byName[name], names)...)
	}

	var out []string
	for _, f := range fns {
		if needed[f.Name] {
			out = append(out, f.Code)
		}
	}
	return out
}
