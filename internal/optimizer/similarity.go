package optimizer

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"recleaner/internal/types"
)

var wordPattern = regexp.MustCompile(`[A-Za-z][A-Za-z0-9]*`)

// stopwords are tokens every generated function shares.
var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		break case chan const continue default defer else fallthrough for func go goto if
		import interface map package range return select struct switch type var
		any bool byte error false float64 int int64 len make append nil rune string true
		record records text err ok fmt errorf errors value
		the an and or of to in as is it by with into from all be are this that
	`) {
		stopwords[w] = struct{}{}
	}
}

// tokens splits docstring and code into lowercase terms. snake_case names
// split at the underscores; camelCase names stay whole.
func tokens(fn types.AcceptedFunction) []string {
	var out []string
	for _, w := range wordPattern.FindAllString(fn.Docstring+"\n"+fn.Code, -1) {
		w = strings.ToLower(w)
		if len(w) < 2 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	return out
}

type vector map[string]float64

// vectorize builds smoothed TF-IDF vectors, one per function.
func vectorize(fns []types.AcceptedFunction) []vector {
	docs := make([][]string, len(fns))
	df := make(map[string]int)
	for i, fn := range fns {
		docs[i] = tokens(fn)
		seen := make(map[string]struct{})
		for _, t := range docs[i] {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				df[t]++
			}
		}
	}

	n := float64(len(fns))
	vecs := make([]vector, len(fns))
	for i, doc := range docs {
		v := make(vector)
		if len(doc) == 0 {
			vecs[i] = v
			continue
		}
		for _, t := range doc {
			v[t]++
		}
		for t, count := range v {
			tf := count / float64(len(doc))
			idf := math.Log((1+n)/(1+float64(df[t]))) + 1
			v[t] = tf * idf
		}
		vecs[i] = v
	}
	return vecs
}

func cosine(a, b vector) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for t, x := range a {
		dot += x * b[t]
	}
	if dot == 0 {
		return 0
	}
	return dot / (norm(a) * norm(b))
}

func norm(v vector) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}

// Similarity returns the pairwise cosine similarity matrix of fns.
func Similarity(fns []types.AcceptedFunction) [][]float64 {
	vecs := vectorize(fns)
	out := make([][]float64, len(fns))
	for i := range out {
		out[i] = make([]float64, len(fns))
		out[i][i] = 1
	}
	for i := 0; i < len(fns); i++ {
		for j := i + 1; j < len(fns); j++ {
			s := cosine(vecs[i], vecs[j])
			out[i][j], out[j][i] = s, s
		}
	}
	return out
}

// Cluster groups functions whose similarity reaches threshold, transitively.
// Only groups with more than one member are returned. Members keep generation
// order and groups are ordered by their first member.
func Cluster(fns []types.AcceptedFunction, threshold float64) [][]string {
	sim := Similarity(fns)
	parent := make([]int, len(fns))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	for i := range fns {
		for j := i + 1; j < len(fns); j++ {
			if sim[i][j] >= threshold {
				ri, rj := find(i), find(j)
				if ri != rj {
					// the lower index stays root so groups sort by first member
					if rj < ri {
						ri, rj = rj, ri
					}
					parent[rj] = ri
				}
			}
		}
	}

	groups := make(map[int][]string)
	var roots []int
	for i, fn := range fns {
		r := find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], fn.Name)
	}
	sort.Ints(roots)

	var out [][]string
	for _, r := range roots {
		if len(groups[r]) > 1 {
			out = append(out, groups[r])
		}
	}
	return out
}
