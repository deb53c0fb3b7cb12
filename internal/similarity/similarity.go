// Package similarity scores narrative overlap between handover entries and
// clusters near-duplicates.
package similarity

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Tokens is a bag of lowercase word tokens with counts.
type Tokens map[string]int

// Tokenize lowercases text and splits on anything that is not a letter,
// digit or hyphen. Single-character tokens are dropped.
func Tokenize(text string) Tokens {
	tokens := make(Tokens)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	for _, w := range words {
		w = strings.Trim(w, "-")
		if len(w) > 1 {
			tokens[w]++
		}
	}
	return tokens
}

// Jaccard is the weighted Jaccard index of two token bags.
func Jaccard(a, b Tokens) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	union := 0
	for token, countA := range a {
		if countB, ok := b[token]; ok {
			intersection += min(countA, countB)
			union += max(countA, countB)
		} else {
			union += countA
		}
	}
	for token, countB := range b {
		if _, ok := a[token]; !ok {
			union += countB
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// Cosine is the cosine similarity of two token bags.
func Cosine(a, b Tokens) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	dot, magA, magB := 0.0, 0.0, 0.0
	for token, countA := range a {
		fa := float64(countA)
		magA += fa * fa
		if countB, ok := b[token]; ok {
			dot += fa * float64(countB)
		}
	}
	for _, countB := range b {
		fb := float64(countB)
		magB += fb * fb
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// Score averages Jaccard and cosine similarity of two narratives.
func Score(a, b string) float64 {
	ta, tb := Tokenize(a), Tokenize(b)
	return (Jaccard(ta, tb) + Cosine(ta, tb)) / 2
}

// Cluster groups indexes of texts whose pairwise score is at least threshold,
// transitively. Clusters and their members keep input order.
func Cluster(texts []string, threshold float64) [][]int {
	n := len(texts)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(i, j int) {
		ri, rj := find(i), find(j)
		if ri == rj {
			return
		}
		if ri < rj {
			parent[rj] = ri
		} else {
			parent[ri] = rj
		}
	}

	bags := make([]Tokens, n)
	for i, t := range texts {
		bags[i] = Tokenize(t)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s := (Jaccard(bags[i], bags[j]) + Cosine(bags[i], bags[j])) / 2
			if s >= threshold {
				union(i, j)
			}
		}
	}

	groups := map[int][]int{}
	for i := 0; i < n; i++ {
		root := find(i)
		groups[root] = append(groups[root], i)
	}
	roots := make([]int, 0, len(groups))
	for r := range groups {
		roots = append(roots, r)
	}
	sort.Ints(roots)
	out := make([][]int, 0, len(roots))
	for _, r := range roots {
		out = append(out, groups[r])
	}
	return out
}
