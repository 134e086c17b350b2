// Package udim maps templated texture filenames to the concrete per-tile
// files of a UDIM set, and enumerates the files a template matches on disk.
//
// Supported placeholder grammars, selected by which token appears in the
// template:
//
//	<UDIM>     4-digit combined index, 1001 + u + 10*v (u in 0..9)
//	%(UDIM)d   same index, printf-flavored spelling
//	<U>, <V>   separate 0-based tile indices
//	<u>, <v>   separate 1-based tile indices
//	u##v##     two fixed-width 1-based indices ("u01v03")
//	<UVTILE>   Mari-style "u1_v1" (1-based)
//	<uvtile>   lowercase variant, 0-based "u0_v0"
package udim

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type patternKind int

const (
	patternNone patternKind = iota
	patternUDIM
	patternUDIMPrintf
	patternUpperUV
	patternLowerUV
	patternHashUV
	patternUVTile
	patternLowerUVTile
)

var tokenOrder = []struct {
	kind  patternKind
	token string
}{
	{patternUDIM, "<UDIM>"},
	{patternUDIMPrintf, "%(UDIM)d"},
	{patternUVTile, "<UVTILE>"},
	{patternLowerUVTile, "<uvtile>"},
	{patternUpperUV, "<U>"},
	{patternLowerUV, "<u>"},
	{patternHashUV, "u##v##"},
}

func classify(template string) patternKind {
	for _, t := range tokenOrder {
		if strings.Contains(template, t.token) {
			return t.kind
		}
	}
	return patternNone
}

// IsTemplate reports whether name contains a recognized UDIM placeholder.
func IsTemplate(name string) bool {
	return classify(name) != patternNone
}

// substitute renders the template for tile (u, v), both 0-based.
func substitute(template string, kind patternKind, u, v int) string {
	switch kind {
	case patternUDIM:
		return strings.ReplaceAll(template, "<UDIM>", strconv.Itoa(1001+u+10*v))
	case patternUDIMPrintf:
		return strings.ReplaceAll(template, "%(UDIM)d", strconv.Itoa(1001+u+10*v))
	case patternUpperUV:
		s := strings.ReplaceAll(template, "<U>", strconv.Itoa(u))
		return strings.ReplaceAll(s, "<V>", strconv.Itoa(v))
	case patternLowerUV:
		s := strings.ReplaceAll(template, "<u>", strconv.Itoa(u+1))
		return strings.ReplaceAll(s, "<v>", strconv.Itoa(v+1))
	case patternHashUV:
		return strings.ReplaceAll(template, "u##v##", fmt.Sprintf("u%02dv%02d", u+1, v+1))
	case patternUVTile:
		return strings.ReplaceAll(template, "<UVTILE>", fmt.Sprintf("u%d_v%d", u+1, v+1))
	case patternLowerUVTile:
		return strings.ReplaceAll(template, "<uvtile>", fmt.Sprintf("u%d_v%d", u, v))
	default:
		return template
	}
}

// matcher returns a regexp matching concrete basenames of the template and a
// function decoding a match's capture groups to 0-based (u, v).
func matcher(template string, kind patternKind) (*regexp.Regexp, func([]string) (int, int, bool)) {
	base := filepath.Base(template)

	build := func(token, capture string) *regexp.Regexp {
		i := strings.Index(base, token)
		return regexp.MustCompile("^" + regexp.QuoteMeta(base[:i]) + capture + regexp.QuoteMeta(base[i+len(token):]) + "$")
	}
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}

	switch kind {
	case patternUDIM, patternUDIMPrintf:
		token := "<UDIM>"
		if kind == patternUDIMPrintf {
			token = "%(UDIM)d"
		}
		re := build(token, `(1\d{3})`)
		return re, func(m []string) (int, int, bool) {
			idx := atoi(m[1]) - 1001
			if idx < 0 {
				return 0, 0, false
			}
			return idx % 10, idx / 10, true
		}
	case patternUpperUV, patternLowerUV:
		uTok, vTok, offset := "<U>", "<V>", 0
		if kind == patternLowerUV {
			uTok, vTok, offset = "<u>", "<v>", 1
		}
		// Two tokens; replace both with captures in their template order.
		pat := regexp.QuoteMeta(base)
		pat = strings.Replace(pat, regexp.QuoteMeta(uTok), `(\d+)`, 1)
		pat = strings.Replace(pat, regexp.QuoteMeta(vTok), `(\d+)`, 1)
		re := regexp.MustCompile("^" + pat + "$")
		uFirst := strings.Index(base, uTok) < strings.Index(base, vTok)
		return re, func(m []string) (int, int, bool) {
			a, b := atoi(m[1]), atoi(m[2])
			if !uFirst {
				a, b = b, a
			}
			u, v := a-offset, b-offset
			if u < 0 || v < 0 {
				return 0, 0, false
			}
			return u, v, true
		}
	case patternHashUV:
		re := build("u##v##", `u(\d{2})v(\d{2})`)
		return re, func(m []string) (int, int, bool) {
			u, v := atoi(m[1])-1, atoi(m[2])-1
			if u < 0 || v < 0 {
				return 0, 0, false
			}
			return u, v, true
		}
	case patternUVTile, patternLowerUVTile:
		token, offset := "<UVTILE>", 1
		if kind == patternLowerUVTile {
			token, offset = "<uvtile>", 0
		}
		re := build(token, `u(\d+)_v(\d+)`)
		return re, func(m []string) (int, int, bool) {
			u, v := atoi(m[1])-offset, atoi(m[2])-offset
			if u < 0 || v < 0 {
				return 0, 0, false
			}
			return u, v, true
		}
	default:
		return nil, nil
	}
}

// Resolve substitutes the tile indices implied by the sample coordinate
// (u = floor(s), v = floor(t)) into the template. The second result is false
// when the name is not a template, the coordinate is outside the grid the
// grammar can express, or no file exists at the resolved path; callers then
// apply their missing-texture handling.
func Resolve(template string, s, t float64, searchpath []string) (string, bool) {
	kind := classify(template)
	if kind == patternNone {
		return "", false
	}
	u := int(math.Floor(s))
	v := int(math.Floor(t))
	if u < 0 || v < 0 {
		return "", false
	}
	if (kind == patternUDIM || kind == patternUDIMPrintf) && u > 9 {
		return "", false
	}
	name := substitute(template, kind, u, v)
	if p, ok := findFile(name, searchpath); ok {
		return p, true
	}
	return "", false
}

func findFile(name string, searchpath []string) (string, bool) {
	if _, err := os.Stat(name); err == nil {
		return name, true
	}
	if filepath.IsAbs(name) {
		return "", false
	}
	for _, dir := range searchpath {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// Grid is the result of inventorying a template: the occupied extent of the
// tile grid and the concrete files found. Missing grid cells are holes, not
// errors.
type Grid struct {
	UTiles, VTiles int
	// Names maps (u, v) to the resolved path of the tile there.
	Names map[[2]int]string
}

// Tile returns the resolved path at (u, v), or "" for a hole.
func (g *Grid) Tile(u, v int) string {
	return g.Names[[2]int{u, v}]
}

// Sorted returns all resolved paths in lexical order.
func (g *Grid) Sorted() []string {
	out := make([]string, 0, len(g.Names))
	for _, name := range g.Names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Inventory scans the template's directory (and the search path when the
// template is relative) for files matching the placeholder grammar and
// returns the occupied grid.
func Inventory(template string, searchpath []string) (*Grid, error) {
	kind := classify(template)
	if kind == patternNone {
		return nil, fmt.Errorf("udim: %q contains no recognized placeholder", template)
	}
	re, decode := matcher(template, kind)

	dirs := []string{filepath.Dir(template)}
	if !filepath.IsAbs(template) {
		for _, dir := range searchpath {
			dirs = append(dirs, filepath.Join(dir, filepath.Dir(template)))
		}
	}

	grid := &Grid{Names: make(map[[2]int]string)}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			m := re.FindStringSubmatch(e.Name())
			if m == nil {
				continue
			}
			u, v, ok := decode(m)
			if !ok {
				continue
			}
			key := [2]int{u, v}
			if _, exists := grid.Names[key]; exists {
				continue // first search-path hit wins
			}
			grid.Names[key] = filepath.Join(dir, e.Name())
			if u+1 > grid.UTiles {
				grid.UTiles = u + 1
			}
			if v+1 > grid.VTiles {
				grid.VTiles = v + 1
			}
		}
	}
	return grid, nil
}
