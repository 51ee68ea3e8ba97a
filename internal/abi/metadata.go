package abi

// Meta describes one event or function of an ABI.
type Meta struct {
	ShortName string
	FullName  string
	SafeName  string
	Selector  string
	Item      Item
}

// Index looks up metadata by collision-safe name and by selector. Both maps point to
// the same records. An Index is immutable once built.
type Index struct {
	BySafeName map[string]*Meta
	BySelector map[string]*Meta
}

// Lookup resolves either a safe name or a selector.
func (idx Index) Lookup(nameOrSelector string) (*Meta, bool) {
	if meta, ok := idx.BySafeName[nameOrSelector]; ok {
		return meta, true
	}
	meta, ok := idx.BySelector[nameOrSelector]
	return meta, ok
}

type entry struct {
	item     Item
	fullName string
}

// BuildEvents indexes the emittable (struct-kind) events of the ABI. Enum-kind event
// containers only enumerate variants and are skipped.
func BuildEvents(a *ABI) Index {
	var events []entry
	seen := make(map[string]struct{})
	for _, item := range a.Items {
		if item.Type != ItemEvent || item.Kind != EventKindStruct {
			continue
		}
		if _, ok := seen[item.Name]; ok {
			continue
		}
		seen[item.Name] = struct{}{}
		events = append(events, entry{item: item, fullName: item.Name})
	}
	return buildIndex(events, "")
}

// BuildFunctions indexes the functions of the ABI, including those declared inside
// interfaces. Non-colliding safe names carry a "()" suffix.
func BuildFunctions(a *ABI) Index {
	var fns []entry
	seen := make(map[string]struct{})
	add := func(item Item, fullName string) {
		if _, ok := seen[fullName]; ok {
			return
		}
		seen[fullName] = struct{}{}
		fns = append(fns, entry{item: item, fullName: fullName})
	}
	for _, item := range a.Items {
		switch item.Type {
		case ItemFunction, ItemL1Handler:
			add(item, item.Name)
		case ItemInterface:
			for _, inner := range item.Items {
				if inner.Type == ItemFunction || inner.Type == ItemL1Handler {
					add(inner, item.Name+"::"+inner.Name)
				}
			}
		}
	}
	return buildIndex(fns, "()")
}

func buildIndex(entries []entry, suffix string) Index {
	shortCount := make(map[string]int, len(entries))
	for _, e := range entries {
		shortCount[ShortName(e.fullName)]++
	}

	idx := Index{
		BySafeName: make(map[string]*Meta, len(entries)),
		BySelector: make(map[string]*Meta, len(entries)),
	}
	for _, e := range entries {
		short := ShortName(e.fullName)
		safe := short + suffix
		if shortCount[short] > 1 {
			safe = e.fullName
		}
		meta := &Meta{
			ShortName: short,
			FullName:  e.fullName,
			SafeName:  safe,
			Selector:  ComputeSelector(e.fullName),
			Item:      e.item,
		}
		idx.BySafeName[safe] = meta
		// Colliding short names share a selector; the first declaration wins.
		if _, ok := idx.BySelector[meta.Selector]; !ok {
			idx.BySelector[meta.Selector] = meta
		}
	}
	return idx
}
