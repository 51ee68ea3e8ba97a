package indexer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"starkscope/internal/abi"
	"starkscope/internal/factory"
)

// Source is one contract (or factory-created family of contracts) to sync.
type Source struct {
	Name      string
	ABI       *abi.ABI
	Addresses []string
	Factory   *factory.Factory
	// Selectors limits decoding to these events; empty means all ABI events.
	Selectors []string
	FromBlock uint64
	ToBlock   *uint64

	events  abi.Index
	allowed map[string]struct{}
}

// Fragment is the coverage key of the source on chainID.
func (s *Source) Fragment(chainID uint64) string {
	if s.Factory != nil {
		return strconv.FormatUint(chainID, 10) + "_" + s.Factory.ID()
	}
	return strconv.FormatUint(chainID, 10) + "_" + strings.Join(s.Addresses, ".")
}

func (s *Source) prepare() error {
	if s.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if s.ABI == nil {
		return fmt.Errorf("source %s: abi is required", s.Name)
	}
	if s.Factory == nil && len(s.Addresses) == 0 {
		return fmt.Errorf("source %s: addresses or factory required", s.Name)
	}
	if !sort.StringsAreSorted(s.Addresses) {
		return fmt.Errorf("source %s: addresses must be canonical", s.Name)
	}
	s.events = abi.BuildEvents(s.ABI)
	if len(s.Selectors) > 0 {
		s.allowed = make(map[string]struct{}, len(s.Selectors))
		for _, sel := range s.Selectors {
			s.allowed[sel] = struct{}{}
		}
	}
	return nil
}

func (s *Source) watchesStatic(address string) bool {
	i := sort.SearchStrings(s.Addresses, address)
	return i < len(s.Addresses) && s.Addresses[i] == address
}

// event returns the metadata for selector, or false when the source does not
// decode that event.
func (s *Source) event(selector string) (*abi.Meta, bool) {
	if s.allowed != nil {
		if _, ok := s.allowed[selector]; !ok {
			return nil, false
		}
	}
	meta, ok := s.events.BySelector[selector]
	return meta, ok
}

// bounds clips [from, to] to the source's own block range.
func (s *Source) bounds(from, to uint64) (uint64, uint64, bool) {
	if s.FromBlock > from {
		from = s.FromBlock
	}
	if s.ToBlock != nil && *s.ToBlock < to {
		to = *s.ToBlock
	}
	return from, to, from <= to
}
