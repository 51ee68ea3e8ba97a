package indexer

import (
	"fmt"
	"strings"

	"starkscope/internal/abi"
	"starkscope/internal/factory"
	"starkscope/internal/felt"
)

// ParseAddresses canonicalizes contract addresses from flags or config.
func ParseAddresses(inputs []string) ([]string, error) {
	addresses, err := factory.CanonicalAddresses(inputs)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	return addresses, nil
}

// ParseSelectors accepts event names or 0x selectors and returns canonical selectors.
func ParseSelectors(inputs []string) ([]string, error) {
	selectors := make([]string, 0, len(inputs))
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if !strings.HasPrefix(input, "0x") && !strings.HasPrefix(input, "0X") {
			selectors = append(selectors, abi.ComputeSelector(input))
			continue
		}
		selector, err := felt.ToHex64(input)
		if err != nil {
			return nil, fmt.Errorf("invalid selector: %w", err)
		}
		selectors = append(selectors, selector)
	}
	return selectors, nil
}
