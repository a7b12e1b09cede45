// Package policy holds the key ordering policies the selector can use.
package policy

import (
	"fmt"

	"github.com/ineyio/speechquota"
)

// Policy names accepted by ByName.
const (
	NameMostHeadroom = "most_headroom"
	NameLeastRecent  = "least_recent"
)

// ByName returns the policy registered under name.
func ByName(name string) (speechquota.Policy, error) {
	switch name {
	case NameMostHeadroom, "":
		return &MostHeadroomPolicy{}, nil
	case NameLeastRecent:
		return &LeastRecentlyUsedPolicy{}, nil
	default:
		return nil, fmt.Errorf("policy: unknown key policy %q", name)
	}
}
