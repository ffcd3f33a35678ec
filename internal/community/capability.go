package community

// Capability names a community-specific tool beyond the common search set.
type Capability string

const (
	CapLookupBEP        Capability = "lookup_bep"
	CapSearchFAQ        Capability = "search_faq"
	CapSearchDocstrings Capability = "search_docstrings"
)

var builtinCapabilities = map[string][]Capability{
	"bids":   {CapLookupBEP},
	"eeglab": {CapSearchFAQ, CapSearchDocstrings},
	"hed":    {CapSearchDocstrings},
}

// Capabilities returns the extra tools compiled in for the community.
func (c Community) Capabilities() []Capability {
	return builtinCapabilities[c.ID]
}

// Has reports whether the community carries capability cp.
func (c Community) Has(cp Capability) bool {
	for _, x := range builtinCapabilities[c.ID] {
		if x == cp {
			return true
		}
	}
	return false
}
