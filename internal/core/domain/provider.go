package domain

// Provider identifies an external banking-data vendor.
type Provider string

const (
	ProviderPlaid  Provider = "plaid"
	ProviderYodlee Provider = "yodlee"
)

// Valid reports whether p names a supported provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderPlaid, ProviderYodlee:
		return true
	}
	return false
}

func (p Provider) String() string {
	return string(p)
}
