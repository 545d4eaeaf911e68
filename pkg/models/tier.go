package models

// Tier is the permission tier of a tool. Sessions carry a maximum tier and
// may only invoke tools at or below it.
type Tier string

const (
	// TierRead covers safe reads: file read, memory recall, web fetch.
	TierRead Tier = "read"
	// TierWrite covers local writes: file write, memory write, git.
	TierWrite Tier = "write"
	// TierNetwork covers external calls: messaging, webhooks, APIs.
	TierNetwork Tier = "network"
	// TierDestructive covers irreversible actions: delete, deploy, send.
	TierDestructive Tier = "destructive"
)

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	return t.rank() >= 0
}

// AtMost reports whether t is no riskier than max.
func (t Tier) AtMost(max Tier) bool {
	r := t.rank()
	return r >= 0 && r <= max.rank()
}

func (t Tier) rank() int {
	switch t {
	case TierRead:
		return 0
	case TierWrite:
		return 1
	case TierNetwork:
		return 2
	case TierDestructive:
		return 3
	default:
		return -1
	}
}
