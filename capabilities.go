package main

import "sort"

type Capability string

const (
	CapVoiceReadout   Capability = "voice_readout"
	CapUnlimitedScans Capability = "unlimited_scans"
	CapBulkScanning   Capability = "bulk_scanning"
	CapAPIAccess      Capability = "api_access"
	CapAnalytics      Capability = "analytics_dashboard"
	CapSellerBadge    Capability = "seller_badge"
)

var premiumCapabilities = []Capability{CapVoiceReadout, CapUnlimitedScans, CapAnalytics}

var tierCapabilities = map[Tier]map[Capability]bool{
	TierFree:          {},
	TierPremium:       capabilitySet(premiumCapabilities...),
	TierPremiumSeller: capabilitySet(append(premiumCapabilities, CapBulkScanning, CapAPIAccess, CapSellerBadge)...),
}

func capabilitySet(caps ...Capability) map[Capability]bool {
	m := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		m[c] = true
	}
	return m
}

// HasCapability reports whether tier unlocks c. Unknown tiers unlock nothing.
func HasCapability(tier Tier, c Capability) bool {
	return tierCapabilities[tier][c]
}

// Capabilities lists what tier unlocks, sorted for stable output.
func Capabilities(tier Tier) []Capability {
	out := make([]Capability, 0, len(tierCapabilities[tier]))
	for c := range tierCapabilities[tier] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
