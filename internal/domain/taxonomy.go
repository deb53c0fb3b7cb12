package domain

import "sort"

// Presentation buckets in canonical section order.
const (
	BucketCommand     = "Command"
	BucketEngineering = "Engineering"
	BucketETO         = "ETO/AV-IT"
	BucketDeck        = "Deck"
	BucketInterior    = "Interior"
	BucketAdmin       = "Admin & Compliance"
)

var bucketOrder = []string{
	BucketCommand,
	BucketEngineering,
	BucketETO,
	BucketDeck,
	BucketInterior,
	BucketAdmin,
}

// Buckets returns the presentation buckets in canonical order.
func Buckets() []string {
	out := make([]string, len(bucketOrder))
	copy(out, bucketOrder)
	return out
}

// BucketOrder returns the canonical position of a bucket, or -1 if unknown.
func BucketOrder(bucket string) int {
	for i, b := range bucketOrder {
		if b == bucket {
			return i
		}
	}
	return -1
}

// ValidBucket reports whether bucket is one of the fixed presentation buckets.
func ValidBucket(bucket string) bool {
	return BucketOrder(bucket) >= 0
}

// Risk tags, highest priority first.
const (
	RiskSafetyCritical     = "Safety_Critical"
	RiskComplianceCritical = "Compliance_Critical"
	RiskGuestImpacting     = "Guest_Impacting"
	RiskCostImpacting      = "Cost_Impacting"
	RiskOperationalDebt    = "Operational_Debt"
	RiskInformational      = "Informational"
)

var riskRanks = map[string]int{
	RiskSafetyCritical:     1,
	RiskComplianceCritical: 2,
	RiskGuestImpacting:     3,
	RiskCostImpacting:      4,
	RiskOperationalDebt:    5,
	RiskInformational:      6,
}

// LowestSeverityRank is the rank of an item carrying no risk tags.
const LowestSeverityRank = 6

// RiskRank returns the severity rank of a tag (1 is highest), or 0 if unknown.
func RiskRank(tag string) int {
	return riskRanks[tag]
}

// ValidRiskTag reports whether tag belongs to the severity enum.
func ValidRiskTag(tag string) bool {
	_, ok := riskRanks[tag]
	return ok
}

// SeverityRank returns the best (lowest) rank across tags.
func SeverityRank(tags []string) int {
	best := LowestSeverityRank
	for _, t := range tags {
		if r := RiskRank(t); r > 0 && r < best {
			best = r
		}
	}
	return best
}

// NormalizeRiskTags de-duplicates tags, drops unknown ones and orders them by severity.
func NormalizeRiskTags(tags []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if !ValidRiskTag(t) {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return RiskRank(out[i]) < RiskRank(out[j]) })
	return out
}

// ConfidenceLevel maps a numeric confidence to LOW (<0.5), MEDIUM (0.5-0.8) or HIGH (>0.8).
func ConfidenceLevel(score float64) string {
	switch {
	case score < 0.5:
		return ConfidenceLow
	case score > 0.8:
		return ConfidenceHigh
	default:
		return ConfidenceMedium
	}
}

// Command synthesis item titles.
const (
	CommandOperationalRisk = "Operational Risk State"
	CommandGuestExperience = "Guest Experience State"
	CommandVesselReadiness = "Vessel Readiness State"
)

// CommandDomainCodes maps the synthesized command items to their reserved domain codes.
var CommandDomainCodes = map[string]string{
	CommandOperationalRisk: "CMD-01",
	CommandGuestExperience: "CMD-02",
	CommandVesselReadiness: "CMD-03",
}

// DomainInfo describes one taxonomy code.
type DomainInfo struct {
	Name   string `json:"name" yaml:"name"`
	Bucket string `json:"bucket" yaml:"bucket"`
}
