package classify

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"watchkeeper/internal/domain"
)

var domainKeywords = map[string][]string{
	"ENG-01":  {"main engine", "propulsion", "shaft", "gearbox", "propeller", "prop", "exhaust"},
	"ENG-02":  {"generator", "genset", "gen-set", "alternator", "shore power", "load bank"},
	"ENG-03":  {"hvac", "air con", "aircon", "chiller", "refrigeration", "fridge", "freezer", "cold room"},
	"ENG-04":  {"fuel", "lube", "bunkering", "separator", "purifier", "day tank"},
	"ENG-05":  {"watermaker", "fresh water", "sewage", "black water", "grey water", "bilge"},
	"ENG-06":  {"hydraulic", "stabiliser", "stabilizer", "thruster", "steering", "rudder"},
	"ETO-01":  {"radar", "ecdis", "gps", "autopilot", "ais", "gyro", "echo sounder"},
	"ETO-02":  {"vsat", "satcom", "starlink", "vhf", "gmdss", "radio", "sat phone"},
	"ETO-03":  {"tv", "audio", "speaker", "crestron", "kaleidescape", "entertainment", "cinema"},
	"ETO-04":  {"wifi", "network", "server", "laptop", "printer", "router", "firewall"},
	"ETO-05":  {"electrical", "breaker", "switchboard", "ups", "battery", "lighting", "shore cable"},
	"DECK-01": {"tender", "jet ski", "jetski", "seabob", "toys", "kayak", "paddleboard", "chase boat"},
	"DECK-02": {"mooring", "anchor", "windlass", "capstan", "fender", "warp"},
	"DECK-03": {"varnish", "teak", "paint", "polish", "hull", "brightwork", "gelcoat"},
	"DECK-04": {"liferaft", "life raft", "extinguisher", "lifejacket", "epirb", "immersion suit", "fire hose", "sart"},
	"DECK-05": {"crane", "davit", "passerelle", "gangway", "swim platform"},
	"INT-01":  {"guest", "charter", "owner", "turndown", "cabin service"},
	"INT-02":  {"laundry", "housekeeping", "linen", "cleaning", "washing machine", "dryer"},
	"INT-03":  {"galley", "chef", "oven", "menu", "dishwasher", "allergy"},
	"INT-04":  {"provisioning", "provisions", "stores", "wine", "stock take", "inventory"},
	"ADM-01":  {"crew", "certificate", "stcw", "visa", "contract", "training", "medical"},
	"ADM-02":  {"flag", "class", "survey", "ism", "isps", "mlc", "audit", "psc"},
	"ADM-03":  {"port", "customs", "immigration", "agent", "clearance", "cruising permit"},
	"ADM-04":  {"invoice", "budget", "purchase order", "procurement", "quote", "payment", "apa"},
	"ADM-05":  {"hours of rest", "rest hours", "fatigue", "overtime", "watch schedule"},
}

var riskKeywords = map[string][]string{
	domain.RiskSafetyCritical:     {"fire", "smoke", "flood", "flooding", "gas leak", "man overboard", "injury", "injured", "collision", "fire alarm", "bilge alarm", "epirb", "liferaft expired", "unsafe"},
	domain.RiskComplianceCritical: {"expired", "expiry", "expires", "overdue survey", "non-compliance", "non-conformity", "psc", "flag state", "class survey", "hours of rest", "certificate"},
	domain.RiskGuestImpacting:     {"guest", "charter", "owner", "guests"},
	domain.RiskCostImpacting:       {"quote", "invoice", "cost", "budget", "replacement", "spares", "contractor"},
	domain.RiskOperationalDebt:    {"temporary fix", "temporary repair", "workaround", "deferred", "monitor", "monitoring", "pending", "awaiting parts"},
}

var bucketOwners = map[string][]string{
	domain.BucketEngineering: {"chief_engineer"},
	domain.BucketETO:         {"eto"},
	domain.BucketDeck:        {"chief_officer"},
	domain.BucketInterior:    {"chief_stew"},
	domain.BucketAdmin:       {"purser", "captain"},
}

var (
	resolvedWords = []string{"fixed", "resolved", "repaired", "completed", "replaced", "working normally", "serviceable", "closed out", "back in service"}
	openWords     = []string{"broken", "failed", "failing", "leaking", "inoperative", "not working", "faulty", "defective", "outstanding", "out of service", "tripping"}
)

// Keyword is a deterministic capability driven by keyword tables. It needs no
// network and is the default when no model-backed classifier is configured.
type Keyword struct {
	buckets map[string]string
}

// NewKeyword builds a keyword classifier restricted to the given code → bucket taxonomy.
func NewKeyword(buckets map[string]string) *Keyword {
	cp := make(map[string]string, len(buckets))
	for k, v := range buckets {
		cp[k] = v
	}
	return &Keyword{buckets: cp}
}

func (k *Keyword) Classify(ctx context.Context, req Request) (Classification, error) {
	if err := ctx.Err(); err != nil {
		return Classification{}, err
	}
	text := normalizeText(req.Text)
	type scored struct {
		code string
		hits int
	}
	var scores []scored
	for code, words := range domainKeywords {
		if _, ok := k.buckets[code]; !ok {
			continue
		}
		if hits := countHits(text, words); hits > 0 {
			scores = append(scores, scored{code: code, hits: hits})
		}
	}
	if len(scores) == 0 {
		return Classification{}, ErrNoMatch
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].hits != scores[j].hits {
			return scores[i].hits > scores[j].hits
		}
		return scores[i].code < scores[j].code
	})
	primary := scores[0].code
	bucket := k.buckets[primary]
	var secondary []string
	for _, s := range scores[1:] {
		secondary = append(secondary, s.code)
	}
	var tags []string
	for tag, words := range riskKeywords {
		if countHits(text, words) > 0 {
			tags = append(tags, tag)
		}
	}
	tags = domain.NormalizeRiskTags(tags)
	if len(tags) == 0 {
		tags = []string{domain.RiskInformational}
	}
	owners := append([]string(nil), bucketOwners[bucket]...)
	if tags[0] == domain.RiskSafetyCritical && !containsString(owners, "captain") {
		owners = append(owners, "captain")
	}
	confidence := 0.55 + 0.15*float64(scores[0].hits)
	if len(scores) > 1 && scores[1].hits == scores[0].hits {
		confidence -= 0.2
	}
	confidence = clamp(confidence, 0.3, 0.95)
	return Classification{
		PrimaryDomain:       primary,
		SecondaryDomains:    secondary,
		PresentationBucket:  bucket,
		RiskTags:            tags,
		SuggestedOwnerRoles: owners,
		Confidence:          confidence,
	}, nil
}

func (k *Keyword) Summarize(ctx context.Context, req SummaryRequest) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	var unique []string
	seen := map[string]struct{}{}
	for _, n := range req.Narratives {
		n = strings.TrimSpace(n)
		key := normalizeText(n)
		if n == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, n)
	}
	if len(unique) == 0 {
		return Summary{}, ErrNoMatch
	}
	if len(unique) == 1 {
		return Summary{Text: unique[0], Confidence: 0.9}, nil
	}
	conflicting := Contradictory(unique)
	confidence := 0.7
	if conflicting {
		confidence = 0.3
	}
	return Summary{
		Text:        strings.Join(unique, " / "),
		Confidence:  confidence,
		Conflicting: conflicting,
	}, nil
}

// Contradictory reports whether some narratives describe an issue as closed
// while others describe it as still open.
func Contradictory(narratives []string) bool {
	var closed, open bool
	for _, n := range narratives {
		text := normalizeText(n)
		c := countHits(text, resolvedWords) > 0
		o := countHits(text, openWords) > 0
		switch {
		case c && !o:
			closed = true
		case o && !c:
			open = true
		}
	}
	return closed && open
}

func normalizeText(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	return " " + strings.Join(words, " ") + " "
}

func countHits(text string, words []string) int {
	hits := 0
	for _, w := range words {
		if strings.Contains(text, " "+w+" ") {
			hits++
		}
	}
	return hits
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
