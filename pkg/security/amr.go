package security

// Factor kinds reported by identity providers.
const (
	FactorKnowledge  = "knowledge"
	FactorPossession = "possession"
	FactorInherence  = "inherence"
)

// FactorsFromAMR maps RFC 8176 authentication method references to factor
// kinds, without duplicates. Unknown references are ignored.
func FactorsFromAMR(amr []string) []string {
	seen := make(map[string]bool)
	var factors []string
	for _, m := range amr {
		var f string
		switch m {
		case "pwd", "pin", "kba":
			f = FactorKnowledge
		case "otp", "hwk", "swk", "sms", "tel", "sc":
			f = FactorPossession
		case "fpt", "face", "iris", "retina", "vbm":
			f = FactorInherence
		default:
			continue
		}
		if !seen[f] {
			seen[f] = true
			factors = append(factors, f)
		}
	}
	return factors
}
