// Package scoring turns audit evidence into a 0-100 score with reasons and
// outreach bullets. Check order is part of the contract.
package scoring

const (
	ReasonNoHTTPS    = "No HTTPS"
	ReasonSlow       = "Slow response (>2s)"
	ReasonNoBooking  = "No booking integration"
	ReasonNoForm     = "No intake form"
	ReasonLiveChat   = "Has live chat"
	SlowThresholdMS  = 2000
	startingScore    = 100
	penaltyNoHTTPS   = 15
	penaltySlow      = 20
	penaltyNoBooking = 15
	penaltyNoForm    = 20
	bonusChat        = 5
)

const (
	BulletNoHTTPS   = "Site runs on HTTP: modern browsers show security warnings that deter customers."
	BulletSlow      = "Website loads slowly, risking immediate user abandonment before they see your offer."
	BulletNoBooking = "No automated scheduling (no Calendly/Jobber/ServiceTitan) so every booking requires manual phone follow-up."
	BulletNoForm    = "Customers cannot request quotes directly, forcing inefficient call-only contact cycles."
)

// Signals is the subset of an audit the scorer reads.
type Signals struct {
	HTTPSSupported bool
	ResponseTimeMS int64
	HasBooking     bool
	HasForm        bool
	HasChat        bool
}

// Result is a score with its ordered reasons and bullets.
type Result struct {
	Total   int
	Reasons []string
	Bullets []string
}

// Score is pure and deterministic.
func Score(s Signals) Result {
	total := startingScore
	res := Result{Reasons: []string{}, Bullets: []string{}}

	if !s.HTTPSSupported {
		total -= penaltyNoHTTPS
		res.Reasons = append(res.Reasons, ReasonNoHTTPS)
		res.Bullets = append(res.Bullets, BulletNoHTTPS)
	}
	if s.ResponseTimeMS > SlowThresholdMS {
		total -= penaltySlow
		res.Reasons = append(res.Reasons, ReasonSlow)
		res.Bullets = append(res.Bullets, BulletSlow)
	}
	if !s.HasBooking {
		total -= penaltyNoBooking
		res.Reasons = append(res.Reasons, ReasonNoBooking)
		res.Bullets = append(res.Bullets, BulletNoBooking)
	}
	if !s.HasForm {
		total -= penaltyNoForm
		res.Reasons = append(res.Reasons, ReasonNoForm)
		res.Bullets = append(res.Bullets, BulletNoForm)
	}
	if s.HasChat {
		total += bonusChat
		res.Reasons = append(res.Reasons, ReasonLiveChat)
	}

	res.Total = clamp(total, 0, 100)
	return res
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
