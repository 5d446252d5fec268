// Package policy decides what to do with an incoming challenge. The
// decision is a pure function of the challenge, the configuration, and a
// snapshot of the bot's load, so identical inputs always produce the
// same answer.
package policy

import (
	"strings"

	"github.com/ThatOnePro/lichess-bot/internal/config"
	"github.com/ThatOnePro/lichess-bot/internal/lichess"
)

// Verdict is the kind of decision taken.
type Verdict int

const (
	// Accept the challenge.
	Accept Verdict = iota
	// Decline it, citing Decision.Reason.
	Decline
	// Defer it: acceptable, but no capacity right now.
	Defer
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Decline:
		return "decline"
	case Defer:
		return "defer"
	}
	return "unknown"
}

// Decision is the outcome for one challenge. Rule names the predicate
// that declined, for logging.
type Decision struct {
	Verdict Verdict
	Reason  lichess.DeclineReason
	Rule    string
}

// State is the load snapshot the evaluator sees.
type State struct {
	ActiveGames int
	MaxGames    int
	// ChallengingUser is the opponent of an outstanding outbound
	// challenge, if any. It reserves a game slot.
	ChallengingUser string
}

func accept() Decision { return Decision{Verdict: Accept} }

func decline(rule string, reason lichess.DeclineReason) Decision {
	return Decision{Verdict: Decline, Reason: reason, Rule: rule}
}

// speedOf categorises a time control the way the service does, for
// frames that omit the speed field: estimated game length is the
// initial clock plus forty increments.
func speedOf(tc lichess.TimeControl) string {
	if tc.Type != "clock" {
		return "correspondence"
	}
	total := tc.Limit + 40*tc.Increment
	switch {
	case total < 30:
		return "ultraBullet"
	case total < 180:
		return "bullet"
	case total < 480:
		return "blitz"
	case total < 1500:
		return "rapid"
	default:
		return "classical"
	}
}

// Evaluate runs the decline predicates in their fixed order and returns
// the first that fires; when all pass it accepts, or defers if every
// game slot is taken.
func Evaluate(cfg config.ChallengeConfig, ch lichess.Challenge, st State) Decision {
	if blocked(cfg.BlockList, ch.Challenger) {
		return decline("block_list", lichess.DeclineGeneric)
	}
	if d, ok := checkVariant(cfg.Variants, ch.Variant.Key); !ok {
		return d
	}
	speed := ch.Speed
	if speed == "" {
		speed = speedOf(ch.TimeControl)
	}
	if d, ok := checkSpeed(cfg.TimeControls, speed); !ok {
		return d
	}
	if d, ok := checkClock(cfg, ch.TimeControl); !ok {
		return d
	}
	if d, ok := checkMode(cfg.Modes, ch.Rated); !ok {
		return d
	}
	if d, ok := checkPosition(cfg.Variants, ch.Variant.Key); !ok {
		return d
	}
	if d, ok := checkOpponent(cfg, ch.Challenger); !ok {
		return d
	}

	// An outstanding outbound challenge reserves a slot, unless this
	// challenge is from the very user we are courting.
	reserved := 0
	if st.ChallengingUser != "" && !strings.EqualFold(st.ChallengingUser, ch.Challenger.Name) {
		reserved = 1
	}
	if st.ActiveGames+reserved >= st.MaxGames {
		return Decision{Verdict: Defer, Rule: "capacity"}
	}
	return accept()
}

func blocked(blockList []string, challenger lichess.Player) bool {
	for _, name := range blockList {
		if strings.EqualFold(name, challenger.ID) || strings.EqualFold(name, challenger.Name) {
			return true
		}
	}
	return false
}

// checkVariant admits configured variants. Custom start positions are
// the position predicate's business, not a variant mismatch.
func checkVariant(allowed []string, key string) (Decision, bool) {
	if key == "fromPosition" {
		return accept(), true
	}
	for _, v := range allowed {
		if strings.EqualFold(v, key) {
			return accept(), true
		}
	}
	return decline("variant", lichess.DeclineVariant), false
}

func checkSpeed(allowed []string, speed string) (Decision, bool) {
	for _, name := range allowed {
		if strings.EqualFold(name, speed) {
			return accept(), true
		}
	}
	return decline("speed", lichess.DeclineTimeControl), false
}

// checkClock enforces the numeric bounds, inclusive on both ends. They
// only apply to real-time clocks; correspondence has neither initial nor
// increment.
func checkClock(cfg config.ChallengeConfig, tc lichess.TimeControl) (Decision, bool) {
	if tc.Type != "clock" {
		return accept(), true
	}
	if tc.Limit < cfg.MinInitial {
		return decline("initial", lichess.DeclineTooFast), false
	}
	if tc.Limit > cfg.MaxInitial {
		return decline("initial", lichess.DeclineTooSlow), false
	}
	if tc.Increment < cfg.MinIncrement {
		return decline("increment", lichess.DeclineTooFast), false
	}
	if tc.Increment > cfg.MaxIncrement {
		return decline("increment", lichess.DeclineTooSlow), false
	}
	return accept(), true
}

func checkMode(modes []string, rated bool) (Decision, bool) {
	want := "casual"
	if rated {
		want = "rated"
	}
	for _, m := range modes {
		if strings.EqualFold(m, want) {
			return accept(), true
		}
	}
	// Suggest the mode we would have taken.
	if rated {
		return decline("mode", lichess.DeclineCasual), false
	}
	return decline("mode", lichess.DeclineRated), false
}

// checkPosition refuses arbitrary start positions unless fromPosition is
// explicitly allowed.
func checkPosition(allowed []string, key string) (Decision, bool) {
	if key != "fromPosition" {
		return accept(), true
	}
	for _, v := range allowed {
		if strings.EqualFold(v, "fromPosition") {
			return accept(), true
		}
	}
	return decline("position", lichess.DeclineStandard), false
}

func checkOpponent(cfg config.ChallengeConfig, challenger lichess.Player) (Decision, bool) {
	if challenger.IsBot() && !cfg.AcceptBot {
		return decline("no_bot", lichess.DeclineNoBot), false
	}
	if !challenger.IsBot() && cfg.OnlyBot {
		return decline("only_bot", lichess.DeclineOnlyBot), false
	}
	return accept(), true
}
