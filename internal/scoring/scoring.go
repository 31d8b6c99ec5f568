// Package scoring computes pair compatibility from structured profile data.
// Everything here is pure and deterministic; the astrological score itself is
// computed by the backing store and passed in as an opaque [0,100] value.
package scoring

import "math"

// Grade is a letter summary of a numeric compatibility score.
type Grade string

const (
	GradeA  Grade = "A"
	GradeB  Grade = "B"
	GradeC  Grade = "C"
	GradeD  Grade = "D"
	GradeF  Grade = "F"
	GradeNA Grade = "N/A"
)

// Wildcard matches any sign or activity in a stated preference.
const Wildcard = "any"

// GradeFor maps a [0,100] score onto the fixed letter thresholds.
func GradeFor(score float64) Grade {
	switch {
	case score >= 90:
		return GradeA
	case score >= 80:
		return GradeB
	case score >= 70:
		return GradeC
	case score >= 60:
		return GradeD
	default:
		return GradeF
	}
}

// GradeValue is the ranking weight of a grade. It feeds the priority score
// and is never used for filtering.
func GradeValue(g Grade) int {
	switch g {
	case GradeA:
		return 4
	case GradeB:
		return 3
	case GradeC:
		return 2
	case GradeD:
		return 1
	case GradeF:
		return 0
	default:
		return -1
	}
}

// AstroProfile holds one user's sign and activity data plus their stated
// preferences about a partner. An empty SunSign means birth data is missing.
type AstroProfile struct {
	SunSign            string
	Activity           string
	SignPreference     string
	ActivityPreference string
}

func prefMatches(pref, actual string) bool {
	return pref == Wildcard || pref == "" || pref == actual
}

// Eligible reports whether both users' stated preferences accept the other.
// Missing sun-sign data on either side makes the answer indeterminate, which
// collapses to false. Eligible(a, b) == Eligible(b, a) for all inputs.
func Eligible(a, b AstroProfile) bool {
	if a.SunSign == "" || b.SunSign == "" {
		return false
	}
	return prefMatches(a.SignPreference, b.SunSign) &&
		prefMatches(a.ActivityPreference, b.Activity) &&
		prefMatches(b.SignPreference, a.SunSign) &&
		prefMatches(b.ActivityPreference, a.Activity)
}

// GroupNames are the five fixed questionnaire themes, in item order: items
// 0-4 belong to the first group, 5-9 to the second, and so on.
var GroupNames = [5]string{"lifestyle", "values", "communication", "intimacy", "goals"}

// ItemCount is the questionnaire length: five groups of five items.
const ItemCount = 25

const itemsPerGroup = 5

// Questionnaire holds one user's answers on a 1-5 scale. Zero means the item
// was not answered.
type Questionnaire struct {
	Answers [ItemCount]int
}

// Answered reports whether at least one item has an answer.
func (q Questionnaire) Answered() bool {
	for _, a := range q.Answers {
		if a != 0 {
			return true
		}
	}
	return false
}

// QuestionnaireScore is the per-group and overall questionnaire agreement
// between two users. Groups where neither pair answered any shared item are
// absent from the map and excluded from the overall average.
type QuestionnaireScore struct {
	Groups  map[string]float64
	Overall float64
	Grade   Grade
}

// ScoreQuestionnaire compares two answer sets. For each item answered by
// both users the raw score is 4 minus the answer divergence; a group score is
// the raw average scaled to [0,100]. Unanswered items never count as zero.
func ScoreQuestionnaire(a, b Questionnaire) QuestionnaireScore {
	result := QuestionnaireScore{Groups: make(map[string]float64, len(GroupNames))}
	if !a.Answered() || !b.Answered() {
		result.Grade = GradeNA
		return result
	}

	var sum float64
	var scored int
	for g, name := range GroupNames {
		var total float64
		var answered int
		for i := g * itemsPerGroup; i < (g+1)*itemsPerGroup; i++ {
			if a.Answers[i] == 0 || b.Answers[i] == 0 {
				continue
			}
			divergence := math.Abs(float64(a.Answers[i] - b.Answers[i]))
			total += 4 - divergence
			answered++
		}
		if answered == 0 {
			continue
		}
		score := total / float64(answered) / 4 * 100
		result.Groups[name] = score
		sum += score
		scored++
	}

	if scored == 0 {
		result.Grade = GradeNA
		return result
	}
	result.Overall = sum / float64(scored)
	result.Grade = GradeFor(result.Overall)
	return result
}

// MeetsThreshold reports minimum compatibility: an astrological score of at
// least 60, or any questionnaire grade better than F and not N/A.
func MeetsThreshold(astroScore float64, astroValid bool, questGrade Grade) bool {
	if astroValid && astroScore >= 60 {
		return true
	}
	switch questGrade {
	case GradeA, GradeB, GradeC, GradeD:
		return true
	}
	return false
}

// Priority is the ranking weight of a pair, the sum of both grade values.
func Priority(astroGrade, questGrade Grade) int {
	return GradeValue(astroGrade) + GradeValue(questGrade)
}

// Person bundles the inputs one user contributes to a pair computation.
type Person struct {
	Astro         AstroProfile
	Questionnaire Questionnaire
}

// Result is the full compatibility verdict for one pair.
type Result struct {
	AstroScore float64
	AstroGrade Grade

	Questionnaire QuestionnaireScore

	Eligible       bool
	MeetsThreshold bool
	Priority       int
	Recommended    bool
}

// Score combines eligibility, the store-computed astrological score and the
// questionnaire comparison into one verdict. astroValid is false when the
// store could not score the pair; the astro grade is then N/A.
func Score(a, b Person, astroScore float64, astroValid bool) Result {
	astroGrade := GradeNA
	if astroValid {
		astroScore = clamp(astroScore, 0, 100)
		astroGrade = GradeFor(astroScore)
	} else {
		astroScore = 0
	}

	quest := ScoreQuestionnaire(a.Questionnaire, b.Questionnaire)
	eligible := Eligible(a.Astro, b.Astro)
	meets := MeetsThreshold(astroScore, astroValid, quest.Grade)

	return Result{
		AstroScore:     astroScore,
		AstroGrade:     astroGrade,
		Questionnaire:  quest,
		Eligible:       eligible,
		MeetsThreshold: meets,
		Priority:       Priority(astroGrade, quest.Grade),
		Recommended:    eligible && meets,
	}
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
