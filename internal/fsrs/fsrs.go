package fsrs

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidRating is returned when a rating name or value is unknown.
var ErrInvalidRating = errors.New("fsrs: invalid rating")

// Rating is the user's response to a card review.
type Rating int

const (
	Again Rating = 1
	Hard  Rating = 2
	Good  Rating = 3
	Easy  Rating = 4
)

// Valid reports whether r is one of the four ratings.
func (r Rating) Valid() bool {
	return r >= Again && r <= Easy
}

// ParseRating accepts "again", "hard", "good", "easy" or "1".."4".
func ParseRating(s string) (Rating, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "again", "1":
		return Again, nil
	case "hard", "2":
		return Hard, nil
	case "good", "3":
		return Good, nil
	case "easy", "4":
		return Easy, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRating, s)
}

// Params holds the parameters for the FSRS algorithm.
// These are placeholder values and should be optimized later.
type Params struct {
	A                float64 // scales the overall memory increase
	B                float64 // difficulty exponent
	C                float64 // stability exponent
	D                float64 // retention effect scaler
	DesiredRetention float64 // desired retention rate (e.g., 0.9 for 90%)
}

// DefaultParams provides a set of sensible default parameters to start with.
func DefaultParams() *Params {
	return &Params{
		A:                0.2,
		B:                0.5,
		C:                0.1,
		D:                4.0,
		DesiredRetention: 0.9,
	}
}

// initialDifficulty is the difficulty assigned on the first review, by rating.
var initialDifficulty = [...]float64{Again: 7, Hard: 6, Good: 5, Easy: 3}

// initialStability is the stability in days after the first review, by rating.
var initialStability = [...]float64{Again: 0.4, Hard: 1.2, Good: 3, Easy: 8}

// NewState returns the scheduling state of a card that was never reviewed.
// It is due immediately.
func NewState(now time.Time) State {
	return State{Stage: StageNew, Due: now.UTC()}
}

// Review returns the state after grading st with rating at now. The input is
// not mutated; an invalid rating returns st unchanged.
func (p *Params) Review(st State, rating Rating, now time.Time) State {
	if !rating.Valid() {
		return st
	}
	next := st
	next.Reps++
	at := now.UTC()
	next.LastReview = &at

	if st.Stage == StageNew || st.Stability <= 0 {
		next.Difficulty = initialDifficulty[rating]
		next.Stability = initialStability[rating]
		if rating == Again {
			next.Stage = StageLearning
			next.Due = at.Add(10 * time.Minute)
		} else {
			next.Stage = StageReview
			next.Due = NextDueDate(at, next.Stability)
		}
		return next
	}

	if rating == Again {
		// If the user forgot, reset stability. Difficulty might increase.
		// This is a simplified handling. A full FSRS model has a more nuanced approach.
		next.Lapses++
		next.Stability = 1
		next.Difficulty = math.Min(10, st.Difficulty+0.5)
		next.Stage = StageRelearning
		next.Due = at.Add(10 * time.Minute)
		return next
	}

	next.Stability = p.calculateNewStability(st.Stability, st.Difficulty)
	switch rating {
	case Hard:
		next.Difficulty = math.Min(10, st.Difficulty+0.1)
	case Easy:
		next.Difficulty = math.Max(1, st.Difficulty-0.2)
		next.Stability *= 1.3
	}
	next.Stage = StageReview
	next.Due = NextDueDate(at, next.Stability)
	return next
}

// calculateNewStability applies the core FSRS formula for a successful review.
func (p *Params) calculateNewStability(stability, difficulty float64) float64 {
	// Formula: S' = S * (1 + a * D^(-b) * S^c * (e^(d * (1-R)) - 1))
	if stability < 1 {
		stability = 1 // Ensure stability is at least 1 to avoid issues with pow
	}
	if difficulty < 1 {
		difficulty = 1 // Ensure difficulty is at least 1
	}

	factor := p.A * math.Pow(difficulty, -p.B) * math.Pow(stability, p.C)
	exponent := p.D * (1 - p.DesiredRetention)
	multiplier := math.Exp(exponent) - 1

	return stability * (1 + factor*multiplier)
}

// NextDueDate calculates the next review date based on the new stability.
func NextDueDate(from time.Time, newStability float64) time.Time {
	// The next review is scheduled 'newStability' days from now.
	daysToAdd := time.Duration(math.Max(1, math.Round(newStability)))
	return from.Add(daysToAdd * 24 * time.Hour)
}
