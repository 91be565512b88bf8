package battle

import (
	"math/rand/v2"

	"testmakon/realtime/internal/store"
)

// Simulator synthesises the bot side of a battle.
type Simulator interface {
	Simulate(difficulty store.Difficulty, questions []store.Question) store.Side
}

type interval struct{ lo, hi float64 }

type botProfile struct {
	accuracy interval
	seconds  interval
}

var botProfiles = map[store.Difficulty]botProfile{
	store.DifficultyEasy:   {accuracy: interval{0.4, 0.6}, seconds: interval{15, 28}},
	store.DifficultyMedium: {accuracy: interval{0.6, 0.8}, seconds: interval{10, 22}},
	store.DifficultyHard:   {accuracy: interval{0.8, 0.9}, seconds: interval{5, 15}},
	store.DifficultyExpert: {accuracy: interval{0.9, 0.98}, seconds: interval{3, 10}},
}

// ValidDifficulty reports whether d names a bot profile.
func ValidDifficulty(d store.Difficulty) bool {
	_, ok := botProfiles[d]
	return ok
}

// RandomSimulator draws every simulation from its own freshly seeded generator so concurrent
// simulations never share random state.
type RandomSimulator struct{}

// Simulate answers every question: the correct option with a probability drawn uniformly from
// the difficulty's accuracy interval, otherwise a uniformly chosen distractor.
func (RandomSimulator) Simulate(difficulty store.Difficulty, questions []store.Question) store.Side {
	profile, ok := botProfiles[difficulty]
	if !ok {
		profile = botProfiles[store.DifficultyMedium]
	}
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	uniform := func(iv interval) float64 { return iv.lo + rng.Float64()*(iv.hi-iv.lo) }

	side := store.Side{Answers: make([]store.Answer, 0, len(questions))}
	for _, q := range questions {
		correctID := q.CorrectAnswer()
		pick := correctID
		if rng.Float64() >= uniform(profile.accuracy) {
			//1.- A miss chooses among the distractors; a question without any keeps the key.
			var distractors []int64
			for _, opt := range q.Answers {
				if opt.ID != correctID {
					distractors = append(distractors, opt.ID)
				}
			}
			if len(distractors) > 0 {
				pick = distractors[rng.IntN(len(distractors))]
			}
		}
		timeMs := int(uniform(profile.seconds) * 1000)
		correct := correctID != 0 && pick == correctID
		side.Answers = append(side.Answers, store.Answer{QuestionID: q.ID, AnswerID: pick, TimeMs: timeMs, Correct: correct})
		side.TimeMs += int64(timeMs)
		if correct {
			side.Correct++
		}
	}
	side.Score = side.Correct
	side.Completed = true
	return side
}
