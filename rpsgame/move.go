package rpsgame

import "fmt"

// Move is a single rock-paper-scissors throw.
type Move byte

const (
	MoveRock     Move = 0
	MovePaper    Move = 1
	MoveScissors Move = 2
)

func (m Move) String() string {
	switch m {
	case MoveRock:
		return "rock"
	case MovePaper:
		return "paper"
	case MoveScissors:
		return "scissors"
	}
	return fmt.Sprintf("move(%d)", byte(m))
}

// ParseMove converts the wire name of a move into a Move.
func ParseMove(s string) (Move, error) {
	switch s {
	case "rock":
		return MoveRock, nil
	case "paper":
		return MovePaper, nil
	case "scissors":
		return MoveScissors, nil
	}
	return 0, fmt.Errorf("unknown move %q", s)
}

// Outcome is the result of resolving a single round.
type Outcome int

const (
	OutcomeDraw Outcome = iota
	OutcomeFirst
	OutcomeSecond
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDraw:
		return "draw"
	case OutcomeFirst:
		return "first"
	case OutcomeSecond:
		return "second"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Resolve applies the cyclic dominance rock beats scissors beats paper
// beats rock. It is a pure function of its two arguments.
func Resolve(a, b Move) Outcome {
	if a == b {
		return OutcomeDraw
	}
	// Each move beats the move that is one step below it in the cycle
	// rock(0) < paper(1) < scissors(2) < rock(0).
	if (a+1)%3 == b {
		return OutcomeSecond
	}
	return OutcomeFirst
}
