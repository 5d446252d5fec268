package archive

import (
	"fmt"
	"strings"
	"time"

	"github.com/notnil/chess"
)

// Render produces the PGN text for one record, replaying the UCI moves
// to get algebraic notation and embedding [%clk] comments where clock
// data is known.
func Render(rec Record) (string, error) {
	g, err := replay(rec)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	result := resultTag(rec)
	writeTag := func(k, v string) {
		fmt.Fprintf(&b, "[%s %q]\n", k, v)
	}

	mode := "Casual"
	if rec.Rated {
		mode = "Rated"
	}
	writeTag("Event", fmt.Sprintf("%s %s game", mode, capitalize(rec.Speed)))
	writeTag("Site", "https://lichess.org/"+rec.GameID)
	writeTag("Date", rec.FinishedAt.UTC().Format("2006.01.02"))
	writeTag("White", rec.White)
	writeTag("Black", rec.Black)
	writeTag("Result", result)
	if rec.WhiteElo > 0 {
		writeTag("WhiteElo", fmt.Sprintf("%d", rec.WhiteElo))
	}
	if rec.BlackElo > 0 {
		writeTag("BlackElo", fmt.Sprintf("%d", rec.BlackElo))
	}
	writeTag("Variant", capitalize(rec.Variant))
	writeTag("TimeControl", timeControlTag(rec))
	writeTag("Termination", terminationTag(rec.Status))
	if rec.InitialFEN != "" && rec.InitialFEN != "startpos" {
		writeTag("SetUp", "1")
		writeTag("FEN", rec.InitialFEN)
	}
	b.WriteString("\n")

	b.WriteString(movetext(g, rec, result))
	b.WriteString("\n")
	return b.String(), nil
}

func replay(rec Record) (*chess.Game, error) {
	opts := []func(*chess.Game){chess.UseNotation(chess.UCINotation{})}
	if rec.InitialFEN != "" && rec.InitialFEN != "startpos" {
		fen, err := chess.FEN(rec.InitialFEN)
		if err != nil {
			return nil, fmt.Errorf("bad fen: %w", err)
		}
		opts = append(opts, fen)
	}
	g := chess.NewGame(opts...)
	for _, mv := range rec.MovesUCI {
		if err := g.MoveStr(mv); err != nil {
			return nil, fmt.Errorf("replaying %q: %w", mv, err)
		}
	}
	return g, nil
}

// movetext renders numbered SAN moves with clock comments, wrapped
// around 80 columns.
func movetext(g *chess.Game, rec Record, result string) string {
	moves := g.Moves()
	positions := g.Positions()
	san := chess.AlgebraicNotation{}

	var tokens []string
	commented := false
	for i, mv := range moves {
		if i%2 == 0 {
			tokens = append(tokens, fmt.Sprintf("%d.", i/2+1))
		} else if commented {
			// A comment interrupted the pair, restate the number.
			tokens = append(tokens, fmt.Sprintf("%d...", i/2+1))
		}
		tokens = append(tokens, san.Encode(positions[i], mv))
		commented = false
		if i < len(rec.ClockMs) && rec.ClockMs[i] > 0 {
			tokens = append(tokens, fmt.Sprintf("{ [%%clk %s] }", clockStamp(rec.ClockMs[i])))
			commented = true
		}
	}
	tokens = append(tokens, result)

	var b strings.Builder
	lineLen := 0
	for i, tok := range tokens {
		if i > 0 {
			if lineLen+1+len(tok) > 80 {
				b.WriteString("\n")
				lineLen = 0
			} else {
				b.WriteString(" ")
				lineLen++
			}
		}
		b.WriteString(tok)
		lineLen += len(tok)
	}
	return b.String()
}

func clockStamp(ms int) string {
	d := time.Duration(ms) * time.Millisecond
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

func resultTag(rec Record) string {
	switch rec.Winner {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	}
	switch rec.Status {
	case "draw", "stalemate":
		return "1/2-1/2"
	}
	return "*"
}

func terminationTag(status string) string {
	switch status {
	case "mate", "resign", "draw", "stalemate", "variantEnd":
		return "Normal"
	case "outoftime", "timeout":
		return "Time forfeit"
	case "aborted", "noStart":
		return "Abandoned"
	case "cheat":
		return "Rules infraction"
	default:
		return "Unknown"
	}
}

func timeControlTag(rec Record) string {
	if rec.ClockInitial <= 0 && rec.ClockIncrement <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d+%d", rec.ClockInitial, rec.ClockIncrement)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
