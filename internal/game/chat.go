package game

import (
	"fmt"
	"strings"

	"github.com/ThatOnePro/lichess-bot/internal/engine"
)

// maxChatLen is the server's chat message limit.
const maxChatLen = 140

// Command is a recognised "!" chat command.
type Command int

const (
	CmdNone Command = iota
	CmdHelp
	CmdName
	CmdHowTo
	CmdEval
	CmdPing
	CmdWait
)

// ParseCommand recognises a chat command, CmdNone for ordinary talk.
func ParseCommand(text string) Command {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "!") {
		return CmdNone
	}
	fields := strings.Fields(t[1:])
	if len(fields) == 0 {
		return CmdNone
	}
	switch strings.ToLower(fields[0]) {
	case "help", "commands":
		return CmdHelp
	case "name":
		return CmdName
	case "howto":
		return CmdHowTo
	case "eval":
		return CmdEval
	case "ping":
		return CmdPing
	case "wait":
		return CmdWait
	default:
		return CmdNone
	}
}

// Responder renders the replies for chat commands.
type Responder struct {
	BotName    string
	EngineName string
}

func (r Responder) Help() string {
	return "Supported commands: !name, !howto, !eval, !ping, !wait"
}

func (r Responder) Ping() string { return "pong" }

func (r Responder) Name() string {
	return fmt.Sprintf("%s, running %s.", r.BotName, r.EngineName)
}

func (r Responder) HowTo() string {
	return "I'm a bot on the lichess bot API. See lichess.org/api#tag/Bot to run your own."
}

// Eval reports the engine's last score. Opponents asking in the player
// room get nothing useful.
func (r Responder) Eval(score engine.Score, allowed bool) string {
	if !allowed {
		return "I won't share my evaluation with my opponent, sorry."
	}
	if !score.Known {
		return "I have no evaluation yet."
	}
	switch {
	case score.Mate > 0:
		return fmt.Sprintf("I see mate in %d.", score.Mate)
	case score.Mate < 0:
		return fmt.Sprintf("I'm getting mated in %d.", -score.Mate)
	default:
		return fmt.Sprintf("My last evaluation was %+.2f pawns.", float64(score.CP)/100)
	}
}

func (r Responder) Wait(granted bool) string {
	if granted {
		return "OK, I'll wait another minute for the first move."
	}
	return "I can't wait any longer, sorry."
}

// Truncate shortens a message to the server's limit, cutting at a word
// boundary when one is near.
func Truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxChatLen {
		return s
	}
	head := runes[:maxChatLen-3]
	for i := len(head) - 1; i > 0; i-- {
		if head[i] == ' ' {
			head = head[:i]
			break
		}
	}
	return string(head) + "..."
}
