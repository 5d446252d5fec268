package lichess

import "strings"

// Event types delivered on the account event stream.
const (
	EventChallenge         = "challenge"
	EventChallengeCanceled = "challengeCanceled"
	EventChallengeDeclined = "challengeDeclined"
	EventGameStart         = "gameStart"
	EventGameFinish        = "gameFinish"
)

// Frame types delivered on a per-game stream.
const (
	FrameGameFull     = "gameFull"
	FrameGameState    = "gameState"
	FrameChatLine     = "chatLine"
	FrameOpponentGone = "opponentGone"
)

// Event is one frame of the account event stream. Exactly one of the
// payload pointers is set, matching Type.
type Event struct {
	Type      string         `json:"type"`
	Challenge *Challenge     `json:"challenge,omitempty"`
	Game      *GameEventInfo `json:"game,omitempty"`
}

// EventFrame pairs an event with a terminal stream error. A frame with
// Err set is the last one delivered before the channel closes.
type EventFrame struct {
	Event Event
	Err   error
}

// Player identifies one side of a challenge or game.
type Player struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Title       string `json:"title"`
	Rating      int    `json:"rating"`
	Provisional bool   `json:"provisional"`
	Online      bool   `json:"online"`
}

// IsBot reports whether the player holds the BOT title.
func (p Player) IsBot() bool { return p.Title == "BOT" }

type Variant struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Short string `json:"short"`
}

type TimeControl struct {
	Type        string `json:"type"` // clock, correspondence, unlimited
	Limit       int    `json:"limit"`
	Increment   int    `json:"increment"`
	Show        string `json:"show"`
	DaysPerTurn int    `json:"daysPerTurn"`
}

// Challenge is an incoming or outgoing challenge as carried on the
// event stream.
type Challenge struct {
	ID            string      `json:"id"`
	URL           string      `json:"url"`
	Status        string      `json:"status"`
	Challenger    Player      `json:"challenger"`
	DestUser      Player      `json:"destUser"`
	Variant       Variant     `json:"variant"`
	Rated         bool        `json:"rated"`
	Speed         string      `json:"speed"`
	TimeControl   TimeControl `json:"timeControl"`
	Color         string      `json:"color"`
	DeclineReason string      `json:"declineReason"`
}

// GameEventInfo accompanies gameStart and gameFinish events.
type GameEventInfo struct {
	GameID   string `json:"gameId"`
	FullID   string `json:"fullId"`
	Color    string `json:"color"`
	FEN      string `json:"fen"`
	HasMoved bool   `json:"hasMoved"`
	IsMyTurn bool   `json:"isMyTurn"`
	LastMove string `json:"lastMove"`
	Opponent struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Rating   int    `json:"rating"`
	} `json:"opponent"`
	Rated       bool    `json:"rated"`
	SecondsLeft int     `json:"secondsLeft"`
	Source      string  `json:"source"`
	Speed       string  `json:"speed"`
	Variant     Variant `json:"variant"`
}

// GameFrame is one frame of a per-game stream. Exactly one payload
// pointer is set, matching Type; a frame with Err set is terminal.
type GameFrame struct {
	Type  string
	Full  *GameFull
	State *GameState
	Chat  *ChatLine
	Gone  *OpponentGone
	Err   error
}

// GameFull is the first frame of every game stream and carries the
// immutable game description plus the current state.
type GameFull struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	Variant    Variant   `json:"variant"`
	Clock      *Clock    `json:"clock"`
	Speed      string    `json:"speed"`
	Rated      bool      `json:"rated"`
	CreatedAt  int64     `json:"createdAt"`
	White      Player    `json:"white"`
	Black      Player    `json:"black"`
	InitialFEN string    `json:"initialFen"`
	State      GameState `json:"state"`
}

// Clock times are milliseconds.
type Clock struct {
	Initial   int `json:"initial"`
	Increment int `json:"increment"`
}

// GameState carries the move list and clocks. Times are milliseconds.
type GameState struct {
	Type          string `json:"type"`
	Moves         string `json:"moves"`
	WhiteTime     int    `json:"wtime"`
	BlackTime     int    `json:"btime"`
	WhiteInc      int    `json:"winc"`
	BlackInc      int    `json:"binc"`
	Status        string `json:"status"`
	Winner        string `json:"winner"`
	WhiteDraw     bool   `json:"wdraw"`
	BlackDraw     bool   `json:"bdraw"`
	WhiteTakeback bool   `json:"wtakeback"`
	BlackTakeback bool   `json:"btakeback"`
}

// MoveList splits the space-separated UCI move string.
func (s GameState) MoveList() []string {
	return strings.Fields(s.Moves)
}

// Finished reports whether the game reached a terminal status.
func (s GameState) Finished() bool {
	return s.Status != "created" && s.Status != "started"
}

type ChatLine struct {
	Type     string `json:"type"`
	Room     string `json:"room"` // player or spectator
	Username string `json:"username"`
	Text     string `json:"text"`
}

type OpponentGone struct {
	Type              string `json:"type"`
	Gone              bool   `json:"gone"`
	ClaimWinInSeconds int    `json:"claimWinInSeconds"`
}
