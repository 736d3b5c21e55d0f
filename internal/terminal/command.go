package terminal

import (
	"strings"

	"github.com/Sou1ence/RabbitSimpleChat/internal/core"
)

// CommandKind describes what the user typed.
type CommandKind int

const (
	// CommandNone is a blank line.
	CommandNone CommandKind = iota
	// CommandSay sends a chat message to the current room.
	CommandSay
	// CommandPrivate sends a private message.
	CommandPrivate
	// CommandJoin switches to a room, announcing it if new.
	CommandJoin
	// CommandNew announces a room without entering it.
	CommandNew
	// CommandRooms lists the known rooms.
	CommandRooms
	// CommandHistory prints the current room's messages.
	CommandHistory
	// CommandUsers lists who is present in the current room.
	CommandUsers
	// CommandHelp prints the command summary.
	CommandHelp
	// CommandQuit leaves the room and exits.
	CommandQuit
)

// Command is one parsed input line.
type Command struct {
	Kind   CommandKind
	Target string
	Text   string
}

const helpText = `Commands:
  /pm <user> <message>  send a private message
  /join <room>          switch to a room
  /new <room>           announce a room without joining it
  /rooms                list known rooms
  /users                list users seen in the current room
  /history              show messages delivered in this room
  /help                 show this help
  /quit                 leave and exit
Anything else is sent to the current room.`

func usage(op, msg string) error {
	return &core.CoreError{Code: core.ErrCodeBadRequest, Op: op, Message: msg}
}

func parseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{Kind: CommandNone}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return Command{Kind: CommandSay, Text: line}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(name) {
	case "pm", "msg":
		target, text, _ := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if target == "" || text == "" {
			return Command{}, usage("/pm", "usage: /pm <user> <message>")
		}
		return Command{Kind: CommandPrivate, Target: target, Text: text}, nil
	case "join":
		if rest == "" {
			return Command{}, usage("/join", "usage: /join <room>")
		}
		return Command{Kind: CommandJoin, Target: rest}, nil
	case "new":
		if rest == "" {
			return Command{}, usage("/new", "usage: /new <room>")
		}
		return Command{Kind: CommandNew, Target: rest}, nil
	case "rooms":
		return Command{Kind: CommandRooms}, nil
	case "history":
		return Command{Kind: CommandHistory}, nil
	case "users":
		return Command{Kind: CommandUsers}, nil
	case "help", "?":
		return Command{Kind: CommandHelp}, nil
	case "quit", "exit":
		return Command{Kind: CommandQuit}, nil
	default:
		return Command{}, usage("/"+name, "unknown command, try /help")
	}
}
