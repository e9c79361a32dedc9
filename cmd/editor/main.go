// Command editor is a line-oriented client for collaborative markdown
// documents. It keeps editing while offline and syncs when the server
// comes back.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ergochat/readline"

	"github.com/stelioszach03/realtime-crdt-markdown-editor/session"
	"github.com/stelioszach03/realtime-crdt-markdown-editor/utils"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("open"),
	readline.PcItem("close"),
	readline.PcItem("show"),
	readline.PcItem("set"),
	readline.PcItem("append"),
	readline.PcItem("replace"),
	readline.PcItem("delline"),
	readline.PcItem("cursor"),
	readline.PcItem("peers"),
	readline.PcItem("status"),
	readline.PcItem("follow"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

const usage = `help                 show this text
open <doc>           open a document on the server
close                close the current document
show                 print the document with line numbers
set <text>           replace the whole document
append <text>        add a line at the end
replace <n> <text>   replace line n
delline <n>          delete line n
cursor <n>           move the shared cursor to rune n
peers                list the other participants
status               connection and queue details
follow               toggle printing of remote edits
exit, quit           leave`

var errNotOpen = errors.New("no document open, use: open <doc>")

type editor struct {
	server  string
	user    string
	journal string
	log     utils.Logger
	rl      *readline.Instance

	s      *session.Session
	follow bool
}

func (e *editor) open(doc string) error {
	if e.s != nil {
		if err := e.close(); err != nil {
			return err
		}
	}
	opts := []session.Opt{
		&session.CallbacksOpt{
			OnState: func(st session.State) {
				fmt.Fprintf(os.Stderr, "· %s\n", st)
			},
			OnError: func(err error) {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
			},
			OnChange: func(text string) {
				if e.follow {
					fmt.Fprintf(os.Stderr, "· remote edit, now %d chars\n", len([]rune(text)))
				}
			},
		},
	}
	if e.journal != "" {
		opts = append(opts, &session.JournalOpt{Path: filepath.Join(e.journal, doc+".queue")})
	}
	s, err := session.New(e.log, e.server, doc, e.user, opts...)
	if err != nil {
		return err
	}
	if err := s.Connect(); err != nil {
		_ = s.Close()
		return err
	}
	e.s = s
	e.rl.SetPrompt(doc + " ◌ ")
	return nil
}

func (e *editor) close() error {
	if e.s == nil {
		return nil
	}
	err := e.s.Close()
	e.s = nil
	e.rl.SetPrompt("◌ ")
	return err
}

func (e *editor) show() error {
	if e.s == nil {
		return errNotOpen
	}
	lines := strings.Split(e.s.Text(), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, line := range lines {
		fmt.Printf("%3d│ %s\n", i+1, line)
	}
	return nil
}

func (e *editor) set(text string) error {
	if e.s == nil {
		return errNotOpen
	}
	return e.s.SetText(text)
}

func (e *editor) append(text string) error {
	if e.s == nil {
		return errNotOpen
	}
	cur := e.s.Text()
	if cur != "" && !strings.HasSuffix(cur, "\n") {
		cur += "\n"
	}
	return e.s.SetText(cur + text + "\n")
}

// editLine rewrites one line of the document; a nil replacement deletes it.
func (e *editor) editLine(n int, replacement *string) error {
	if e.s == nil {
		return errNotOpen
	}
	text := e.s.Text()
	trailing := strings.HasSuffix(text, "\n")
	if trailing {
		text = strings.TrimSuffix(text, "\n")
	}
	lines := strings.Split(text, "\n")
	if n < 1 || n > len(lines) {
		return fmt.Errorf("no line %d, document has %d", n, len(lines))
	}
	if replacement == nil {
		lines = append(lines[:n-1], lines[n:]...)
	} else {
		lines[n-1] = *replacement
	}
	out := strings.Join(lines, "\n")
	if trailing && out != "" {
		out += "\n"
	}
	return e.s.SetText(out)
}

func (e *editor) cursor(n int) error {
	if e.s == nil {
		return errNotOpen
	}
	return e.s.UpdatePresence(n, nil, nil)
}

func (e *editor) peers() error {
	if e.s == nil {
		return errNotOpen
	}
	peers := e.s.Peers()
	if len(peers) == 0 {
		fmt.Println("nobody else here")
		return nil
	}
	for _, p := range peers {
		fmt.Printf("%s (%s) at rune %d\n", p.Username, p.Site, p.Cursor)
	}
	return nil
}

func (e *editor) status() error {
	if e.s == nil {
		return errNotOpen
	}
	fmt.Printf("doc:      %s\n", e.s.Document())
	fmt.Printf("site:     %s\n", e.s.SiteID())
	fmt.Printf("state:    %s\n", e.s.State())
	fmt.Printf("queued:   %d\n", e.s.QueueLen())
	fmt.Printf("attempts: %d\n", e.s.ReconnectAttempts())
	if t := e.s.LastConnected(); !t.IsZero() {
		fmt.Printf("online:   %s\n", t.Format(time.RFC3339))
	}
	return nil
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "guest"
}

func main() {
	serverFlag := flag.String("server", envDefault("EDITOR_SERVER", "http://localhost:8080"), "server base URL")
	userFlag := flag.String("user", defaultUser(), "username shown to other participants")
	journalFlag := flag.String("journal", envDefault("EDITOR_JOURNAL", ""), "directory for offline edit journals")
	loglevelFlag := flag.String("loglevel", "warn", "log level: debug, info, warn or error")
	flag.Parse()

	level, err := utils.ParseLevel(*loglevelFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	l, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     filepath.Join(os.TempDir(), "editor-history.tmp"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	e := &editor{
		server:  *serverFlag,
		user:    *userFlag,
		journal: *journalFlag,
		log:     utils.NewDefaultLogger(level),
		rl:      l,
	}

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			} else {
				continue
			}
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)
		err = nil
		switch cmd {
		case "help":
			fmt.Println(usage)
		case "open":
			if rest == "" {
				err = errors.New("usage: open <doc>")
				break
			}
			err = e.open(rest)
		case "close":
			err = e.close()
		case "show":
			err = e.show()
		case "set":
			err = e.set(rest)
		case "append":
			err = e.append(rest)
		case "replace":
			numArg, text, _ := strings.Cut(rest, " ")
			var n int
			n, err = strconv.Atoi(numArg)
			if err != nil {
				err = errors.New("usage: replace <n> <text>")
				break
			}
			err = e.editLine(n, &text)
		case "delline":
			var n int
			n, err = strconv.Atoi(rest)
			if err != nil {
				err = errors.New("usage: delline <n>")
				break
			}
			err = e.editLine(n, nil)
		case "cursor":
			var n int
			n, err = strconv.Atoi(rest)
			if err != nil {
				err = errors.New("usage: cursor <n>")
				break
			}
			err = e.cursor(n)
		case "peers":
			err = e.peers()
		case "status":
			err = e.status()
		case "follow":
			e.follow = !e.follow
			fmt.Printf("follow %v\n", e.follow)
		case "exit", "quit":
			ex := 0
			if err := e.close(); err != nil {
				fmt.Fprintln(os.Stderr, err.Error())
				ex = -1
			}
			os.Exit(ex)
		default:
			fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
		}

		if err != nil {
			fmt.Fprintf(os.Stderr, "error executing %s: %s\n", cmd, err.Error())
		}
	}

	_ = e.close()
}
